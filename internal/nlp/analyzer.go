package nlp

import (
	"regexp"
	"strings"

	"github.com/atendezap/atendezap/internal/catalog"
)

// Intent is the deterministic classification of an inbound utterance.
type Intent string

const (
	IntentOption1           Intent = "option_1"
	IntentOption2           Intent = "option_2"
	IntentExplicitSchedule  Intent = "explicit_schedule"
	IntentAmbiguousSchedule Intent = "ambiguous_schedule"
	IntentStop              Intent = "stop"
	IntentUnknown           Intent = "unknown"
)

// Confidence scores are fixed per intent family.
const (
	confidenceStop      = 0.95
	confidenceOption    = 0.9
	confidenceExplicit  = 0.85
	confidenceAmbiguous = 0.6
)

// Result is the outcome of Analyze.
type Result struct {
	Intent     Intent
	Confidence float64
}

// PatternGroups configures the analyzer's regex sets. All patterns run
// against the normalized utterance.
type PatternGroups struct {
	Stop      []*regexp.Regexp
	Option1   []*regexp.Regexp
	Option2   []*regexp.Regexp
	Explicit  []*regexp.Regexp
	Ambiguous []*regexp.Regexp
}

// DefaultPatternGroups returns the pt-BR lexicon.
func DefaultPatternGroups() PatternGroups {
	return PatternGroups{
		Stop: compileAll(
			`^(parar|pare|stop|sair|cancelar tudo|encerrar)$`,
			`\bfalar com (um |uma )?(atendente|humano|pessoa)\b`,
		),
		Option1: compileAll(
			`^1[\s).]*$`,
			`^(op[cç]?[aã]?o )?(um|1)$`,
			`^primeira( op[cç]ao)?$`,
		),
		Option2: compileAll(
			`^2[\s).]*$`,
			`^(op[cç]?[aã]?o )?(dois|2)$`,
			`^segunda( op[cç]ao)?$`,
			`^informa[cç][oõ]es?$`,
		),
		Explicit: compileAll(
			`\b(quero|gostaria de|preciso|pode) (agendar|marcar|fazer) .+`,
			`^(agendar|marcar) .+`,
		),
		Ambiguous: compileAll(
			`^(agenda|agendar|agendamento|marcar|marca[cç][aã]o)$`,
			`\b(hor[aá]rio|agenda|agendar|marcar)\b`,
		),
	}
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// Analyzer classifies raw utterances with configurable regex groups.
// Ties resolve in fixed priority: stop > option > explicit > ambiguous.
type Analyzer struct {
	groups PatternGroups
}

// NewAnalyzer builds an analyzer; zero-valued groups fall back to defaults.
func NewAnalyzer(groups PatternGroups) *Analyzer {
	if len(groups.Stop) == 0 && len(groups.Option1) == 0 && len(groups.Option2) == 0 &&
		len(groups.Explicit) == 0 && len(groups.Ambiguous) == 0 {
		groups = DefaultPatternGroups()
	}
	return &Analyzer{groups: groups}
}

// Analyze classifies text into an intent with a fixed confidence.
func (a *Analyzer) Analyze(text string) Result {
	normalized := catalog.Normalize(text)
	if normalized == "" {
		return Result{Intent: IntentUnknown}
	}

	if matchAny(a.groups.Stop, normalized) {
		return Result{Intent: IntentStop, Confidence: confidenceStop}
	}
	if matchAny(a.groups.Option1, normalized) {
		return Result{Intent: IntentOption1, Confidence: confidenceOption}
	}
	if matchAny(a.groups.Option2, normalized) {
		return Result{Intent: IntentOption2, Confidence: confidenceOption}
	}
	if matchAny(a.groups.Explicit, normalized) {
		return Result{Intent: IntentExplicitSchedule, Confidence: confidenceExplicit}
	}
	if matchAny(a.groups.Ambiguous, normalized) {
		return Result{Intent: IntentAmbiguousSchedule, Confidence: confidenceAmbiguous}
	}
	return Result{Intent: IntentUnknown}
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// glueWords are filler tokens that carry no service information.
var glueWords = map[string]struct{}{
	"de": {}, "da": {}, "do": {}, "para": {}, "pra": {}, "um": {}, "uma": {},
	"o": {}, "a": {}, "e": {}, "com": {}, "por": {}, "fazer": {}, "quero": {},
	"gostaria": {}, "por favor": {}, "favor": {}, "algo": {}, "alguma": {}, "coisa": {},
}

var ambiguousPhrasePatterns = compileAll(
	`^(oi|ola|bom dia|boa tarde|boa noite)$`,
	`^(sim|nao|ok|tudo bem|talvez)$`,
	`^(isso|aquilo|qualquer( um| coisa)?)$`,
)

// IsAmbiguousPhrase reports whether text is too vague to search the catalog:
// under three characters, a configured ambiguous phrase, or nothing but glue
// words.
func IsAmbiguousPhrase(text string) bool {
	normalized := catalog.Normalize(text)
	if len([]rune(normalized)) < 3 {
		return true
	}
	if matchAny(ambiguousPhrasePatterns, normalized) {
		return true
	}
	for _, word := range strings.Fields(normalized) {
		if _, glue := glueWords[word]; !glue {
			return false
		}
	}
	return true
}
