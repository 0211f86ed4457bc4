package flow

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ActionType enumerates the graph's action variants. The loader rejects
// anything outside this set so a typo fails at startup, not mid-conversation.
type ActionType string

const (
	ActionReply           ActionType = "reply"
	ActionTransition      ActionType = "transition"
	ActionCheckOverride   ActionType = "check_override"
	ActionAggregateBuffer ActionType = "aggregate_buffer"
	ActionSetVariable     ActionType = "set_variable"
	ActionCallTool        ActionType = "call_tool"
)

// Action is one step of a state's action list. Only the fields for its type
// are populated; Condition, when present, gates execution.
type Action struct {
	Type ActionType

	// reply
	Template string
	// transition
	Target string
	// check_override
	Var string
	// set_variable
	Name  string
	Value any
	// call_tool
	Tool   string
	Args   map[string]any
	SaveAs string

	Condition    Expr
	ConditionRaw string
}

type actionYAML struct {
	Action    string         `yaml:"action"`
	Template  string         `yaml:"template"`
	Target    string         `yaml:"target"`
	Var       string         `yaml:"var"`
	Name      string         `yaml:"name"`
	Value     any            `yaml:"value"`
	Tool      string         `yaml:"tool"`
	Args      map[string]any `yaml:"args"`
	SaveAs    string         `yaml:"save_as"`
	Condition string         `yaml:"condition"`
}

// UnmarshalYAML validates the action shape and compiles its condition.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	var raw actionYAML
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("flow: decode action: %w", err)
	}

	a.Type = ActionType(raw.Action)
	a.Template = raw.Template
	a.Target = raw.Target
	a.Var = raw.Var
	a.Name = raw.Name
	a.Value = raw.Value
	a.Tool = raw.Tool
	a.Args = raw.Args
	a.SaveAs = raw.SaveAs
	a.ConditionRaw = raw.Condition

	switch a.Type {
	case ActionReply:
		if a.Template == "" {
			return fmt.Errorf("flow: reply action requires template (line %d)", node.Line)
		}
	case ActionTransition:
		if a.Target == "" {
			return fmt.Errorf("flow: transition action requires target (line %d)", node.Line)
		}
	case ActionCheckOverride:
		if a.Var == "" {
			return fmt.Errorf("flow: check_override action requires var (line %d)", node.Line)
		}
	case ActionAggregateBuffer:
	case ActionSetVariable:
		if a.Name == "" {
			return fmt.Errorf("flow: set_variable action requires name (line %d)", node.Line)
		}
	case ActionCallTool:
		if a.Tool == "" {
			return fmt.Errorf("flow: call_tool action requires tool (line %d)", node.Line)
		}
	default:
		return fmt.Errorf("flow: unknown action %q (line %d)", raw.Action, node.Line)
	}

	if raw.Condition != "" {
		compiled, err := ParseExpr(raw.Condition)
		if err != nil {
			return fmt.Errorf("flow: condition %q: %w", raw.Condition, err)
		}
		a.Condition = compiled
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)

// ResolveValue resolves a set_variable value or a call_tool argument against
// the scope. A string that is exactly one placeholder yields the referenced
// value with its type intact; a string with embedded placeholders is
// interpolated; everything else passes through as a literal.
func ResolveValue(scope Scope, value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}

	matches := placeholderPattern.FindStringSubmatch(s)
	if matches != nil && strings.TrimSpace(s) == matches[0] {
		v, _ := scope.Lookup(matches[1])
		return v
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		path := placeholderPattern.FindStringSubmatch(m)[1]
		v, found := scope.Lookup(path)
		if !found || v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	})
}

// ResolveArgs resolves every call_tool argument against the scope.
func ResolveArgs(scope Scope, args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = ResolveValue(scope, v)
	}
	return out
}
