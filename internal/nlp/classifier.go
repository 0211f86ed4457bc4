package nlp

import (
	"context"
	"fmt"
	"strings"

	"github.com/atendezap/atendezap/internal/catalog"
)

// Kind classifies an utterance against the catalog.
type Kind string

const (
	// KindExplicit means exactly one specific service is clearly meant.
	KindExplicit Kind = "explicit"
	// KindCategory means a family name that covers two or more services.
	KindCategory Kind = "category"
	// KindAmbiguous means insufficient specificity to proceed.
	KindAmbiguous Kind = "ambiguous"
	// KindInvalid means the catalog has nothing resembling the utterance.
	KindInvalid Kind = "invalid"
)

// Classification carries the kind plus ranked candidates for the reply.
type Classification struct {
	Kind        Kind                 `json:"kind"`
	Confidence  float64              `json:"confidence"`
	Suggestions []catalog.Suggestion `json:"suggestions,omitempty"`
}

// CatalogSearcher is the catalog subset the classifier consumes.
type CatalogSearcher interface {
	SearchSuggestions(ctx context.Context, tenant, term string, limit int) ([]catalog.Suggestion, error)
	IsCategoryGeneric(ctx context.Context, tenant, term string) (bool, error)
}

// Classifier decides whether an utterance names a bookable service.
// A booking may only be finalized on KindExplicit plus a positive
// availability check downstream.
type Classifier struct {
	catalog CatalogSearcher
}

// NewClassifier builds a classifier over the catalog store.
func NewClassifier(searcher CatalogSearcher) *Classifier {
	return &Classifier{catalog: searcher}
}

// Classify maps text to explicit/category/ambiguous/invalid with top-3
// candidates where they help the user narrow down.
func (c *Classifier) Classify(ctx context.Context, tenant, text string) (*Classification, error) {
	if IsAmbiguousPhrase(text) {
		return &Classification{Kind: KindAmbiguous}, nil
	}

	suggestions, err := c.catalog.SearchSuggestions(ctx, tenant, text, 3)
	if err != nil {
		return nil, fmt.Errorf("nlp: classify search: %w", err)
	}
	if len(suggestions) == 0 {
		return &Classification{Kind: KindInvalid}, nil
	}

	top := suggestions[0]
	confidence := ConfidenceOf(text, top.Name, top.Category)

	if catalog.Normalize(top.Name) == catalog.Normalize(text) && confidence >= 0.85 {
		return &Classification{
			Kind:        KindExplicit,
			Confidence:  confidence,
			Suggestions: suggestions[:1],
		}, nil
	}

	generic, err := c.catalog.IsCategoryGeneric(ctx, tenant, text)
	if err != nil {
		return nil, fmt.Errorf("nlp: classify category check: %w", err)
	}
	if generic || confidence >= 0.60 {
		return &Classification{Kind: KindCategory, Confidence: confidence, Suggestions: topN(suggestions, 3)}, nil
	}
	if confidence >= 0.30 {
		return &Classification{Kind: KindAmbiguous, Confidence: confidence, Suggestions: topN(suggestions, 3)}, nil
	}
	return &Classification{Kind: KindInvalid, Confidence: confidence}, nil
}

func topN(suggestions []catalog.Suggestion, n int) []catalog.Suggestion {
	if len(suggestions) > n {
		return suggestions[:n]
	}
	return suggestions
}

// ConfidenceOf scores how well a candidate matches the query: 1.0 on exact
// normalized match, otherwise the fraction of query words present in the
// candidate name plus a 0.2 bonus when the candidate's category appears
// inside the query. Clamped to [0,1].
func ConfidenceOf(query, candidateName, candidateCategory string) float64 {
	normalizedQuery := catalog.Normalize(query)
	normalizedName := catalog.Normalize(candidateName)
	if normalizedQuery == "" {
		return 0
	}
	if normalizedQuery == normalizedName {
		return 1.0
	}

	queryWords := strings.Fields(normalizedQuery)
	nameWords := make(map[string]struct{})
	for _, w := range strings.Fields(normalizedName) {
		nameWords[w] = struct{}{}
	}
	matched := 0
	for _, w := range queryWords {
		if _, ok := nameWords[w]; ok {
			matched++
		}
	}
	score := float64(matched) / float64(len(queryWords))

	normalizedCategory := catalog.Normalize(candidateCategory)
	if normalizedCategory != "" && strings.Contains(normalizedQuery, normalizedCategory) {
		score += 0.2
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
