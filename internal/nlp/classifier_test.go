package nlp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atendezap/atendezap/internal/catalog"
)

type fakeSearcher struct {
	suggestions map[string][]catalog.Suggestion
	generic     map[string]bool
}

func (f *fakeSearcher) SearchSuggestions(_ context.Context, _ string, term string, _ int) ([]catalog.Suggestion, error) {
	return f.suggestions[catalog.Normalize(term)], nil
}

func (f *fakeSearcher) IsCategoryGeneric(_ context.Context, _ string, term string) (bool, error) {
	return f.generic[catalog.Normalize(term)], nil
}

func price(v float64) *float64 { return &v }

func testClassifier() *Classifier {
	return NewClassifier(&fakeSearcher{
		suggestions: map[string][]catalog.Suggestion{
			"corte de cabelo": {
				{ServiceID: 1, Name: "Corte de Cabelo", Category: "cabelo", DurationMin: 45, Price: price(80)},
			},
			"cabelo": {
				{ServiceID: 1, Name: "Corte de Cabelo", Category: "cabelo", DurationMin: 45, Price: price(80)},
				{ServiceID: 2, Name: "Escova de Cabelo", Category: "cabelo", DurationMin: 40, Price: price(60)},
				{ServiceID: 3, Name: "Hidratação de Cabelo", Category: "cabelo", DurationMin: 50, Price: price(90)},
			},
			"corte": {
				{ServiceID: 1, Name: "Corte Feminino", Category: "cabelo", DurationMin: 45, Price: price(80)},
				{ServiceID: 4, Name: "Corte Masculino", Category: "cabelo", DurationMin: 30, Price: price(50)},
			},
			"massagem relaxante com pedras": {
				{ServiceID: 9, Name: "Massagem", Category: "corpo", DurationMin: 60, Price: price(150)},
			},
		},
		generic: map[string]bool{"cabelo": true},
	})
}

func TestClassifyExplicit(t *testing.T) {
	c := testClassifier()

	got, err := c.Classify(context.Background(), "salao-1", "Corte de Cabelo")
	require.NoError(t, err)

	assert.Equal(t, KindExplicit, got.Kind)
	require.Len(t, got.Suggestions, 1)
	assert.Equal(t, int64(1), got.Suggestions[0].ServiceID)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestClassifyCategory(t *testing.T) {
	c := testClassifier()

	got, err := c.Classify(context.Background(), "salao-1", "cabelo")
	require.NoError(t, err)

	assert.Equal(t, KindCategory, got.Kind)
	assert.Len(t, got.Suggestions, 3)
}

func TestClassifyAmbiguousPartialMatch(t *testing.T) {
	c := testClassifier()

	// One word of four matches and the category is not in the query:
	// 0.25 < 0.30 -> invalid per the thresholds.
	got, err := c.Classify(context.Background(), "salao-1", "massagem relaxante com pedras")
	require.NoError(t, err)
	assert.Equal(t, KindInvalid, got.Kind)
}

func TestClassifyPartialNameIsCategoryByConfidence(t *testing.T) {
	c := testClassifier()

	// "corte" fully matches one word of the top hit -> confidence 1.0 word
	// ratio is 1/1 = 1.0, not exact name match, >= 0.60 -> category.
	got, err := c.Classify(context.Background(), "salao-1", "corte")
	require.NoError(t, err)
	assert.Equal(t, KindCategory, got.Kind)
	assert.Len(t, got.Suggestions, 2)
}

func TestClassifyAmbiguousPhraseShortCircuit(t *testing.T) {
	c := testClassifier()

	got, err := c.Classify(context.Background(), "salao-1", "oi")
	require.NoError(t, err)
	assert.Equal(t, KindAmbiguous, got.Kind)
	assert.Empty(t, got.Suggestions)
}

func TestClassifyInvalidWhenNoRows(t *testing.T) {
	c := testClassifier()

	got, err := c.Classify(context.Background(), "salao-1", "depilacao a laser")
	require.NoError(t, err)
	assert.Equal(t, KindInvalid, got.Kind)
}

func TestConfidenceOf(t *testing.T) {
	assert.Equal(t, 1.0, ConfidenceOf("Corte de Cabelo", "corte de cabelo", "cabelo"))

	// 2 of 3 query words match, category "cabelo" inside query adds 0.2.
	got := ConfidenceOf("corte de cabelo", "Corte Feminino de Luxo", "cabelo")
	assert.InDelta(t, 2.0/3.0+0.2, got, 0.001)

	// Clamped to 1.
	got = ConfidenceOf("corte cabelo", "corte cabelo premium", "cabelo")
	assert.LessOrEqual(t, got, 1.0)

	assert.Equal(t, 0.0, ConfidenceOf("", "corte", ""))
}
