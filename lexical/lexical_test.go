package lexical

import (
	"testing"

	"github.com/poiesic/casevault/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"case name", "Smith v. State", []string{"smith", "state"}},
		{"possessive", "The officer's report", []string{"officer", "report"}},
		{"punctuation and case", "Field-Sobriety TEST!", []string{"field", "sobriety", "test"}},
		{"numbers kept", "Penal Code § 49.04", []string{"penal", "code", "49", "04"}},
		{"empty", "", []string{}},
		{"only stop words", "the and of", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.text))
		})
	}
}

func TestTerms_StemsInflections(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"plural", "tests", "test"},
		{"participle and noun", "intoxicated", "intoxication"},
		{"verb forms", "suppressed", "suppressing"},
		{"plural noun", "warrants", "warrant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, Terms(tt.a), Terms(tt.b))
			assert.Len(t, Terms(tt.a), 1)
		})
	}
}

func TestQueryTerms_Deduplicates(t *testing.T) {
	assert.Equal(t, Terms("field sobriety"), QueryTerms("field sobriety FIELD fields"))
}

func TestQueryWords_KeepsSurfaceForms(t *testing.T) {
	assert.Equal(t, []string{"sobriety", "tests"}, QueryWords("sobriety tests Tests"))
}

func TestBuild(t *testing.T) {
	v := Build("Smith v. State", "DWI appeal", "field sobriety test; the test was recorded")
	require.NotEmpty(t, v)

	byTerm := make(map[string]core.TermFreq)
	for i, tf := range v {
		if i > 0 {
			assert.Less(t, v[i-1].Term, tf.Term, "vector must be sorted")
		}
		byTerm[tf.Term] = tf
	}

	assert.Equal(t, core.TermFreq{Term: "smith", A: 1}, byTerm["smith"])
	assert.Equal(t, core.TermFreq{Term: "dwi", B: 1}, byTerm["dwi"])
	assert.Equal(t, core.TermFreq{Term: "test", C: 2}, byTerm["test"])
	assert.Contains(t, byTerm, "record", "stored terms are stems")
}

func TestBuild_Deterministic(t *testing.T) {
	a := Build("Smith v. State", "summary text", "long opinion text with many words")
	b := Build("Smith v. State", "summary text", "long opinion text with many words")
	assert.Equal(t, a, b)
}

func TestBuild_EmptyFields(t *testing.T) {
	assert.Nil(t, Build("", "", ""))
	v := Build("Smith v. State", "", "")
	assert.Len(t, v, 2)
}

func TestRank_WeightOrdering(t *testing.T) {
	nameOnly := Rank(core.TermFreq{Term: "x", A: 1})
	summaryOnly := Rank(core.TermFreq{Term: "x", B: 1})
	textOnly := Rank(core.TermFreq{Term: "x", C: 1})

	assert.Greater(t, nameOnly, summaryOnly)
	assert.Greater(t, summaryOnly, textOnly)
	assert.Greater(t, textOnly, float32(0))
	assert.Equal(t, float32(0), Rank(core.TermFreq{Term: "x"}))
}

func TestTextChanged(t *testing.T) {
	base := &core.Opinion{CaseName: "A", Summary: "B", Text: "C", Outcome: "affirmed"}

	same := *base
	same.Outcome = "reversed"
	assert.False(t, TextChanged(base, &same))

	changed := *base
	changed.Summary = "new summary"
	assert.True(t, TextChanged(base, &changed))
}
