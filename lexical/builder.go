package lexical

import (
	"math"
	"slices"
	"strings"

	"github.com/poiesic/casevault/core"
)

// Field weights, following the classic A/B/C full-text ladder.
const (
	WeightA float32 = 1.0 // case name
	WeightB float32 = 0.4 // summary
	WeightC float32 = 0.2 // opinion text
)

// Build derives the lexical vector from the three weighted fields.
// Empty fields contribute nothing. The result is sorted by term.
func Build(caseName, summary, text string) core.LexicalVector {
	counts := make(map[string]*core.TermFreq)
	add := func(field string, bump func(tf *core.TermFreq)) {
		for _, term := range Terms(field) {
			tf, ok := counts[term]
			if !ok {
				tf = &core.TermFreq{Term: term}
				counts[term] = tf
			}
			bump(tf)
		}
	}
	add(caseName, func(tf *core.TermFreq) { tf.A++ })
	add(summary, func(tf *core.TermFreq) { tf.B++ })
	add(text, func(tf *core.TermFreq) { tf.C++ })

	if len(counts) == 0 {
		return nil
	}

	vector := make(core.LexicalVector, 0, len(counts))
	for _, tf := range counts {
		vector = append(vector, *tf)
	}
	slices.SortFunc(vector, func(a, b core.TermFreq) int {
		return strings.Compare(a.Term, b.Term)
	})
	return vector
}

// BuildOpinion derives the lexical vector of an opinion.
func BuildOpinion(opinion *core.Opinion) core.LexicalVector {
	return Build(opinion.CaseName, opinion.Summary, opinion.Text)
}

// Rank scores one term's frequencies: sum over fields of weight * ln(1+tf).
func Rank(tf core.TermFreq) float32 {
	return WeightA*damp(tf.A) + WeightB*damp(tf.B) + WeightC*damp(tf.C)
}

func damp(n uint32) float32 {
	if n == 0 {
		return 0
	}
	return float32(math.Log1p(float64(n)))
}

// TextChanged reports whether any field feeding the lexical vector differs.
func TextChanged(old, updated *core.Opinion) bool {
	return old.CaseName != updated.CaseName ||
		old.Summary != updated.Summary ||
		old.Text != updated.Text
}
