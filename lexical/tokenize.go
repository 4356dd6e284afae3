package lexical

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball/english"
)

// Stop words dropped from both documents and queries
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "be": true, "is": true, "are": true,
	"was": true, "were": true, "to": true, "of": true, "and": true, "in": true,
	"that": true, "have": true, "has": true, "had": true, "it": true, "its": true,
	"for": true, "not": true, "on": true, "with": true, "as": true, "you": true,
	"do": true, "at": true, "this": true, "but": true, "by": true, "from": true,
	"or": true, "we": true, "he": true, "she": true, "his": true, "her": true,
	"they": true, "their": true, "which": true, "there": true, "been": true,
	"if": true, "so": true, "no": true, "into": true, "than": true, "then": true,
	"such": true, "any": true, "all": true, "would": true, "should": true,
}

// Tokenize splits text into lower-case index terms.
// Punctuation separates terms, possessive "'s" is stripped, and stop words
// and single characters are dropped. "v." in case names disappears this way.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.Trim(f, "'"))
		f = strings.TrimSuffix(f, "'s")
		f = strings.ReplaceAll(f, "'", "")
		if len([]rune(f)) < 2 || stopWords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// Terms tokenizes text and reduces every token to its English (Porter2)
// stem, so inflections like "tests" and "test" share one index term.
func Terms(text string) []string {
	tokens := Tokenize(text)
	for i, t := range tokens {
		tokens[i] = Stem(t)
	}
	return tokens
}

// Stem returns the English stem of a lower-case token.
func Stem(token string) string {
	if stem := english.Stem(token, true); stem != "" {
		return stem
	}
	return token
}

// QueryTerms derives the stemmed index terms of a query and removes
// duplicates, keeping first-seen order.
func QueryTerms(query string) []string {
	return dedupe(Terms(query))
}

// QueryWords returns the unstemmed query tokens without duplicates, for
// locating matches in the original text.
func QueryWords(query string) []string {
	return dedupe(Tokenize(query))
}

func dedupe(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	terms := tokens[:0]
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}
	return terms
}
