package search

import (
	"strings"
	"unicode"
)

const ellipsis = "…"

// snippetAround returns a window of about width runes of text centered on the
// first whole-word occurrence of any term. Without an occurrence the window
// starts at the beginning of text.
func snippetAround(text string, terms []string, width int) string {
	runes := []rune(text)
	if len(runes) <= width {
		return strings.TrimSpace(text)
	}

	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	pos, termLen := -1, 0
	for _, term := range terms {
		t := []rune(term)
		if i := indexWord(lower, t); i >= 0 && (pos < 0 || i < pos) {
			pos, termLen = i, len(t)
		}
	}
	if pos < 0 {
		return clip(runes, 0, width)
	}

	start := pos - (width-termLen)/2
	if start < 0 {
		start = 0
	}
	if start+width > len(runes) {
		start = max(len(runes)-width, 0)
	}
	return clip(runes, start, width)
}

// truncate shortens text to at most width runes on a word boundary.
func truncate(text string, width int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= width {
		return string(runes)
	}
	return clip(runes, 0, width)
}

// clip returns runes[start:start+width] widened or narrowed to whole words,
// with ellipses marking cut ends.
func clip(runes []rune, start, width int) string {
	end := min(start+width, len(runes))
	if start > 0 {
		for start < end && !unicode.IsSpace(runes[start-1]) {
			start++
		}
	}
	if end < len(runes) {
		cut := end
		for cut > start && !unicode.IsSpace(runes[cut]) {
			cut--
		}
		if cut > start {
			end = cut
		}
	}

	out := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		out = ellipsis + out
	}
	if end < len(runes) {
		out += ellipsis
	}
	return out
}

// indexWord finds term in text where it is not part of a longer word.
func indexWord(text, term []rune) int {
	if len(term) == 0 {
		return -1
	}
	for i := 0; i+len(term) <= len(text); i++ {
		if !runesEqual(text[i:i+len(term)], term) {
			continue
		}
		if i > 0 && isWordRune(text[i-1]) {
			continue
		}
		if end := i + len(term); end < len(text) && isWordRune(text[end]) {
			continue
		}
		return i
	}
	return -1
}

func runesEqual(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
