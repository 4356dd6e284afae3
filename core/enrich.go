package core

import (
	"regexp"
	"strings"
)

var dwiStatutePatterns = []*regexp.Regexp{
	regexp.MustCompile(`penal\s+code\s*(?:ann\.?\s*)?§?\s*49\.0[4-9]`),
	regexp.MustCompile(`§\s*49\.0[4-9]`),
}

var dwiKeywords = []string{
	"dwi", "dui", "driving while intoxicated", "intoxication",
	"blood alcohol", "bac", "breathalyzer", "field sobriety",
	"implied consent", "intoxication manslaughter", "intoxication assault",
}

var parkingKeywords = []string{
	"parking violation", "parking ticket", "parking fine",
	"handicap parking", "disabled parking",
}

// classifyWindow bounds how much opinion text the classifier inspects.
const classifyWindow = 5000

// ClassifyCase infers a case category from the case name and opening text.
// Returns "" when no category applies.
func ClassifyCase(caseName, text string) string {
	if len(text) > classifyWindow {
		text = text[:classifyWindow]
	}
	combined := strings.ToLower(caseName + " " + text)

	for _, re := range dwiStatutePatterns {
		if re.MatchString(combined) {
			return CaseCategoryDWI
		}
	}
	for _, kw := range dwiKeywords {
		if containsWord(combined, kw) {
			return CaseCategoryDWI
		}
	}
	for _, kw := range parkingKeywords {
		if strings.Contains(combined, kw) {
			return CaseCategoryParkingTicket
		}
	}
	return ""
}

// containsWord reports whether phrase occurs in text on word boundaries.
// Short abbreviations such as "bac" must not match inside other words.
func containsWord(text, phrase string) bool {
	for start := 0; start < len(text); {
		i := strings.Index(text[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(phrase)
		if (i == 0 || !isWordByte(text[i-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		start = i + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// outcomeWindow is how much of the closing text is inspected for the disposition.
const outcomeWindow = 2000

var outcomePatterns = []struct {
	outcome  string
	patterns []string
}{
	{"reversed and remanded", []string{"reverse and remand", "reversed and remanded"}},
	{"affirmed", []string{"affirm", "we affirm", "judgment is affirmed", "conviction is affirmed"}},
	{"reversed", []string{"reverse", "we reverse", "judgment is reversed"}},
	{"remanded", []string{"remand", "we remand"}},
	{"dismissed", []string{"dismiss", "we dismiss", "appeal is dismissed"}},
	{"abated", []string{"abated", "appeal abated"}},
}

// ExtractOutcome infers the disposition from the closing paragraphs of an opinion.
// Returns "" when none is recognised.
func ExtractOutcome(text string) string {
	if text == "" {
		return ""
	}
	if len(text) > outcomeWindow {
		text = text[len(text)-outcomeWindow:]
	}
	closing := strings.ToLower(text)
	for _, candidate := range outcomePatterns {
		for _, p := range candidate.patterns {
			if strings.Contains(closing, p) {
				return candidate.outcome
			}
		}
	}
	return ""
}

var statutePattern = regexp.MustCompile(`(?i)(?:Tex(?:as)?\.?\s*)?(?:Penal|Transp(?:ortation)?|Gov(?:ernment)?)\.?\s*Code\s*(?:Ann(?:otated)?\.?\s*)?§?\s*(\d+\.\d+)`)

// ExtractStatutes returns the distinct Texas code sections cited in text,
// formatted as "§ 49.04", in order of first appearance.
func ExtractStatutes(text string) []string {
	if text == "" {
		return nil
	}
	var statutes []string
	seen := make(map[string]bool)
	for _, m := range statutePattern.FindAllStringSubmatch(text, -1) {
		key := strings.TrimSpace(m[1])
		if seen[key] {
			continue
		}
		seen[key] = true
		statutes = append(statutes, "§ "+key)
	}
	return statutes
}

// Enrich fills CaseCategory, Outcome and Statutes from the opinion text
// when the caller left them empty. Fields that are already set are kept.
func Enrich(opinion *Opinion) {
	if opinion.CaseCategory == "" {
		opinion.CaseCategory = ClassifyCase(opinion.CaseName, opinion.Text)
	}
	if opinion.Outcome == "" {
		opinion.Outcome = ExtractOutcome(opinion.Text)
	}
	if len(opinion.Statutes) == 0 {
		opinion.Statutes = ExtractStatutes(opinion.Text)
	}
}
