package security

import (
	"regexp"
	"strings"
)

// FilterOutcome is the result of sanitizing one untrusted string.
type FilterOutcome struct {
	Text     string
	Redacted bool
}

// injectionPatterns match instruction-like content in page text. Page
// text is adversarial input; anything resembling a directive to a model
// or tool is replaced before the text leaves the extractor.
var injectionPatterns = []string{
	`ignore\s+previous\s+instructions`,
	`disregard\s+above`,
	`system\s+prompt`,
	`developer\s+message`,
	`tool\s+call`,
	`exfiltrate`,
	`reveal\s+secrets`,
	`bypass\s+security`,
	`do\s+not\s+follow\s+policy`,
}

const redactionPlaceholder = "[filtered_instruction]"

// PromptInjectionFilter redacts instruction-like content from
// user-visible page strings.
type PromptInjectionFilter struct {
	regexes []*regexp.Regexp
}

func NewPromptInjectionFilter() *PromptInjectionFilter {
	regexes := make([]*regexp.Regexp, 0, len(injectionPatterns))
	for _, pattern := range injectionPatterns {
		regexes = append(regexes, regexp.MustCompile(`(?i)`+pattern))
	}
	return &PromptInjectionFilter{regexes: regexes}
}

// Sanitize collapses whitespace, redacts matching spans, and truncates to
// maxLen bytes.
func (f *PromptInjectionFilter) Sanitize(text string, maxLen int) FilterOutcome {
	if text == "" {
		return FilterOutcome{Text: "", Redacted: false}
	}

	normalized := strings.Join(strings.Fields(text), " ")
	redacted := false

	for _, regex := range f.regexes {
		if regex.MatchString(normalized) {
			normalized = regex.ReplaceAllString(normalized, redactionPlaceholder)
			redacted = true
		}
	}

	if len(normalized) > maxLen {
		normalized = normalized[:maxLen]
	}
	return FilterOutcome{Text: normalized, Redacted: redacted}
}
