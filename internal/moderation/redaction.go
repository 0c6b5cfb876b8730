package moderation

import "regexp"

// Order matters: card numbers would otherwise be caught by the phone pattern.
var piiPatterns = []struct {
	re          *regexp.Regexp
	placeholder string
}{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	// Optional country code, an area group, then a 3-4 digit and a 4 digit
	// group. Dates and clock times never fit this grouping.
	{regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?(?:\(\d{2,4}\) ?|\b\d{2,4}[ .\-]?)\d{3,4}[ .\-]?\d{4}\b`), "[REDACTED_PHONE]"},
}

// RedactPII masks e-mail addresses, card numbers and phone numbers before
// text is written to long-term memory.
func RedactPII(input string) (string, bool) {
	out := input
	for _, p := range piiPatterns {
		out = p.re.ReplaceAllString(out, p.placeholder)
	}
	return out, out != input
}
