package agent

import (
	"regexp"
	"strings"
)

var intentPatterns = []struct {
	intent  Intent
	pattern *regexp.Regexp
}{
	{IntentCancelReminder, regexp.MustCompile(`(?is)^(?:please\s+)?cancel\s+(?:the\s+|my\s+)?reminder\s+#?(\S+?)[.!]?$`)},
	{IntentRecall, regexp.MustCompile(`(?is)^(?:what\s+do\s+you\s+remember\s+about|do\s+you\s+remember|recall)\s*:?\s+(.+?)\s*\??$`)},
	{IntentRemember, regexp.MustCompile(`(?is)^remember(?:\s+that)?\s*[:,-]?\s+(.+)$`)},
	{IntentRemind, regexp.MustCompile(`(?is)^(?:please\s+)?remind\s+me\b[\s,:]*(.*)$`)},
	{IntentSummarize, regexp.MustCompile(`(?is)^(?:summari[sz]e|tl;?dr)\b\s*:?\s*(.*)$`)},
	{IntentModerate, regexp.MustCompile(`(?is)^moderate\s*:\s*(.+)$`)},
}

// Classify maps free text onto an intent and returns the payload that the
// intent operates on. Unmatched text is an ask with the whole text as payload.
func Classify(text string) (Intent, string) {
	in := strings.TrimSpace(text)
	for _, p := range intentPatterns {
		if m := p.pattern.FindStringSubmatch(in); m != nil {
			return p.intent, strings.TrimSpace(m[1])
		}
	}
	return IntentAsk, in
}

var (
	noteworthyRe = regexp.MustCompile(`(?i)^(?:my\s+[\w'-]+(?:\s+[\w'-]+){0,2}\s+(?:is|are|was)\s+\S|i(?:'m|\s+(?:am|like|love|hate|prefer|live|work|have))\s+\S)`)
	questionRe   = regexp.MustCompile(`(?i)^(?:who|what|when|where|why|how|which|do|does|did|is|are|can|could|should|would|will)\b`)
)

// Noteworthy reports whether a plain statement is a first-person fact worth
// remembering. Questions never are.
func Noteworthy(text string) bool {
	in := strings.TrimSpace(text)
	if in == "" || strings.HasSuffix(in, "?") || questionRe.MatchString(in) {
		return false
	}
	return noteworthyRe.MatchString(in)
}
