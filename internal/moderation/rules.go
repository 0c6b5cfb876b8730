package moderation

import (
	"context"
	"regexp"
	"strings"
	"time"
)

const RulesPolicyVersion = "rules-v1"

type rule struct {
	category Category
	severity float64
	pattern  *regexp.Regexp
	reason   string
}

var defaultRules = []rule{
	{CategoryHate, 0.9, regexp.MustCompile(`(?i)\b(?:inferior|master)\s+race\b`), "Promotes racial supremacy."},
	{CategoryHate, 0.9, regexp.MustCompile(`(?i)\b(?:all|those)\s+\w+\s+(?:are|is)\s+(?:subhuman|vermin|parasites|animals)\b`), "Dehumanizes a group of people."},
	{CategoryHate, 0.8, regexp.MustCompile(`(?i)\b(?:hate|despise|death\s+to)\s+(?:all\s+)?(?:the\s+)?(?:jews|muslims|christians|immigrants|refugees|gays|black\s+people|white\s+people|asians|women|men)\b`), "Expresses hatred toward a protected group."},
	{CategoryViolence, 0.9, regexp.MustCompile(`(?i)\b(?:make|build|assemble)\s+(?:a\s+)?(?:pipe\s*)?(?:bomb|explosive)s?\b`), "Requests instructions for weapons or explosives."},
	{CategoryViolence, 0.8, regexp.MustCompile(`(?i)\bi(?:\s+will|\s+am\s+going\s+to|\s+want\s+to|'m\s+going\s+to)\s+(?:kill|murder|shoot|stab)\b`), "Threatens violence."},
	{CategorySelfHarm, 0.9, regexp.MustCompile(`(?i)\b(?:kill|hurt|harm)\s+myself\b|\bend\s+my\s+life\b|\bsuicide\s+(?:method|plan)s?\b`), "Mentions self-harm."},
	{CategorySexual, 0.8, regexp.MustCompile(`(?i)\b(?:explicit|graphic)\s+sex(?:ual)?\b|\bporn(?:ography)?\b`), "Requests sexual content."},
	{CategoryOther, 0.7, regexp.MustCompile(`(?i)\b(?:exfiltrate|dump\s+credentials|leak\s+secrets?)\b`), "Attempts secret exfiltration."},
	{CategoryOther, 0.6, regexp.MustCompile(`(?i)\b(?:print|show|reveal)\b.*\b(?:api[_ -]?key|password|secret)\b`), "Asks to reveal credentials."},
	{CategoryOther, 0.2, regexp.MustCompile(`(?i)\b(?:damn|crap)\b`), "Mild profanity."},
}

// RuleGate is a deterministic regex classifier. The highest-severity
// matching rule wins; earlier rules win ties.
type RuleGate struct {
	rules     []rule
	threshold float64
	now       func() time.Time
}

func NewRuleGate(threshold float64) *RuleGate {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	return &RuleGate{
		rules:     defaultRules,
		threshold: threshold,
		now:       time.Now,
	}
}

func (g *RuleGate) PolicyVersion() string { return RulesPolicyVersion }

func (g *RuleGate) Check(_ context.Context, text string) (Verdict, error) {
	return g.classify(text), nil
}

func (g *RuleGate) classify(text string) Verdict {
	v := Verdict{
		TextHash:      HashText(text),
		Category:      CategoryNone,
		PolicyVersion: RulesPolicyVersion,
		CheckedAt:     g.now().UTC(),
	}
	in := strings.TrimSpace(text)
	var best *rule
	for i := range g.rules {
		r := &g.rules[i]
		if (best == nil || r.severity > best.severity) && r.pattern.MatchString(in) {
			best = r
		}
	}
	if best != nil {
		v.Category = best.category
		v.Severity = best.severity
		v.Reason = best.reason
	}
	v.Allowed = allowed(v.Category, v.Severity, g.threshold)
	return v
}
