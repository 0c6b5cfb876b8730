package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/karmaspark/internal/llm"
)

const classifierPrompt = `You are a content moderator. Decide whether the user's text contains harmful content: hate speech, violence, sexual content, self-harm, or other abuse.
Answer with exactly one line.
If the text is harmful answer: FLAGGED: <category>: <short reason>
where <category> is one of hate, violence, sexual, self_harm, other.
Otherwise answer: SAFE`

// llmFlagSeverity is assigned to every verdict flagged by the model.
const llmFlagSeverity = 0.8

// LLMGate runs the rule classifier first and asks the model only when the
// rules let the text through.
type LLMGate struct {
	rules     *RuleGate
	gateway   llm.Gateway
	threshold float64
	maxTokens int
}

func NewLLMGate(gateway llm.Gateway, threshold float64) *LLMGate {
	rules := NewRuleGate(threshold)
	return &LLMGate{
		rules:     rules,
		gateway:   gateway,
		threshold: rules.threshold,
		maxTokens: 64,
	}
}

func (g *LLMGate) PolicyVersion() string {
	return "llm-v1+" + RulesPolicyVersion
}

func (g *LLMGate) Check(ctx context.Context, text string) (Verdict, error) {
	v := g.rules.classify(text)
	v.PolicyVersion = g.PolicyVersion()
	if !v.Allowed {
		return v, nil
	}

	raw, err := g.gateway.Complete(ctx, llm.Prompt{System: classifierPrompt, User: text}, g.maxTokens)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	category, reason, ok := parseClassifierReply(raw)
	if !ok {
		return Verdict{}, fmt.Errorf("%w: unrecognized classifier reply %q", ErrUnavailable, truncate(raw, 80))
	}
	if category == CategoryNone {
		return v, nil
	}

	v.Category = category
	v.Severity = llmFlagSeverity
	v.Reason = reason
	v.Allowed = allowed(category, v.Severity, g.threshold)
	v.CheckedAt = time.Now().UTC()
	return v, nil
}

// parseClassifierReply accepts "SAFE", "FLAGGED: <reason>" and
// "FLAGGED: <category>: <reason>".
func parseClassifierReply(raw string) (Category, string, bool) {
	line := strings.TrimSpace(raw)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "SAFE"):
		return CategoryNone, "", true
	case strings.HasPrefix(upper, "FLAGGED"):
		rest := strings.TrimSpace(strings.TrimLeft(line[len("FLAGGED"):], ": "))
		category, reason, found := strings.Cut(rest, ":")
		if found {
			if c, known := ParseCategory(category); known && c != CategoryNone {
				return c, strings.TrimSpace(reason), true
			}
		}
		return CategoryOther, rest, true
	default:
		return "", "", false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
