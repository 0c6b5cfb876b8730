package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockGateway provides deterministic local replies when no provider is configured.
type MockGateway struct{}

func NewMockGateway() *MockGateway { return &MockGateway{} }

func (g *MockGateway) Name() string { return "mock" }

func (g *MockGateway) Complete(ctx context.Context, p Prompt, _ int) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	base := strings.TrimSpace(p.User)
	if base == "" {
		base = "I am listening."
	}

	var remembered []string
	for _, g := range p.Grounding {
		if g = strings.TrimSpace(g); g != "" {
			remembered = append(remembered, g)
		}
	}
	if len(remembered) == 0 {
		return fmt.Sprintf("I heard you: %s", base), nil
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, strings.Join(remembered, "; ")), nil
}
