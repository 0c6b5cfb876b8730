package llm

import (
	"context"
	"errors"
	"fmt"
)

// FallbackGateway tries primary first and falls back on upstream errors.
// Caller cancellation and invalid requests are not retried elsewhere.
type FallbackGateway struct {
	primary  Gateway
	fallback Gateway
}

func NewFallbackGateway(primary, fallback Gateway) *FallbackGateway {
	return &FallbackGateway{primary: primary, fallback: fallback}
}

func (g *FallbackGateway) Name() string {
	return g.primary.Name() + ">" + g.fallback.Name()
}

func (g *FallbackGateway) Complete(ctx context.Context, p Prompt, maxTokens int) (string, error) {
	text, err := g.primary.Complete(ctx, p, maxTokens)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidRequest) || ctx.Err() != nil {
		return "", err
	}
	text, fbErr := g.fallback.Complete(ctx, p, maxTokens)
	if fbErr != nil {
		return "", fmt.Errorf("primary gateway error: %w; fallback gateway error: %w", err, fbErr)
	}
	return text, nil
}
