package llm

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// RateLimitedGateway paces calls to the wrapped gateway on the client side.
type RateLimitedGateway struct {
	next    Gateway
	limiter *rate.Limiter
}

func NewRateLimitedGateway(next Gateway, requestsPerSecond float64, burst int) *RateLimitedGateway {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedGateway{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

func (g *RateLimitedGateway) Name() string { return g.next.Name() }

func (g *RateLimitedGateway) Complete(ctx context.Context, p Prompt, maxTokens int) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		// Wait fails early when the deadline cannot fit the next token.
		return "", &Error{Kind: ErrRateLimited, Provider: g.next.Name(), Err: err}
	}
	return g.next.Complete(ctx, p, maxTokens)
}
