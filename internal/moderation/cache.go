package moderation

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedGate memoizes verdicts by policy version and text hash. Failed
// checks are never cached.
type CachedGate struct {
	inner Gate
	cache *ristretto.Cache
}

func NewCachedGate(inner Gate, maxEntries int64) (*CachedGate, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create verdict cache: %w", err)
	}
	return &CachedGate{inner: inner, cache: cache}, nil
}

func (g *CachedGate) PolicyVersion() string { return g.inner.PolicyVersion() }

func (g *CachedGate) Check(ctx context.Context, text string) (Verdict, error) {
	key := g.inner.PolicyVersion() + ":" + HashText(text)
	if v, ok := g.cache.Get(key); ok {
		if verdict, ok := v.(Verdict); ok {
			return verdict, nil
		}
	}
	verdict, err := g.inner.Check(ctx, text)
	if err != nil {
		return Verdict{}, err
	}
	g.cache.Set(key, verdict, 1)
	return verdict, nil
}

func (g *CachedGate) Close() error {
	g.cache.Close()
	return nil
}
