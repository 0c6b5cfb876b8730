package moderation

import (
	"fmt"
	"strings"

	"github.com/ent0n29/karmaspark/internal/llm"
)

// Options controls gate construction.
type Options struct {
	Mode              string
	SeverityThreshold float64
	CacheSize         int64
	Gateway           llm.Gateway
}

// NewGate builds the configured classifier wrapped in a verdict cache.
func NewGate(opts Options) (*CachedGate, error) {
	var inner Gate
	switch strings.ToLower(strings.TrimSpace(opts.Mode)) {
	case "", "rules":
		inner = NewRuleGate(opts.SeverityThreshold)
	case "llm":
		if opts.Gateway == nil {
			return nil, fmt.Errorf("moderation mode llm requires a gateway")
		}
		inner = NewLLMGate(opts.Gateway, opts.SeverityThreshold)
	default:
		return nil, fmt.Errorf("unsupported moderation mode %q", opts.Mode)
	}
	return NewCachedGate(inner, opts.CacheSize)
}
