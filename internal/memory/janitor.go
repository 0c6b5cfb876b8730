package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/ent0n29/karmaspark/internal/observability"
)

// StartJanitor evicts expired items every interval until ctx is done.
func StartJanitor(ctx context.Context, store Store, interval time.Duration, logger *slog.Logger, metrics *observability.Metrics) {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.EvictExpired(ctx)
				metrics.MemoryOp("evict_expired", err)
				if err != nil {
					logger.Warn("memory eviction failed", "error", err)
					continue
				}
				if n > 0 {
					metrics.MemoryEviction("expired", n)
					logger.Info("memory items expired", "count", n)
				}
			}
		}
	}()
}
