package memory

import (
	"context"
	"strings"
)

// NewStore picks a backend: postgres when databaseURL is set, sqlite when a
// file path is given, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL, sqlitePath string, opts Options) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL, opts)
	}
	if p := strings.TrimSpace(sqlitePath); p != "" && p != ":memory:" {
		return NewSQLiteStore(ctx, p, opts)
	}
	return NewInMemoryStore(opts), nil
}
