package reminder

import (
	"context"
	"strings"
)

// NewStore picks a backend the same way the memory store does: postgres,
// then a sqlite file, then in-memory.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if p := strings.TrimSpace(sqlitePath); p != "" && p != ":memory:" {
		return NewSQLiteStore(ctx, p)
	}
	return NewInMemoryStore(), nil
}
