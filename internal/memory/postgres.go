package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/karmaspark/internal/storage"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS memory_items (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		author_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		tags TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		seq BIGSERIAL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_memory_items_conv_created ON memory_items (conversation_id, created_at);`,
}

// PostgresStore persists conversational memory in PostgreSQL. Writers for the
// same conversation serialize on a transaction-scoped advisory lock.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

func NewPostgresStore(ctx context.Context, databaseURL string, opts Options) (*PostgresStore, error) {
	pool, err := storage.OpenPostgres(ctx, databaseURL, postgresSchema)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, opts: opts.withDefaults()}, nil
}

func (s *PostgresStore) Store(ctx context.Context, item Item) (string, error) {
	if err := validate(item); err != nil {
		return "", err
	}
	now := s.opts.Now().UTC()
	item.ID = uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", unavailable("begin store", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, item.ConversationID); err != nil {
		return "", unavailable("lock conversation", err)
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM memory_items WHERE conversation_id=$1`, item.ConversationID,
	).Scan(&count); err != nil {
		return "", unavailable("count items", err)
	}
	if overflow := count - s.opts.Policy.MaxItems + 1; overflow > 0 {
		order := "created_at ASC, seq ASC"
		if s.opts.Policy.Eviction == EvictLRU {
			order = "last_accessed_at ASC, seq ASC"
		}
		if _, err := tx.Exec(ctx, `DELETE FROM memory_items WHERE id IN (
			SELECT id FROM memory_items WHERE conversation_id=$1 ORDER BY `+order+` LIMIT $2)`,
			item.ConversationID, overflow,
		); err != nil {
			return "", unavailable("evict overflow", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO memory_items (id, conversation_id, author_id, content, tags, created_at, last_accessed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		item.ID, item.ConversationID, item.AuthorID, item.Content, nonNilTags(item.Tags), now,
	); err != nil {
		return "", unavailable("insert item", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", unavailable("commit store", err)
	}
	return item.ID, nil
}

func (s *PostgresStore) Retrieve(ctx context.Context, conversationID, query string, limit int) ([]Item, error) {
	now := s.opts.Now().UTC()
	cutoff := now.Add(-s.opts.Policy.Retention)

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, author_id, content, tags, created_at, last_accessed_at
		 FROM memory_items WHERE conversation_id=$1 AND created_at >= $2`,
		conversationID, cutoff,
	)
	if err != nil {
		return nil, unavailable("query items", err)
	}
	live, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Item, error) {
		var it Item
		err := row.Scan(&it.ID, &it.ConversationID, &it.AuthorID, &it.Content, &it.Tags, &it.CreatedAt, &it.LastAccessedAt)
		return it, err
	})
	if err != nil {
		return nil, unavailable("scan items", err)
	}

	ranked := rank(live, query, limit, s.opts.Policy.NormalizeScore)
	if len(ranked) == 0 {
		return []Item{}, nil
	}
	ids := make([]string, len(ranked))
	for i := range ranked {
		ids[i] = ranked[i].ID
		ranked[i].LastAccessedAt = now.Truncate(time.Microsecond)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE memory_items SET last_accessed_at=$1 WHERE id = ANY($2)`, now, ids,
	); err != nil {
		return nil, unavailable("touch items", err)
	}
	return ranked, nil
}

func (s *PostgresStore) EvictExpired(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().UTC().Add(-s.opts.Policy.Retention)
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_items WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, unavailable("evict expired", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memory_items WHERE conversation_id=$1`, conversationID,
	).Scan(&n); err != nil {
		return 0, unavailable("count items", err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
