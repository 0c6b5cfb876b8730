package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/karmaspark/internal/storage"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS memory_items (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		author_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		created_at_ms INTEGER NOT NULL,
		last_accessed_at_ms INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_memory_items_conv_created ON memory_items (conversation_id, created_at_ms);`,
}

// SQLiteStore persists memory in an embedded database. The single pooled
// connection plus a transaction per Store keeps eviction and insert atomic.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

func NewSQLiteStore(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := storage.InitSQLiteSchema(ctx, db, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, opts: opts.withDefaults()}, nil
}

func (s *SQLiteStore) Store(ctx context.Context, item Item) (string, error) {
	if err := validate(item); err != nil {
		return "", err
	}
	now := s.opts.Now().UTC()
	item.ID = uuid.NewString()
	tags, err := json.Marshal(nonNilTags(item.Tags))
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", unavailable("begin store", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_items WHERE conversation_id = ?`, item.ConversationID,
	).Scan(&count); err != nil {
		return "", unavailable("count items", err)
	}
	if overflow := count - s.opts.Policy.MaxItems + 1; overflow > 0 {
		order := "created_at_ms ASC, rowid ASC"
		if s.opts.Policy.Eviction == EvictLRU {
			order = "last_accessed_at_ms ASC, rowid ASC"
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_items WHERE id IN (
			SELECT id FROM memory_items WHERE conversation_id = ? ORDER BY `+order+` LIMIT ?)`,
			item.ConversationID, overflow,
		); err != nil {
			return "", unavailable("evict overflow", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_items (id, conversation_id, author_id, content, tags, created_at_ms, last_accessed_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ConversationID, item.AuthorID, item.Content, string(tags), now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return "", unavailable("insert item", err)
	}
	if err := tx.Commit(); err != nil {
		return "", unavailable("commit store", err)
	}
	return item.ID, nil
}

func (s *SQLiteStore) Retrieve(ctx context.Context, conversationID, query string, limit int) ([]Item, error) {
	now := s.opts.Now().UTC()
	cutoff := now.Add(-s.opts.Policy.Retention)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, author_id, content, tags, created_at_ms, last_accessed_at_ms
		 FROM memory_items WHERE conversation_id = ? AND created_at_ms >= ?`,
		conversationID, cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, unavailable("query items", err)
	}
	defer rows.Close()

	var live []Item
	for rows.Next() {
		var (
			it                 Item
			tags               string
			createdMS, touchMS int64
		)
		if err := rows.Scan(&it.ID, &it.ConversationID, &it.AuthorID, &it.Content, &tags, &createdMS, &touchMS); err != nil {
			return nil, unavailable("scan item", err)
		}
		_ = json.Unmarshal([]byte(tags), &it.Tags)
		it.CreatedAt = time.UnixMilli(createdMS).UTC()
		it.LastAccessedAt = time.UnixMilli(touchMS).UTC()
		live = append(live, it)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate items", err)
	}

	ranked := rank(live, query, limit, s.opts.Policy.NormalizeScore)
	if len(ranked) == 0 {
		return []Item{}, nil
	}

	ids := make([]any, 0, len(ranked)+1)
	ids = append(ids, now.UnixMilli())
	for i := range ranked {
		ranked[i].LastAccessedAt = now.Truncate(time.Millisecond)
		ids = append(ids, ranked[i].ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ranked)), ",")
	if _, err := s.db.ExecContext(ctx,
		`UPDATE memory_items SET last_accessed_at_ms = ? WHERE id IN (`+placeholders+`)`, ids...,
	); err != nil {
		return nil, unavailable("touch items", err)
	}
	return ranked, nil
}

func (s *SQLiteStore) EvictExpired(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().UTC().Add(-s.opts.Policy.Retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE created_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, unavailable("evict expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("evict expired rows", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_items WHERE conversation_id = ?`, conversationID,
	).Scan(&n); err != nil {
		return 0, unavailable("count items", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
