package reminder

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ent0n29/karmaspark/internal/storage"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		author_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		fire_at_ms INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_status_fire ON reminders (status, fire_at_ms);`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_conv ON reminders (conversation_id, status);`,
}

const sqliteColumns = `id, conversation_id, author_id, message, fire_at_ms, status, created_at_ms, updated_at_ms`

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := storage.InitSQLiteSchema(ctx, db, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, r Reminder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (`+sqliteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConversationID, r.AuthorID, r.Message,
		r.FireAt.UnixMilli(), string(r.Status), r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return unavailable("insert reminder", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, unavailable("get reminder", err)
	}
	return r, nil
}

func (s *SQLiteStore) Due(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, "due reminders",
		`SELECT `+sqliteColumns+` FROM reminders
		 WHERE status = ? AND fire_at_ms <= ? ORDER BY fire_at_ms, id LIMIT ?`,
		string(StatusPending), now.UnixMilli(), limit,
	)
}

func (s *SQLiteStore) NextFireAt(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(fire_at_ms) FROM reminders WHERE status = ?`, string(StatusPending),
	).Scan(&ms); err != nil {
		return time.Time{}, false, unavailable("next fire time", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, conversationID string) ([]Reminder, error) {
	return s.query(ctx, "list pending",
		`SELECT `+sqliteColumns+` FROM reminders
		 WHERE status = ? AND conversation_id = ? ORDER BY fire_at_ms, id`,
		string(StatusPending), conversationID,
	)
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reminders WHERE status = ?`, string(StatusPending),
	).Scan(&n); err != nil {
		return 0, unavailable("count pending", err)
	}
	return n, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, updated_at_ms = ? WHERE id = ? AND status = ?`,
		string(to), at.UnixMilli(), id, string(from),
	)
	if err != nil {
		return false, unavailable("transition reminder", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("transition rows", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE status IN (?, ?) AND updated_at_ms < ?`,
		string(StatusFired), string(StatusCancelled), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, unavailable("gc reminders", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("gc rows", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, op, q string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	out := make([]Reminder, 0)
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Reminder, error) {
	var (
		r                        Reminder
		status                   string
		fireMS, createdMS, updMS int64
	)
	if err := row.Scan(&r.ID, &r.ConversationID, &r.AuthorID, &r.Message, &fireMS, &status, &createdMS, &updMS); err != nil {
		return Reminder{}, err
	}
	r.Status = Status(status)
	r.FireAt = time.UnixMilli(fireMS).UTC()
	r.CreatedAt = time.UnixMilli(createdMS).UTC()
	r.UpdatedAt = time.UnixMilli(updMS).UTC()
	return r, nil
}
