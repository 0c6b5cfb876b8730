package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/karmaspark/internal/storage"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		author_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		fire_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_status_fire ON reminders (status, fire_at);`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_conv ON reminders (conversation_id, status);`,
}

const postgresColumns = `id, conversation_id, author_id, message, fire_at, status, created_at, updated_at`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := storage.OpenPostgres(ctx, databaseURL, postgresSchema)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Create(ctx context.Context, r Reminder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reminders (`+postgresColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.ConversationID, r.AuthorID, r.Message, r.FireAt, string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return unavailable("insert reminder", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Reminder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM reminders WHERE id=$1`, id)
	r, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, unavailable("get reminder", err)
	}
	return r, nil
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.query(ctx, "due reminders",
		`SELECT `+postgresColumns+` FROM reminders
		 WHERE status=$1 AND fire_at <= $2 ORDER BY fire_at, id LIMIT $3`,
		string(StatusPending), now, limit,
	)
}

func (s *PostgresStore) NextFireAt(ctx context.Context) (time.Time, bool, error) {
	var next *time.Time
	if err := s.pool.QueryRow(ctx,
		`SELECT MIN(fire_at) FROM reminders WHERE status=$1`, string(StatusPending),
	).Scan(&next); err != nil {
		return time.Time{}, false, unavailable("next fire time", err)
	}
	if next == nil {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

func (s *PostgresStore) ListPending(ctx context.Context, conversationID string) ([]Reminder, error) {
	return s.query(ctx, "list pending",
		`SELECT `+postgresColumns+` FROM reminders
		 WHERE status=$1 AND conversation_id=$2 ORDER BY fire_at, id`,
		string(StatusPending), conversationID,
	)
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reminders WHERE status=$1`, string(StatusPending),
	).Scan(&n); err != nil {
		return 0, unavailable("count pending", err)
	}
	return n, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reminders SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`,
		string(to), at, id, string(from),
	)
	if err != nil {
		return false, unavailable("transition reminder", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM reminders WHERE status IN ($1, $2) AND updated_at < $3`,
		string(StatusFired), string(StatusCancelled), cutoff,
	)
	if err != nil {
		return 0, unavailable("gc reminders", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) query(ctx context.Context, op, q string, args ...any) ([]Reminder, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Reminder, error) {
		return scanPostgres(row)
	})
	if err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func scanPostgres(row pgx.Row) (Reminder, error) {
	var (
		r      Reminder
		status string
	)
	if err := row.Scan(&r.ID, &r.ConversationID, &r.AuthorID, &r.Message, &r.FireAt, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Reminder{}, err
	}
	r.Status = Status(status)
	r.FireAt = r.FireAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}
