// Package reminder schedules one-shot reminders and delivers them when due.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusFired     Status = "fired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFired || s == StatusCancelled
}

type Reminder struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Message        string    `json:"message"`
	FireAt         time.Time `json:"fire_at"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

var (
	ErrInPast      = errors.New("reminder time is in the past")
	ErrNotFound    = errors.New("reminder not found")
	ErrUnavailable = errors.New("reminder store unavailable")
)

// Store persists reminders. Transition is a compare-and-set on status: it
// reports false when the reminder exists but is not in from.
type Store interface {
	Create(ctx context.Context, r Reminder) error
	Get(ctx context.Context, id string) (Reminder, error)
	// Due lists pending reminders with FireAt <= now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	// NextFireAt returns the earliest pending FireAt, if any.
	NextFireAt(ctx context.Context) (time.Time, bool, error)
	ListPending(ctx context.Context, conversationID string) ([]Reminder, error)
	CountPending(ctx context.Context) (int, error)
	Transition(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Dispatcher hands a fired reminder to the messaging side.
type Dispatcher interface {
	Deliver(ctx context.Context, r Reminder) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, r Reminder) error

func (f DispatcherFunc) Deliver(ctx context.Context, r Reminder) error { return f(ctx, r) }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
