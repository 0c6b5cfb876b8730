// Package delivery sends fired reminders to the outside world.
package delivery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ent0n29/karmaspark/internal/reminder"
)

// LogDispatcher writes fired reminders to the log. It never fails.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Deliver(_ context.Context, r reminder.Reminder) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("reminder triggered",
		"reminder_id", r.ID,
		"conversation_id", r.ConversationID,
		"author_id", r.AuthorID,
		"message", r.Message,
	)
	return nil
}

// Multi delivers to every target and succeeds when at least one does.
type Multi []reminder.Dispatcher

func (m Multi) Deliver(ctx context.Context, r reminder.Reminder) error {
	if len(m) == 0 {
		return errors.New("no delivery targets")
	}
	var errs []error
	ok := false
	for _, d := range m {
		if err := d.Deliver(ctx, r); err != nil {
			errs = append(errs, err)
			continue
		}
		ok = true
	}
	if ok {
		return nil
	}
	return errors.Join(errs...)
}
