package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/ent0n29/karmaspark/internal/observability"
)

// Options tunes the delivery loop.
type Options struct {
	// PollInterval caps how long the loop sleeps when nothing is due sooner.
	PollInterval time.Duration
	// GCGrace is how long fired and cancelled reminders are kept.
	GCGrace   time.Duration
	BatchSize int
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.GCGrace <= 0 {
		o.GCGrace = 7 * 24 * time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Scheduler owns reminder creation, cancellation and delivery. A reminder is
// claimed (pending to fired) before it is dispatched, so it is delivered at
// most once by this process even when several loops share a store.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	opts       Options

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wake    chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(store Store, dispatcher Dispatcher, opts Options) *Scheduler {
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		wake:       make(chan struct{}, 1),
	}
}

// Schedule persists a pending reminder. fireAt must be strictly in the future.
func (s *Scheduler) Schedule(ctx context.Context, conversationID, authorID string, fireAt time.Time, message string) (Reminder, error) {
	now := s.opts.Now().UTC()
	if !fireAt.After(now) {
		return Reminder{}, fmt.Errorf("%w: %s", ErrInPast, fireAt.UTC().Format(time.RFC3339))
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "Reminder"
	}
	r := Reminder{
		ID:             shortuuid.New(),
		ConversationID: conversationID,
		AuthorID:       authorID,
		Message:        message,
		FireAt:         fireAt.UTC(),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return Reminder{}, err
	}
	s.opts.Metrics.ReminderEvent("scheduled")
	s.opts.Logger.Info("reminder scheduled",
		"reminder_id", r.ID,
		"conversation_id", conversationID,
		"fire_at", r.FireAt,
	)
	s.poke()
	return r, nil
}

// Cancel moves a pending reminder to cancelled. It reports false when the
// reminder already fired or was cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	ok, err := s.store.Transition(ctx, id, StatusPending, StatusCancelled, s.opts.Now().UTC())
	if err != nil {
		return false, err
	}
	if ok {
		s.opts.Metrics.ReminderEvent("cancelled")
		s.opts.Logger.Info("reminder cancelled", "reminder_id", id)
		s.poke()
	}
	return ok, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (Reminder, error) {
	return s.store.Get(ctx, strings.TrimSpace(id))
}

func (s *Scheduler) Pending(ctx context.Context, conversationID string) ([]Reminder, error) {
	return s.store.ListPending(ctx, conversationID)
}

// Tick claims and delivers every reminder due now. It returns how many were
// claimed. A failed delivery stays fired; it is logged and counted.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.opts.Now().UTC()
	due, err := s.store.Due(ctx, now, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}
		ok, err := s.store.Transition(ctx, r.ID, StatusPending, StatusFired, now)
		if err != nil {
			s.opts.Logger.Error("failed to claim reminder", "reminder_id", r.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		claimed++
		r.Status = StatusFired
		r.UpdatedAt = now

		if err := s.dispatcher.Deliver(ctx, r); err != nil {
			s.opts.Metrics.ReminderEvent("delivery_failed")
			s.opts.Logger.Error("reminder delivery failed",
				"reminder_id", r.ID,
				"conversation_id", r.ConversationID,
				"error", err,
			)
			continue
		}
		s.opts.Metrics.ReminderEvent("fired")
		s.opts.Logger.Info("reminder fired",
			"reminder_id", r.ID,
			"conversation_id", r.ConversationID,
			"late_by", now.Sub(r.FireAt).Round(time.Millisecond),
		)
	}
	s.refreshGauge(ctx)
	return claimed, nil
}

// Recover fires reminders that came due while the process was down. Pending
// reminders still in the future are picked up by the loop's next wake-up.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	pending, err := s.store.CountPending(ctx)
	if err != nil {
		return 0, err
	}
	fired, err := s.Tick(ctx)
	if err != nil {
		return fired, err
	}
	s.opts.Logger.Info("reminders recovered", "pending", pending, "overdue_fired", fired)
	return fired, nil
}

// GC deletes terminal reminders older than the grace period.
func (s *Scheduler) GC(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().UTC().Add(-s.opts.GCGrace)
	n, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.opts.Logger.Info("reminders garbage collected", "count", n)
	}
	return n, nil
}

// Start recovers overdue reminders and launches the delivery loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if _, err := s.Recover(ctx); err != nil {
		s.opts.Logger.Error("reminder recovery failed", "error", err)
	}

	s.wg.Add(1)
	go s.run(ctx)
	s.opts.Logger.Info("reminder scheduler started", "poll_interval", s.opts.PollInterval)
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.Logger.Info("reminder scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	gcTicker := time.NewTicker(time.Hour)
	defer gcTicker.Stop()

	failed := false
	for {
		wait := s.opts.PollInterval
		if !failed {
			wait = s.nextWait(ctx)
		}
		failed = false
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-gcTicker.C:
			timer.Stop()
			if _, err := s.GC(ctx); err != nil {
				s.opts.Logger.Error("reminder gc failed", "error", err)
			}
		case <-timer.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.opts.Logger.Error("failed to process due reminders", "error", err)
				failed = true
			}
		}
	}
}

// nextWait sleeps until the earliest pending reminder, bounded by the poll
// interval.
func (s *Scheduler) nextWait(ctx context.Context) time.Duration {
	wait := s.opts.PollInterval
	next, ok, err := s.store.NextFireAt(ctx)
	if err != nil {
		s.opts.Logger.Warn("failed to read next fire time", "error", err)
		return wait
	}
	if !ok {
		return wait
	}
	if d := next.Sub(s.opts.Now()); d < wait {
		wait = max(d, 0)
	}
	return wait
}

// poke wakes the loop so it re-reads the next fire time.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) refreshGauge(ctx context.Context) {
	if s.opts.Metrics == nil {
		return
	}
	if n, err := s.store.CountPending(ctx); err == nil {
		s.opts.Metrics.SetPendingReminders(n)
	}
}
