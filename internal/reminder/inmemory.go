package reminder

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

type InMemoryStore struct {
	mu        sync.Mutex
	reminders map[string]Reminder
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{reminders: make(map[string]Reminder)}
}

func (s *InMemoryStore) Create(_ context.Context, r Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminders[r.ID] = r
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return Reminder{}, ErrNotFound
	}
	return r, nil
}

func (s *InMemoryStore) Due(_ context.Context, now time.Time, limit int) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filter(func(r Reminder) bool {
		return r.Status == StatusPending && !r.FireAt.After(now)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) NextFireAt(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	found := false
	for _, r := range s.reminders {
		if r.Status != StatusPending {
			continue
		}
		if !found || r.FireAt.Before(next) {
			next, found = r.FireAt, true
		}
	}
	return next, found, nil
}

func (s *InMemoryStore) ListPending(_ context.Context, conversationID string) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(r Reminder) bool {
		return r.Status == StatusPending && r.ConversationID == conversationID
	}), nil
}

func (s *InMemoryStore) CountPending(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reminders {
		if r.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Transition(_ context.Context, id string, from, to Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = at
	s.reminders[id] = r
	return true, nil
}

func (s *InMemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.reminders {
		if r.Status.Terminal() && r.UpdatedAt.Before(cutoff) {
			delete(s.reminders, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }

// filter returns matches ordered by FireAt then id. Caller holds mu.
func (s *InMemoryStore) filter(keep func(Reminder) bool) []Reminder {
	out := make([]Reminder, 0)
	for _, r := range s.reminders {
		if keep(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b Reminder) int {
		if c := a.FireAt.Compare(b.FireAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
