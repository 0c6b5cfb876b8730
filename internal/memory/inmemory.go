package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// InMemoryStore is an in-process store for local/dev use and tests. One
// mutex serializes eviction and insert.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string][]Item
	opts  Options
}

func NewInMemoryStore(opts Options) *InMemoryStore {
	return &InMemoryStore{
		items: make(map[string][]Item),
		opts:  opts.withDefaults(),
	}
}

func (s *InMemoryStore) Store(_ context.Context, item Item) (string, error) {
	if err := validate(item); err != nil {
		return "", err
	}
	now := s.opts.Now().UTC()
	item.ID = uuid.NewString()
	item.CreatedAt = now
	item.LastAccessedAt = now
	item.Tags = slices.Clone(item.Tags)

	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.items[item.ConversationID]
	for len(arr) >= s.opts.Policy.MaxItems {
		i := s.victim(arr)
		arr = slices.Delete(arr, i, i+1)
	}
	s.items[item.ConversationID] = append(arr, item)
	return item.ID, nil
}

// victim picks the index to evict. Items are kept in insertion order, so
// FIFO is always index 0.
func (s *InMemoryStore) victim(arr []Item) int {
	if s.opts.Policy.Eviction != EvictLRU {
		return 0
	}
	idx := 0
	for i := range arr {
		if arr[i].LastAccessedAt.Before(arr[idx].LastAccessedAt) {
			idx = i
		}
	}
	return idx
}

func (s *InMemoryStore) Retrieve(_ context.Context, conversationID, query string, limit int) ([]Item, error) {
	now := s.opts.Now().UTC()
	cutoff := now.Add(-s.opts.Policy.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.items[conversationID]
	live := make([]Item, 0, len(arr))
	for _, it := range arr {
		if !it.CreatedAt.Before(cutoff) {
			live = append(live, it)
		}
	}
	ranked := rank(live, query, limit, s.opts.Policy.NormalizeScore)
	if len(ranked) == 0 {
		return []Item{}, nil
	}

	touched := make(map[string]struct{}, len(ranked))
	for i := range ranked {
		touched[ranked[i].ID] = struct{}{}
		ranked[i].LastAccessedAt = now
		ranked[i].Tags = slices.Clone(ranked[i].Tags)
	}
	for i := range arr {
		if _, ok := touched[arr[i].ID]; ok {
			arr[i].LastAccessedAt = now
		}
	}
	return ranked, nil
}

func (s *InMemoryStore) EvictExpired(_ context.Context) (int, error) {
	cutoff := s.opts.Now().UTC().Add(-s.opts.Policy.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for conv, arr := range s.items {
		kept := slices.DeleteFunc(arr, func(it Item) bool {
			return it.CreatedAt.Before(cutoff)
		})
		evicted += len(arr) - len(kept)
		if len(kept) == 0 {
			delete(s.items, conv)
			continue
		}
		s.items[conv] = kept
	}
	return evicted, nil
}

func (s *InMemoryStore) Count(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items[conversationID]), nil
}

func (s *InMemoryStore) Close() error { return nil }
