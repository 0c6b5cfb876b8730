package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type backend struct {
	name string
	open func(t *testing.T, opts Options) Store
}

func backends() []backend {
	out := []backend{
		{name: "inmemory", open: func(t *testing.T, opts Options) Store {
			return NewInMemoryStore(opts)
		}},
		{name: "sqlite", open: func(t *testing.T, opts Options) Store {
			s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "mem.db"), opts)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
	if url := os.Getenv("KARMASPARK_TEST_DATABASE_URL"); url != "" {
		out = append(out, backend{name: "postgres", open: func(t *testing.T, opts Options) Store {
			s, err := NewPostgresStore(context.Background(), url, opts)
			require.NoError(t, err)
			_, err = s.pool.Exec(context.Background(), `DELETE FROM memory_items`)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}})
	}
	return out
}

func forEachBackend(t *testing.T, fn func(t *testing.T, open func(opts Options) Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			fn(t, func(opts Options) Store { return b.open(t, opts) })
		})
	}
}

func TestStoreEvictsOldestWhenFull(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(Options) Store) {
		ctx := context.Background()
		clock := newFakeClock()
		s := open(Options{Policy: Policy{MaxItems: 3}, Now: clock.Now})

		for i := range 5 {
			_, err := s.Store(ctx, Item{ConversationID: "c1", Content: fmt.Sprintf("fact number%d kiwi", i)})
			require.NoError(t, err)
			clock.Advance(time.Second)
		}

		n, err := s.Count(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		got, err := s.Retrieve(ctx, "c1", "number0 number1 number2 number3 number4", 10)
		require.NoError(t, err)
		contents := make([]string, 0, len(got))
		for _, it := range got {
			contents = append(contents, it.Content)
		}
		assert.ElementsMatch(t, []string{"fact number2 kiwi", "fact number3 kiwi", "fact number4 kiwi"}, contents)
	})
}

func TestStoreLRUEvictsLeastRecentlyAccessed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(Options) Store) {
		ctx := context.Background()
		clock := newFakeClock()
		s := open(Options{Policy: Policy{MaxItems: 2, Eviction: EvictLRU}, Now: clock.Now})

		_, err := s.Store(ctx, Item{ConversationID: "c1", Content: "apple pie recipe"})
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = s.Store(ctx, Item{ConversationID: "c1", Content: "banana bread recipe"})
		require.NoError(t, err)
		clock.Advance(time.Second)

		got, err := s.Retrieve(ctx, "c1", "apple", 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		clock.Advance(time.Second)

		_, err = s.Store(ctx, Item{ConversationID: "c1", Content: "cherry tart recipe"})
		require.NoError(t, err)

		got, err = s.Retrieve(ctx, "c1", "banana", 5)
		require.NoError(t, err)
		assert.Empty(t, got)
		got, err = s.Retrieve(ctx, "c1", "apple", 5)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestConcurrentStoresNeverExceedCapacity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(Options) Store) {
		ctx := context.Background()
		s := open(Options{Policy: Policy{MaxItems: 5}})

		var wg sync.WaitGroup
		errs := make(chan error, 40)
		for i := range 40 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Store(ctx, Item{ConversationID: "busy", Content: fmt.Sprintf("note %d", i)})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		n, err := s.Count(ctx, "busy")
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})
}

func TestEvictExpiredIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(Options) Store) {
		ctx := context.Background()
		clock := newFakeClock()
		s := open(Options{Policy: Policy{Retention: time.Hour}, Now: clock.Now})

		_, err := s.Store(ctx, Item{ConversationID: "c1", Content: "old news"})
		require.NoError(t, err)
		clock.Advance(90 * time.Minute)
		_, err = s.Store(ctx, Item{ConversationID: "c1", Content: "fresh news"})
		require.NoError(t, err)

		n, err := s.EvictExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.EvictExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		count, err := s.Count(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestRetrieveSkipsExpiredBeforeEviction(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(Options) Store) {
		ctx := context.Background()
		clock := newFakeClock()
		s := open(Options{Policy: Policy{Retention: time.Hour}, Now: clock.Now})

		_, err := s.Store(ctx, Item{ConversationID: "c1", Content: "parking spot level three"})
		require.NoError(t, err)
		clock.Advance(2 * time.Hour)

		got, err := s.Retrieve(ctx, "c1", "parking", 5)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestRetrieveRanking(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(Options) Store) {
		ctx := context.Background()
		clock := newFakeClock()
		s := open(Options{Now: clock.Now})

		for _, content := range []string{
			"my favorite color is blue",
			"my favorite food is ramen",
			"the dentist appointment is on friday",
			"favorite color of my car is red",
		} {
			_, err := s.Store(ctx, Item{ConversationID: "c1", Content: content})
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}
		_, err := s.Store(ctx, Item{ConversationID: "other", Content: "favorite color green"})
		require.NoError(t, err)

		got, err := s.Retrieve(ctx, "c1", "what is my favorite color?", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		// Equal scores: the more recent item wins the tie.
		assert.Equal(t, "favorite color of my car is red", got[0].Content)
		assert.Equal(t, "my favorite color is blue", got[1].Content)
		for _, it := range got {
			assert.Equal(t, "c1", it.ConversationID)
			assert.True(t, it.LastAccessedAt.Equal(clock.Now()), "returned items are touched")
		}

		got, err = s.Retrieve(ctx, "c1", "quantum chromodynamics", 5)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)

		got, err = s.Retrieve(ctx, "c1", "the of is", 5)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = s.Retrieve(ctx, "missing", "blue", 5)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestStoreRejectsInvalidItems(t *testing.T) {
	s := NewInMemoryStore(Options{})
	_, err := s.Store(context.Background(), Item{ConversationID: "c1", Content: "   "})
	assert.ErrorIs(t, err, ErrInvalidItem)
	_, err = s.Store(context.Background(), Item{Content: "hello"})
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestSQLiteStoreReopensWithData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "mem.db")

	s, err := NewSQLiteStore(ctx, path, Options{})
	require.NoError(t, err)
	_, err = s.Store(ctx, Item{ConversationID: "c1", Content: "wifi password hunter2", Tags: []string{"secret"}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path, Options{})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Retrieve(ctx, "c1", "wifi", 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"secret"}, got[0].Tags)

	got, err = s.Retrieve(ctx, "c1", "anything secret?", 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestNewStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, "", ":memory:", Options{})
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)

	s, err = NewStore(ctx, "", filepath.Join(t.TempDir(), "m.db"), Options{})
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &SQLiteStore{}, s)
}

func TestTermsDropsStopwordsAndPunctuation(t *testing.T) {
	assert.Equal(t, []string{"favorite", "color"}, Terms("What is my favorite color?"))
	assert.Empty(t, Terms("  "))
}

func TestScoreNormalization(t *testing.T) {
	q := termSet(Terms("blue"))
	assert.Equal(t, 1.0, score(q, "blue", nil, true))
	assert.Less(t, score(q, "blue sky over the wide open ocean", nil, true), 1.0)
	assert.Equal(t, 1.0, score(q, "blue sky over the wide open ocean", nil, false))
}

func TestRetrieveMatchesTags(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(Options{})
	_, err := s.Store(ctx, Item{ConversationID: "c1", Content: "gate code 4411", Tags: []string{"Home Access"}})
	require.NoError(t, err)
	_, err = s.Store(ctx, Item{ConversationID: "c1", Content: "office plant needs water"})
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, "c1", "home", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "gate code 4411", got[0].Content)

	q := termSet(Terms("access gate"))
	assert.Equal(t, 2.0, score(q, "gate code 4411", []string{"access"}, false))
}
