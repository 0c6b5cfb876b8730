package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Item is one remembered fact. Items are never edited in place; only
// LastAccessedAt moves, on retrieval.
type Item struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Content        string    `json:"content"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

var (
	// ErrUnavailable wraps every storage-layer failure.
	ErrUnavailable = errors.New("memory unavailable")
	ErrInvalidItem = errors.New("invalid memory item")
)

type EvictionOrder string

const (
	// EvictFIFO drops the oldest created item first.
	EvictFIFO EvictionOrder = "fifo"
	// EvictLRU drops the least recently accessed item first.
	EvictLRU EvictionOrder = "lru"
)

// Policy bounds what a conversation may keep and how retrieval scores.
type Policy struct {
	MaxItems       int
	Retention      time.Duration
	Eviction       EvictionOrder
	NormalizeScore bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxItems:  1000,
		Retention: 30 * 24 * time.Hour,
		Eviction:  EvictFIFO,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxItems <= 0 {
		p.MaxItems = def.MaxItems
	}
	if p.Retention <= 0 {
		p.Retention = def.Retention
	}
	if p.Eviction != EvictLRU {
		p.Eviction = EvictFIFO
	}
	return p
}

// Store persists and retrieves conversational memory.
type Store interface {
	// Store inserts item and returns its id, evicting per Policy.Eviction
	// when the conversation is full. It never fails for capacity.
	Store(ctx context.Context, item Item) (string, error)
	// Retrieve returns at most limit live items ranked by lexical overlap
	// with query and touches LastAccessedAt on the returned items.
	Retrieve(ctx context.Context, conversationID, query string, limit int) ([]Item, error)
	// EvictExpired deletes items older than the retention window.
	EvictExpired(ctx context.Context) (int, error)
	Count(ctx context.Context, conversationID string) (int, error)
	Close() error
}

// Options configures every backend.
type Options struct {
	Policy Policy
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	o.Policy = o.Policy.withDefaults()
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func validate(item Item) error {
	if strings.TrimSpace(item.ConversationID) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidItem)
	}
	if strings.TrimSpace(item.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidItem)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
