// Package conversation keeps a short, append-only log of recent turns per
// conversation so summaries can refer back to what was said.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

type Turn struct {
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

type entry struct {
	turns          []Turn
	lastActivityAt time.Time
}

// Log is an in-process turn log. Each conversation keeps at most maxTurns
// entries; conversations idle longer than idleTTL are dropped by the janitor.
type Log struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	maxTurns int
	idleTTL  time.Duration
	now      func() time.Time
	onExpire func(conversationID string, turns int)
}

func NewLog(maxTurns int, idleTTL time.Duration) *Log {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	if idleTTL <= 0 {
		idleTTL = 24 * time.Hour
	}
	return &Log{
		entries:  make(map[string]*entry),
		maxTurns: maxTurns,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Log) SetExpireHook(hook func(conversationID string, turns int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onExpire = hook
}

// Append records a turn. Blank text is ignored.
func (l *Log) Append(turn Turn) {
	if strings.TrimSpace(turn.Text) == "" || turn.ConversationID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	e, ok := l.entries[turn.ConversationID]
	if !ok {
		e = &entry{}
		l.entries[turn.ConversationID] = e
	}
	e.turns = append(e.turns, turn)
	if over := len(e.turns) - l.maxTurns; over > 0 {
		e.turns = append(e.turns[:0:0], e.turns[over:]...)
	}
	e.lastActivityAt = now
}

// Recent returns up to n most recent turns in chronological order.
func (l *Log) Recent(conversationID string, n int) []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[conversationID]
	if !ok || len(e.turns) == 0 {
		return nil
	}
	if n <= 0 || n > len(e.turns) {
		n = len(e.turns)
	}
	out := make([]Turn, n)
	copy(out, e.turns[len(e.turns)-n:])
	return out
}

func (l *Log) Count(conversationID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e, ok := l.entries[conversationID]; ok {
		return len(e.turns)
	}
	return 0
}

// ActiveCount is the number of conversations currently tracked.
func (l *Log) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Transcript renders the recent turns as "role: text" lines.
func Transcript(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}

func (l *Log) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.expireIdle()
			}
		}
	}()
}

func (l *Log) expireIdle() {
	type expired struct {
		id    string
		turns int
	}
	var dropped []expired

	l.mu.Lock()
	now := l.now().UTC()
	for id, e := range l.entries {
		if now.Sub(e.lastActivityAt) < l.idleTTL {
			continue
		}
		dropped = append(dropped, expired{id: id, turns: len(e.turns)})
		delete(l.entries, id)
	}
	hook := l.onExpire
	l.mu.Unlock()

	if hook != nil {
		for _, d := range dropped {
			hook(d.id, d.turns)
		}
	}
}
