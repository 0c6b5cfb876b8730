package conversation

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLogAppendRecent(t *testing.T) {
	l := NewLog(3, time.Hour)
	for i, text := range []string{"one", "two", "", "three", "four"} {
		l.Append(Turn{ConversationID: "c1", AuthorID: "u1", Role: RoleUser, Text: text, CreatedAt: time.Unix(int64(i), 0)})
	}

	if got := l.Count("c1"); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
	recent := l.Recent("c1", 2)
	if len(recent) != 2 || recent[0].Text != "three" || recent[1].Text != "four" {
		t.Fatalf("Recent() = %+v, want [three four]", recent)
	}
	if all := l.Recent("c1", 0); len(all) != 3 || all[0].Text != "two" {
		t.Fatalf("Recent(0) = %+v", all)
	}
	if got := l.Recent("missing", 5); got != nil {
		t.Fatalf("Recent(missing) = %+v, want nil", got)
	}
}

func TestTranscript(t *testing.T) {
	got := Transcript([]Turn{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAgent, Text: "hello"},
	})
	if got != "user: hi\nagent: hello" {
		t.Fatalf("Transcript() = %q", got)
	}
}

func TestJanitorExpiresIdleConversations(t *testing.T) {
	l := NewLog(10, 30*time.Millisecond)
	var mu sync.Mutex
	expired := map[string]int{}
	l.SetExpireHook(func(id string, turns int) {
		mu.Lock()
		expired[id] = turns
		mu.Unlock()
	})
	l.Append(Turn{ConversationID: "c1", Role: RoleUser, Text: "hello"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	if l.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", l.ActiveCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if expired["c1"] != 1 {
		t.Fatalf("expire hook got %v, want c1=1", expired)
	}
}
