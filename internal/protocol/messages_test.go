package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseClientMessageSubscribe(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"subscribe","conversation_id":"c1"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	sub, ok := msg.(ClientSubscribe)
	if !ok {
		t.Fatalf("message type = %T, want ClientSubscribe", msg)
	}
	if sub.ConversationID != "c1" {
		t.Fatalf("ConversationID = %q, want c1", sub.ConversationID)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageValidates(t *testing.T) {
	cases := []string{
		`{"type":"subscribe"}`,
		`{"type":"turn","conversation_id":"c1"}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) expected error", raw)
		}
	}
}

func TestParseClientMessageTurnAndPing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"turn","conversation_id":"c1","author_id":"u1","text":"remind me in 5 minutes to stretch"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	turn, ok := msg.(ClientTurn)
	if !ok || turn.AuthorID != "u1" {
		t.Fatalf("unexpected turn: %#v", msg)
	}

	msg, err = ParseClientMessage([]byte(`{"type":"ping","ts_ms":42}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if ping, ok := msg.(ClientPing); !ok || ping.TSMs != 42 {
		t.Fatalf("unexpected ping: %#v", msg)
	}
}

func TestReminderFiredEncoding(t *testing.T) {
	raw, err := json.Marshal(ReminderFired{
		Type:           TypeReminderFired,
		ConversationID: "c1",
		ReminderID:     "r1",
		Text:           "call mom",
		FireAt:         time.Date(2026, 3, 1, 14, 32, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got := string(raw)
	for _, want := range []string{`"type":"reminder_fired"`, `"reminder_id":"r1"`, `"fire_at":"2026-03-01T14:32:00Z"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("encoded %s missing %s", got, want)
		}
	}
	if strings.Contains(got, "author_id") {
		t.Fatalf("empty author_id should be omitted: %s", got)
	}
}
