package httpapi

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/karmaspark/internal/agent"
	"github.com/ent0n29/karmaspark/internal/command"
	"github.com/ent0n29/karmaspark/internal/config"
	"github.com/ent0n29/karmaspark/internal/delivery"
	"github.com/ent0n29/karmaspark/internal/llm"
	"github.com/ent0n29/karmaspark/internal/memory"
	"github.com/ent0n29/karmaspark/internal/observability"
	"github.com/ent0n29/karmaspark/internal/reminder"
)

type fixture struct {
	server    *httptest.Server
	scheduler *reminder.Scheduler
	hub       *delivery.Hub
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	cfg.Agent.EnableMemory = true
	cfg.Agent.EnableModeration = true
	cfg.Agent.EnableSummarization = true

	metrics := observability.NewMetrics("test_httpapi")
	hub := delivery.NewHub(8)
	sched := reminder.NewScheduler(reminder.NewInMemoryStore(), hub, reminder.Options{Metrics: metrics})
	orch, err := agent.NewOrchestrator(agent.Settings{EnableMemory: true}, agent.Deps{
		LLM:       llm.NewMockGateway(),
		Memory:    memory.NewInMemoryStore(memory.Options{}),
		Reminders: sched,
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	registry, err := command.DefaultRegistry(cfg.Agent)
	if err != nil {
		t.Fatalf("DefaultRegistry() error = %v", err)
	}
	srv, err := New(cfg, Deps{
		Turns:     orch,
		Commands:  registry,
		Reminders: sched,
		Hub:       hub,
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, scheduler: sched, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header http.Header) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("%s %s: decode response: %v", method, path, err)
	}
	return res.StatusCode, payload
}

func TestBotDefinition(t *testing.T) {
	f := newFixture(t, config.Config{})

	status, payload := f.do(t, http.MethodGet, "/bot_definition", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	cmds, _ := payload["commands"].([]any)
	if len(cmds) != 7 {
		t.Fatalf("commands = %d, want 7: %+v", len(cmds), payload)
	}
}

func TestExecuteRemindmeAndCancel(t *testing.T) {
	f := newFixture(t, config.Config{})

	status, payload := f.do(t, http.MethodPost, "/execute", map[string]any{
		"command":         "remindme",
		"conversation_id": "c1",
		"author_id":       "u1",
		"params":          map[string]any{"minutes": 5, "message": "stretch"},
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("execute status = %d, want %d: %+v", status, http.StatusOK, payload)
	}
	id, _ := payload["reminder_id"].(string)
	if id == "" {
		t.Fatalf("missing reminder_id: %+v", payload)
	}
	if text, _ := payload["text"].(string); !strings.Contains(text, "stretch") {
		t.Fatalf("text = %q, want it to mention the message", text)
	}

	status, payload = f.do(t, http.MethodGet, "/v1/conversations/c1/reminders", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if list, _ := payload["reminders"].([]any); len(list) != 1 {
		t.Fatalf("reminders = %+v, want 1", payload["reminders"])
	}

	if status, _ = f.do(t, http.MethodDelete, "/v1/reminders/"+id, nil, nil); status != http.StatusOK {
		t.Fatalf("cancel status = %d, want %d", status, http.StatusOK)
	}
	if status, _ = f.do(t, http.MethodDelete, "/v1/reminders/"+id, nil, nil); status != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want %d", status, http.StatusConflict)
	}
	if status, _ = f.do(t, http.MethodDelete, "/v1/reminders/missing", nil, nil); status != http.StatusNotFound {
		t.Fatalf("unknown cancel status = %d, want %d", status, http.StatusNotFound)
	}
}

func TestExecuteRejectsBadCommands(t *testing.T) {
	f := newFixture(t, config.Config{})

	status, payload := f.do(t, http.MethodPost, "/execute", map[string]any{
		"command":         "remindme",
		"conversation_id": "c1",
		"params":          map[string]any{"minutes": 20000, "message": "later"},
	}, nil)
	if status != http.StatusBadRequest || payload["code"] != "invalid_param" {
		t.Fatalf("status = %d payload = %+v, want 400 invalid_param", status, payload)
	}

	status, payload = f.do(t, http.MethodPost, "/execute", map[string]any{
		"command":         "teleport",
		"conversation_id": "c1",
	}, nil)
	if status != http.StatusNotFound || payload["code"] != "unknown_command" {
		t.Fatalf("status = %d payload = %+v, want 404 unknown_command", status, payload)
	}
}

func newSignedFixture(t *testing.T) (*fixture, func(conversationID string) http.Header) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	f := newFixture(t, config.Config{ChatPublicKeyPEM: pubPEM})

	sign := func(conversationID string) http.Header {
		token := jwt.NewWithClaims(jwt.SigningMethodES256, chatClaims{
			ConversationID: conversationID,
			AuthorID:       "u9",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		})
		signed, err := token.SignedString(key)
		if err != nil {
			t.Fatalf("SignedString() error = %v", err)
		}
		return http.Header{"X-Oc-Jwt": []string{signed}}
	}
	return f, sign
}

func TestExecuteRequiresSignedToken(t *testing.T) {
	f, sign := newSignedFixture(t)

	body := map[string]any{"command": "echo", "params": map[string]any{"text": "hi"}}
	if status, _ := f.do(t, http.MethodPost, "/execute", body, nil); status != http.StatusUnauthorized {
		t.Fatalf("unsigned status = %d, want %d", status, http.StatusUnauthorized)
	}

	status, payload := f.do(t, http.MethodPost, "/execute", body, sign("from-token"))
	if status != http.StatusOK {
		t.Fatalf("signed status = %d, want %d: %+v", status, http.StatusOK, payload)
	}
	if payload["text"] != "hi" || payload["markdown"] != false {
		t.Fatalf("payload = %+v, want plain echo", payload)
	}
}

func TestSignedTokenGuardsTurnAndReminderRoutes(t *testing.T) {
	f, sign := newSignedFixture(t)
	own := sign("mine")

	other, err := f.scheduler.Schedule(context.Background(), "theirs", "u2", time.Now().Add(time.Hour), "private")
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	unsigned := []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/v1/turns", map[string]any{"conversation_id": "theirs", "text": "hello"}},
		{http.MethodGet, "/v1/conversations/theirs/reminders", nil},
		{http.MethodDelete, "/v1/reminders/" + other.ID, nil},
	}
	for _, tc := range unsigned {
		if status, _ := f.do(t, tc.method, tc.path, tc.body, nil); status != http.StatusUnauthorized {
			t.Fatalf("unsigned %s %s status = %d, want %d", tc.method, tc.path, status, http.StatusUnauthorized)
		}
	}

	if status, _ := f.do(t, http.MethodGet, "/v1/conversations/theirs/reminders", nil, own); status != http.StatusForbidden {
		t.Fatalf("foreign list status = %d, want %d", status, http.StatusForbidden)
	}
	if status, _ := f.do(t, http.MethodGet, "/v1/conversations/mine/reminders", nil, own); status != http.StatusOK {
		t.Fatalf("own list status = %d, want %d", status, http.StatusOK)
	}
	if status, _ := f.do(t, http.MethodDelete, "/v1/reminders/"+other.ID, nil, own); status != http.StatusNotFound {
		t.Fatalf("foreign cancel status = %d, want %d", status, http.StatusNotFound)
	}
	if got, err := f.scheduler.Get(context.Background(), other.ID); err != nil || got.Status != reminder.StatusPending {
		t.Fatalf("foreign reminder = %+v, %v; want still pending", got, err)
	}

	// The token's conversation wins over the one in the body.
	status, payload := f.do(t, http.MethodPost, "/v1/turns", map[string]any{
		"conversation_id": "theirs",
		"text":            "remind me in 10 minutes to stretch",
	}, own)
	if status != http.StatusOK {
		t.Fatalf("signed turn status = %d: %+v", status, payload)
	}
	if pending, _ := f.scheduler.Pending(context.Background(), "mine"); len(pending) != 1 {
		t.Fatalf("pending in token conversation = %d, want 1", len(pending))
	}

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/conversations/theirs/ws"
	if _, res, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned websocket dial err = %v, want 401", err)
	}
	if _, res, err := websocket.DefaultDialer.Dial(wsURL, own); err == nil || res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign websocket dial err = %v, want 403", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(strings.Replace(wsURL, "theirs", "mine", 1), own)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event map[string]any
	if err := conn.ReadJSON(&event); err != nil || event["code"] != "subscribed" {
		t.Fatalf("first event = %+v, %v; want subscribed", event, err)
	}
	if err := conn.WriteJSON(map[string]any{"type": "subscribe", "conversation_id": "theirs"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read subscribe reply: %v", err)
	}
	if event["type"] != "error_event" || event["code"] != "forbidden" {
		t.Fatalf("event = %+v, want forbidden error_event", event)
	}
}

func TestFreeTextTurn(t *testing.T) {
	f := newFixture(t, config.Config{})

	status, payload := f.do(t, http.MethodPost, "/v1/turns", map[string]any{
		"conversation_id": "c1",
		"text":            "hello there",
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d: %+v", status, http.StatusOK, payload)
	}
	if text, _ := payload["text"].(string); !strings.Contains(text, "hello there") {
		t.Fatalf("text = %q", text)
	}

	status, payload = f.do(t, http.MethodPost, "/v1/turns", map[string]any{
		"conversation_id": "c1",
		"text":            "remind me whenever",
	}, nil)
	if status != http.StatusUnprocessableEntity || payload["error"] != "invalid_reminder_time" {
		t.Fatalf("status = %d payload = %+v, want 422 invalid_reminder_time", status, payload)
	}
}

func TestConversationWebsocketReceivesReminders(t *testing.T) {
	f := newFixture(t, config.Config{})

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/conversations/c1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var event map[string]any
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read subscribed event: %v", err)
	}
	if event["type"] != "system_event" || event["code"] != "subscribed" {
		t.Fatalf("first event = %+v, want subscribed", event)
	}

	err = f.hub.Deliver(context.Background(), reminder.Reminder{ID: "r1", ConversationID: "c1", Message: "stand up", FireAt: time.Now()})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read reminder: %v", err)
	}
	if event["type"] != "reminder_fired" || event["reminder_id"] != "r1" || event["text"] != "stand up" {
		t.Fatalf("event = %+v, want reminder_fired r1", event)
	}

	if err := conn.WriteJSON(map[string]any{"type": "ping", "ts_ms": 42}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if event["type"] != "pong" || event["ts_ms"] != float64(42) {
		t.Fatalf("event = %+v, want pong 42", event)
	}

	if err := conn.WriteJSON(map[string]any{"type": "turn", "conversation_id": "c1", "text": "hi"}); err != nil {
		t.Fatalf("write turn: %v", err)
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if event["type"] != "agent_reply" || event["text"] != "I heard you: hi" {
		t.Fatalf("event = %+v, want agent_reply", event)
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, config.Config{})

	if status, payload := f.do(t, http.MethodGet, "/healthz", nil, nil); status != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("healthz = %d %+v", status, payload)
	}
	if status, _ := f.do(t, http.MethodGet, "/readyz", nil, nil); status != http.StatusOK {
		t.Fatalf("readyz = %d", status)
	}
	if status, payload := f.do(t, http.MethodGet, "/v1/perf/turns", nil, nil); status != http.StatusOK || payload["generated_at"] == nil {
		t.Fatalf("perf = %d %+v", status, payload)
	}
}
