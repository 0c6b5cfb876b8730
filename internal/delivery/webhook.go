package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/karmaspark/internal/reliability"
	"github.com/ent0n29/karmaspark/internal/reminder"
)

// StatusError is a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook status %d: %s", e.StatusCode, e.Body)
}

type webhookPayload struct {
	Event          string    `json:"event"`
	ReminderID     string    `json:"reminder_id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Text           string    `json:"text"`
	FireAt         time.Time `json:"fire_at"`
}

// WebhookDispatcher POSTs fired reminders as JSON. Retryable failures get
// one more attempt.
type WebhookDispatcher struct {
	url     string
	client  *http.Client
	backoff time.Duration
}

func NewWebhookDispatcher(url string, timeout time.Duration) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		url:     strings.TrimSpace(url),
		client:  &http.Client{Timeout: timeout},
		backoff: 500 * time.Millisecond,
	}
}

func (d *WebhookDispatcher) Deliver(ctx context.Context, r reminder.Reminder) error {
	body, err := json.Marshal(webhookPayload{
		Event:          "reminder_fired",
		ReminderID:     r.ID,
		ConversationID: r.ConversationID,
		AuthorID:       r.AuthorID,
		Text:           r.Message,
		FireAt:         r.FireAt,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return reliability.RetryOnce(ctx, d.backoff, 2*time.Second, isRetryable, func(ctx context.Context) error {
		return d.post(ctx, body)
	})
}

func (d *WebhookDispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

func isRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return reliability.IsRetryableHTTPStatus(se.StatusCode)
	}
	return !errors.Is(err, context.Canceled)
}
