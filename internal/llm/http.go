package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPGateway forwards prompts to a plain JSON completion endpoint.
type HTTPGateway struct {
	url    string
	client *http.Client
}

type httpCompletionRequest struct {
	System    string   `json:"system,omitempty"`
	Grounding []string `json:"grounding,omitempty"`
	InputText string   `json:"input_text"`
	MaxTokens int      `json:"max_tokens"`
}

func NewHTTPGateway(url string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGateway{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Name() string { return "http" }

func (g *HTTPGateway) Complete(ctx context.Context, p Prompt, maxTokens int) (string, error) {
	payload, err := json.Marshal(httpCompletionRequest{
		System:    p.System,
		Grounding: p.Grounding,
		InputText: p.User,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", classify(g.Name(), 0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := g.client.Do(req)
	if err != nil {
		return "", classify(g.Name(), 0, fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", classify(g.Name(), res.StatusCode, fmt.Errorf("http status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", classify(g.Name(), 0, fmt.Errorf("read response: %w", err))
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	return strings.TrimSpace(extractText(obj)), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "output", "completion", "message"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}
