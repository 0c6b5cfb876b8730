package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIGateway talks to any OpenAI-compatible chat completion API.
type OpenAIGateway struct {
	client *openai.Client
	model  string
}

func NewOpenAIGateway(baseURL, apiKey, model string, timeout time.Duration) *OpenAIGateway {
	cfg := openai.DefaultConfig(apiKey)
	if u := strings.TrimSpace(baseURL); u != "" {
		cfg.BaseURL = strings.TrimRight(u, "/")
	} else {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIGateway{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (g *OpenAIGateway) Name() string { return "openai" }

func (g *OpenAIGateway) Complete(ctx context.Context, p Prompt, maxTokens int) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if sys := p.SystemText(); sys != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sys})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.User})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     g.model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", classify(g.Name(), openAIStatus(err), err)
	}
	if len(resp.Choices) == 0 {
		return "", classify(g.Name(), 0, errors.New("response has no choices"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
