package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultOpenAIBaseURL points the OpenAI-compatible client at Mistral.
const DefaultOpenAIBaseURL = "https://api.mistral.ai/v1"

// Prompt is one stateless completion request.
type Prompt struct {
	System    string
	Grounding []string
	User      string
}

// SystemText renders the system instructions with grounding appended.
func (p Prompt) SystemText() string {
	sys := strings.TrimSpace(p.System)
	if len(p.Grounding) == 0 {
		return sys
	}
	var b strings.Builder
	b.WriteString(sys)
	if sys != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Relevant memories:")
	for _, g := range p.Grounding {
		b.WriteString("\n- ")
		b.WriteString(strings.TrimSpace(g))
	}
	return b.String()
}

// Gateway completes a prompt. Implementations keep no conversation state.
type Gateway interface {
	Complete(ctx context.Context, p Prompt, maxTokens int) (string, error)
	Name() string
}

// Config controls gateway construction.
type Config struct {
	Mode              string
	BaseURL           string
	APIKey            string
	Model             string
	HTTPURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

func NewGateway(cfg Config) (Gateway, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var gw Gateway
	switch mode {
	case "auto":
		gw = newAutoGateway(cfg)
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("llm api key is required for openai mode")
		}
		gw = NewOpenAIGateway(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout)
	case "anthropic":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("llm api key is required for anthropic mode")
		}
		gw = newAnthropicFromConfig(cfg)
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("llm HTTP url is required for http mode")
		}
		gw = NewHTTPGateway(cfg.HTTPURL, cfg.Timeout)
	case "mock":
		return NewMockGateway(), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}

	if _, isMock := gw.(*MockGateway); isMock || cfg.RequestsPerSecond <= 0 {
		return gw, nil
	}
	return NewRateLimitedGateway(gw, cfg.RequestsPerSecond, cfg.Burst), nil
}

func newAutoGateway(cfg Config) Gateway {
	key := strings.TrimSpace(cfg.APIKey)
	httpURL := strings.TrimSpace(cfg.HTTPURL)

	var primary Gateway
	switch {
	case key != "" && strings.HasPrefix(strings.ToLower(cfg.Model), "claude"):
		primary = newAnthropicFromConfig(cfg)
	case key != "":
		primary = NewOpenAIGateway(cfg.BaseURL, key, cfg.Model, cfg.Timeout)
	}

	switch {
	case primary != nil && httpURL != "":
		return NewFallbackGateway(primary, NewHTTPGateway(httpURL, cfg.Timeout))
	case primary != nil:
		return primary
	case httpURL != "":
		return NewHTTPGateway(httpURL, cfg.Timeout)
	default:
		return NewMockGateway()
	}
}

func newAnthropicFromConfig(cfg Config) *AnthropicGateway {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == DefaultOpenAIBaseURL {
		baseURL = ""
	}
	return NewAnthropicGateway(baseURL, cfg.APIKey, cfg.Model, cfg.Timeout)
}
