package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGatewayAutoFallsBackToMock(t *testing.T) {
	gw, err := NewGateway(Config{Mode: "auto"})
	require.NoError(t, err)
	assert.Equal(t, "mock", gw.Name())

	text, err := gw.Complete(context.Background(), Prompt{User: "hello"}, 64)
	require.NoError(t, err)
	assert.Equal(t, "I heard you: hello", text)
}

func TestNewGatewayAutoPicksProviderByModel(t *testing.T) {
	gw, err := NewGateway(Config{Mode: "auto", APIKey: "k", Model: "claude-3-5-haiku-latest"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", gw.Name())

	gw, err = NewGateway(Config{Mode: "auto", APIKey: "k", Model: "mistral-large-latest", HTTPURL: "http://localhost:1"})
	require.NoError(t, err)
	assert.Equal(t, "openai>http", gw.Name())
}

func TestNewGatewayRejectsIncompleteModes(t *testing.T) {
	_, err := NewGateway(Config{Mode: "http"})
	assert.Error(t, err)
	_, err = NewGateway(Config{Mode: "openai"})
	assert.Error(t, err)
	_, err = NewGateway(Config{Mode: "telepathy"})
	assert.Error(t, err)
}

func TestMockGatewayEchoesGrounding(t *testing.T) {
	text, err := NewMockGateway().Complete(context.Background(), Prompt{
		User:      "what is my favorite color?",
		Grounding: []string{"my favorite color is blue"},
	}, 64)
	require.NoError(t, err)
	assert.Contains(t, text, "blue")
}

func TestPromptSystemText(t *testing.T) {
	p := Prompt{System: "Be brief.", Grounding: []string{"a", " b "}}
	assert.Equal(t, "Be brief.\n\nRelevant memories:\n- a\n- b", p.SystemText())
	assert.Equal(t, "Be brief.", Prompt{System: " Be brief. "}.SystemText())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		err    error
		want   error
	}{
		{429, errors.New("slow"), ErrRateLimited},
		{504, errors.New("gw"), ErrTimeout},
		{503, errors.New("down"), ErrUnavailable},
		{400, errors.New("bad"), ErrInvalidRequest},
		{0, context.DeadlineExceeded, ErrTimeout},
		{0, errors.New("conn refused"), ErrUnavailable},
	}
	for _, tc := range cases {
		got := classify("test", tc.status, tc.err)
		assert.ErrorIs(t, got, tc.want, "status %d err %v", tc.status, tc.err)
		assert.ErrorIs(t, got, tc.err)
	}

	assert.ErrorIs(t, classify("test", 0, context.Canceled), context.Canceled)
	assert.False(t, IsRetryable(classify("test", 0, context.Canceled)))
	assert.False(t, IsRetryable(classify("test", 400, errors.New("bad"))))
	assert.True(t, IsRetryable(classify("test", 429, errors.New("slow"))))
}

type stubGateway struct {
	name  string
	text  string
	err   error
	calls int
}

func (s *stubGateway) Name() string { return s.name }

func (s *stubGateway) Complete(context.Context, Prompt, int) (string, error) {
	s.calls++
	return s.text, s.err
}

func TestFallbackGateway(t *testing.T) {
	primary := &stubGateway{name: "p", err: &Error{Kind: ErrUnavailable, Provider: "p", Err: errors.New("down")}}
	fb := &stubGateway{name: "f", text: "fallback"}
	text, err := NewFallbackGateway(primary, fb).Complete(context.Background(), Prompt{User: "x"}, 10)
	require.NoError(t, err)
	assert.Equal(t, "fallback", text)

	primary.err = &Error{Kind: ErrInvalidRequest, Provider: "p", Err: errors.New("bad")}
	_, err = NewFallbackGateway(primary, fb).Complete(context.Background(), Prompt{User: "x"}, 10)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 1, fb.calls)
}

func TestRateLimitedGatewayDeadline(t *testing.T) {
	inner := &stubGateway{name: "p", text: "ok"}
	gw := NewRateLimitedGateway(inner, 0.001, 1)

	_, err := gw.Complete(context.Background(), Prompt{}, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = gw.Complete(ctx, Prompt{}, 1)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, inner.calls)
}
