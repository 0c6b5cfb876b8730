package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ent0n29/karmaspark/internal/reliability"
)

var (
	ErrRateLimited    = errors.New("llm rate limited")
	ErrTimeout        = errors.New("llm timeout")
	ErrInvalidRequest = errors.New("llm invalid request")
	ErrUnavailable    = errors.New("llm unavailable")
)

// Error is returned by every gateway. It matches its Kind sentinel with
// errors.Is and exposes the provider status code when there was one.
type Error struct {
	Kind       error
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %v (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether a second attempt could succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

func kindForStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ErrTimeout
	case reliability.IsRetryableHTTPStatus(code):
		return ErrUnavailable
	case code >= 400 && code < 500:
		return ErrInvalidRequest
	default:
		return ErrUnavailable
	}
}

// classify wraps a provider failure. Caller cancellation passes through
// untouched so the orchestrator can tell it apart from upstream trouble.
func classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := ErrUnavailable
	switch {
	case status > 0:
		kind = kindForStatus(status)
	case reliability.IsTimeout(err):
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Provider: provider, StatusCode: status, Err: err}
}
