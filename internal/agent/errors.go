package agent

import (
	"context"
	"errors"

	"github.com/ent0n29/karmaspark/internal/memory"
	"github.com/ent0n29/karmaspark/internal/moderation"
	"github.com/ent0n29/karmaspark/internal/reminder"
)

var (
	ErrEmptyInput            = errors.New("empty input")
	ErrInputTooLong          = errors.New("input too long")
	ErrInvalidReminderTime   = errors.New("invalid reminder time")
	ErrReminderInPast        = reminder.ErrInPast
	ErrPlanStepLimitExceeded = errors.New("plan step limit exceeded")
	ErrUpstreamUnavailable   = errors.New("upstream unavailable")
	ErrMemoryUnavailable     = memory.ErrUnavailable
	ErrModerationUnavailable = moderation.ErrUnavailable
	ErrNotFound              = reminder.ErrNotFound
)

const (
	refusalText        = "I can't help with that request."
	outputFallbackText = "I'm sorry, I can't share that response. Could you ask in a different way?"
)

// UserMessage is the reply text shown for a terminal turn error.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyInput):
		return "Please send a message."
	case errors.Is(err, ErrInputTooLong):
		return "That message is too long for me to process. Please shorten it and try again."
	case errors.Is(err, ErrInvalidReminderTime):
		return `I couldn't understand when to remind you. Try "in 10 minutes", "at 14:30", "tomorrow at 9am" or "on 2026-05-01 08:00".`
	case errors.Is(err, ErrReminderInPast):
		return "That time is already in the past. Please pick a time in the future."
	case errors.Is(err, ErrNotFound):
		return "I couldn't find a reminder with that id."
	case errors.Is(err, ErrPlanStepLimitExceeded):
		return "I wasn't able to complete that request. Please try rephrasing it."
	case errors.Is(err, ErrModerationUnavailable):
		return refusalText
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		return "I'm having trouble reaching my language model right now. Please try again later."
	case errors.Is(err, ErrMemoryUnavailable), errors.Is(err, reminder.ErrUnavailable):
		return "My storage is unavailable right now. Please try again later."
	default:
		return "Something went wrong. Please try again."
	}
}

// IsUserError reports errors caused by the request itself rather than by
// an outage.
func IsUserError(err error) bool {
	return errors.Is(err, ErrEmptyInput) ||
		errors.Is(err, ErrInputTooLong) ||
		errors.Is(err, ErrInvalidReminderTime) ||
		errors.Is(err, ErrReminderInPast) ||
		errors.Is(err, ErrNotFound)
}
