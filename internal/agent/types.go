// Package agent turns one user utterance into a grounded, policy-checked
// reply, consulting memory, the LLM gateway, moderation and the reminder
// scheduler along the way.
package agent

import (
	"time"

	"github.com/ent0n29/karmaspark/internal/reminder"
)

type Intent string

const (
	IntentAsk            Intent = "ask"
	IntentSummarize      Intent = "summarize"
	IntentRemember       Intent = "remember"
	IntentRecall         Intent = "recall"
	IntentRemind         Intent = "remind"
	IntentCancelReminder Intent = "cancel_reminder"
	IntentModerate       Intent = "moderate"
	IntentEcho           Intent = "echo"
	// IntentAnswer only appears on plan steps.
	IntentAnswer Intent = "answer"
)

// Request is a resolved turn. Command callers set Intent and the typed
// fields; free-text callers leave Intent empty and it is classified from Text.
type Request struct {
	ConversationID string
	AuthorID       string
	Intent         Intent
	Text           string
	// Delay is the explicit offset for remind requests (the remindme command).
	Delay time.Duration
	// ReminderID targets cancel_reminder requests.
	ReminderID string
}

// PlanStep is one LLM round of a turn. Steps are never persisted.
type PlanStep struct {
	Index  int    `json:"step_index"`
	Intent Intent `json:"intent"`
	Input  string `json:"input_text"`
	Output string `json:"output_text"`
}

type Reply struct {
	TurnID   string             `json:"turn_id"`
	Text     string             `json:"text"`
	Markdown bool               `json:"markdown"`
	Intent   Intent             `json:"intent"`
	Blocked  bool               `json:"blocked,omitempty"`
	Degraded []string           `json:"degraded,omitempty"`
	Steps    []PlanStep         `json:"steps,omitempty"`
	Reminder *reminder.Reminder `json:"reminder,omitempty"`
	MemoryID string             `json:"memory_id,omitempty"`
}
