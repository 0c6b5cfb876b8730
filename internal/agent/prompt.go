package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

const planSystemPrompt = `You are KarmaSpark, a helpful assistant that solves problems step by step.

When you need to take an action, respond using EXACTLY this format:
ACTION: <action_name>
PARAMETERS: {"parameter_name": "parameter_value"}

Valid actions are:
- recall_memory: {"query": "search terms"} looks up what the user told you before
- summarize: {"text": "text to condense"}
- answer: {"final_answer": "your final answer to the user"}

For simple questions, use the answer action immediately.`

const directSystemPrompt = `You are KarmaSpark, a helpful and concise assistant. Answer the user's message directly.`

const summarizeSystemPrompt = `You are a summarization assistant. Summarize the text you are given concisely, keeping the key points. Reply with the summary only.`

const (
	actionAnswer       = "answer"
	actionRecallMemory = "recall_memory"
	actionSummarize    = "summarize"
)

// Action is one parsed plan step.
type Action struct {
	Name   string
	Params map[string]any
}

func (a Action) Param(key string) string {
	v, ok := a.Params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (a Action) String() string {
	raw, _ := json.Marshal(a.Params)
	return a.Name + " " + string(raw)
}

// ParseAction reads an "ACTION: name / PARAMETERS: {json}" reply. A reply
// without an ACTION line is a final answer. Unparseable parameters are
// treated as empty.
func ParseAction(raw string) Action {
	text := strings.TrimSpace(raw)
	idx := strings.Index(text, "ACTION:")
	if idx < 0 {
		return Action{Name: actionAnswer, Params: map[string]any{"final_answer": text}}
	}

	rest := strings.TrimSpace(text[idx+len("ACTION:"):])
	name := rest
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		name = rest[:nl]
	}
	act := Action{
		Name:   strings.ToLower(strings.Trim(strings.TrimSpace(name), "`*")),
		Params: map[string]any{},
	}

	if p := strings.Index(text, "PARAMETERS:"); p >= 0 {
		body := strings.TrimSpace(text[p+len("PARAMETERS:"):])
		if end := strings.Index(body, "\n\n"); end >= 0 {
			body = body[:end]
		}
		body = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(body), "```json"), "```")
		var params map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &params); err == nil && params != nil {
			act.Params = params
		}
	}
	return act
}

// planUserMessage renders the question and the steps taken so far.
func planUserMessage(question string, steps []PlanStep) string {
	if len(steps) == 0 {
		return question
	}
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	for _, s := range steps {
		fmt.Fprintf(&b, "\n\nAction %d: %s\nObservation %d: %s", s.Index+1, s.Input, s.Index+1, s.Output)
	}
	b.WriteString("\n\nWhat is your next step? Take another action or provide your final answer.")
	return b.String()
}
