package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/karmaspark/internal/llm"
	"github.com/ent0n29/karmaspark/internal/memory"
	"github.com/ent0n29/karmaspark/internal/observability"
	"github.com/ent0n29/karmaspark/internal/reliability"
)

// runPlan answers an ask turn. With planning enabled it drives the
// ACTION/PARAMETERS loop; every LLM call, including the ones a summarize
// action makes, counts toward MaxPlanSteps.
func (o *Orchestrator) runPlan(ctx context.Context, t *turn) (string, error) {
	grounding := groundingLines(t.grounding, o.settings)

	if !o.settings.EnablePlanning {
		out, err := o.complete(ctx, llm.Prompt{System: directSystemPrompt, Grounding: grounding, User: t.payload})
		if err != nil {
			return "", err
		}
		t.steps = append(t.steps, PlanStep{Index: 0, Intent: IntentAnswer, Input: t.payload, Output: out})
		return out, nil
	}

	calls := 0
	for calls < o.settings.MaxPlanSteps {
		raw, err := o.complete(ctx, llm.Prompt{
			System:    planSystemPrompt,
			Grounding: grounding,
			User:      planUserMessage(t.payload, t.steps),
		})
		calls++
		if err != nil {
			return "", err
		}

		act := ParseAction(raw)
		step := PlanStep{Index: len(t.steps), Input: act.String()}
		switch act.Name {
		case actionAnswer:
			final := act.Param("final_answer")
			if final == "" {
				final = strings.TrimSpace(raw)
			}
			step.Intent, step.Output = IntentAnswer, final
			t.steps = append(t.steps, step)
			return final, nil

		case actionRecallMemory:
			query := act.Param("query")
			if query == "" {
				query = t.payload
			}
			step.Intent, step.Output = IntentRecall, o.recallObservation(ctx, t, query)

		case actionSummarize:
			step.Intent = IntentSummarize
			if calls >= o.settings.MaxPlanSteps {
				t.steps = append(t.steps, step)
				return "", fmt.Errorf("%w: %d llm calls", ErrPlanStepLimitExceeded, calls)
			}
			text := act.Param("text")
			if text == "" {
				text = t.payload
			}
			out, err := o.complete(ctx, llm.Prompt{System: summarizeSystemPrompt, User: text})
			calls++
			if err != nil {
				return "", err
			}
			step.Output = out

		default:
			step.Intent = Intent(act.Name)
			step.Output = fmt.Sprintf("Unknown action %q. Valid actions are answer, recall_memory and summarize.", act.Name)
		}
		t.steps = append(t.steps, step)
	}
	return "", fmt.Errorf("%w: %d llm calls", ErrPlanStepLimitExceeded, calls)
}

func (o *Orchestrator) recallObservation(ctx context.Context, t *turn, query string) string {
	if !o.settings.EnableMemory {
		return "Memory is disabled."
	}
	items, err := o.deps.Memory.Retrieve(ctx, t.req.ConversationID, query, o.settings.MemoryRecallLimit)
	o.deps.Metrics.MemoryOp("retrieve", err)
	if err != nil {
		t.degrade(o, "memory_retrieve", err)
		return "Memory is unavailable right now."
	}
	if len(items) == 0 {
		return "No relevant memories found."
	}
	return strings.Join(groundingLines(items, o.settings), "\n")
}

func groundingLines(items []memory.Item, s Settings) []string {
	if len(items) == 0 {
		return nil
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("[%s] %s", it.CreatedAt.In(s.Location).Format("2006-01-02"), it.Content))
	}
	return lines
}

// complete calls the gateway with one retry on transient failures. Anything
// that still fails is reported as ErrUpstreamUnavailable unless the caller
// went away.
func (o *Orchestrator) complete(ctx context.Context, p llm.Prompt) (string, error) {
	var out string
	start := time.Now()
	err := reliability.RetryOnce(ctx, o.settings.RetryBackoff, 4*o.settings.RetryBackoff, llm.IsRetryable, func(ctx context.Context) error {
		var err error
		out, err = o.deps.LLM.Complete(ctx, p, o.settings.MaxTokens)
		return err
	})
	o.deps.Metrics.ObserveStage(observability.StageLLM, time.Since(start))

	provider := o.deps.LLM.Name()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			o.deps.Metrics.LLMCall(provider, "cancelled")
			return "", ctx.Err()
		}
		o.deps.Metrics.LLMCall(provider, "error")
		return "", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	o.deps.Metrics.LLMCall(provider, "ok")
	return out, nil
}
