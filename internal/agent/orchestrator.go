package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ent0n29/karmaspark/internal/config"
	"github.com/ent0n29/karmaspark/internal/conversation"
	"github.com/ent0n29/karmaspark/internal/llm"
	"github.com/ent0n29/karmaspark/internal/memory"
	"github.com/ent0n29/karmaspark/internal/moderation"
	"github.com/ent0n29/karmaspark/internal/observability"
	"github.com/ent0n29/karmaspark/internal/reminder"
)

// Settings are the per-process knobs of the orchestrator.
type Settings struct {
	EnablePlanning      bool
	EnableMemory        bool
	EnableSummarization bool
	EnableModeration    bool
	MaxPlanSteps        int
	TurnTimeout         time.Duration
	MaxInputChars       int
	MemoryRecallLimit   int
	RedactMemory        bool
	MaxTokens           int
	MaxConcurrentTurns  int
	Location            *time.Location
	// RetryBackoff is the wait before the single LLM retry.
	RetryBackoff time.Duration
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		EnablePlanning:      cfg.Agent.EnableAgentPlanning,
		EnableMemory:        cfg.Agent.EnableMemory,
		EnableSummarization: cfg.Agent.EnableSummarization,
		EnableModeration:    cfg.Agent.EnableModeration,
		MaxPlanSteps:        cfg.Agent.MaxPlanSteps,
		TurnTimeout:         cfg.Agent.TurnTimeout(),
		MaxInputChars:       cfg.Agent.MaxInputChars,
		MemoryRecallLimit:   cfg.Agent.MemoryRecallLimit,
		RedactMemory:        cfg.Agent.RedactMemory,
		MaxTokens:           cfg.LLMMaxTokens,
		MaxConcurrentTurns:  cfg.MaxConcurrentTurns,
		Location:            cfg.Agent.Location(),
	}
}

func (s Settings) withDefaults() Settings {
	if s.MaxPlanSteps <= 0 {
		s.MaxPlanSteps = 3
	}
	if s.TurnTimeout <= 0 {
		s.TurnTimeout = 30 * time.Second
	}
	if s.MaxInputChars <= 0 {
		s.MaxInputChars = 10000
	}
	if s.MemoryRecallLimit <= 0 {
		s.MemoryRecallLimit = 5
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = 1024
	}
	if s.MaxConcurrentTurns <= 0 {
		s.MaxConcurrentTurns = 64
	}
	if s.Location == nil {
		s.Location = time.UTC
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 500 * time.Millisecond
	}
	return s
}

// Scheduler is the slice of the reminder scheduler a turn needs.
type Scheduler interface {
	Schedule(ctx context.Context, conversationID, authorID string, fireAt time.Time, message string) (reminder.Reminder, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Deps are the collaborators injected at startup. LLM is required; a nil
// Memory, Moderation, Reminders or Conversations disables that capability.
type Deps struct {
	LLM           llm.Gateway
	Memory        memory.Store
	Moderation    moderation.Gate
	Reminders     Scheduler
	Conversations *conversation.Log
	Metrics       *observability.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

type Orchestrator struct {
	settings Settings
	deps     Deps
	sem      *semaphore.Weighted
}

func NewOrchestrator(settings Settings, deps Deps) (*Orchestrator, error) {
	if deps.LLM == nil {
		return nil, errors.New("agent: llm gateway is required")
	}
	settings = settings.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Memory == nil {
		settings.EnableMemory = false
	}
	if deps.Moderation == nil {
		settings.EnableModeration = false
	}
	return &Orchestrator{
		settings: settings,
		deps:     deps,
		sem:      semaphore.NewWeighted(int64(settings.MaxConcurrentTurns)),
	}, nil
}

// turn carries the state of one HandleTurn call.
type turn struct {
	id      string
	req     Request
	intent  Intent
	payload string
	now     time.Time
	log     *slog.Logger

	mu       sync.Mutex
	degraded []string

	grounding []memory.Item
	steps     []PlanStep
}

func (t *turn) degrade(o *Orchestrator, name string, err error) {
	t.mu.Lock()
	t.degraded = append(t.degraded, name)
	t.mu.Unlock()
	o.deps.Metrics.Degraded(name)
	t.log.Warn("turn degraded", "stage", name, "error", err)
}

// commit is the side effect decided by a turn. It runs only after the reply
// is final and the turn context is still live.
type commit struct {
	memoryContent string
	fireAt        time.Time
	reminderText  string
}

// HandleTurn runs one turn. For terminal errors the returned Reply already
// carries the user-facing text, so transports may show it and log the error.
func (o *Orchestrator) HandleTurn(ctx context.Context, req Request) (Reply, error) {
	start := time.Now()
	t := &turn{
		id:  uuid.NewString(),
		req: req,
		now: o.deps.Now(),
	}
	t.log = o.deps.Logger.With("turn_id", t.id, "conversation_id", req.ConversationID)

	reply, err := o.handle(ctx, t)
	reply.TurnID = t.id
	reply.Intent = t.intent
	reply.Steps = t.steps
	reply.Degraded = t.degraded

	outcome := "ok"
	switch {
	case err != nil:
		reply.Text = UserMessage(err)
		reply.Markdown = false
		outcome = "error"
		if IsUserError(err) {
			outcome = "rejected"
			t.log.Info("turn rejected", "intent", t.intent, "error", err)
		} else {
			t.log.Error("turn failed", "intent", t.intent, "error", err)
		}
	case reply.Blocked:
		outcome = "blocked"
	case len(t.degraded) > 0:
		outcome = "degraded"
	}
	elapsed := time.Since(start)
	o.deps.Metrics.ObserveTurn(string(t.intent), outcome, len(t.steps), elapsed)
	o.deps.Metrics.ObserveStage(observability.StageTurnTotal, elapsed)
	t.log.Info("turn handled", "intent", t.intent, "outcome", outcome, "steps", len(t.steps), "elapsed_ms", elapsed.Milliseconds())
	return reply, err
}

func (o *Orchestrator) handle(ctx context.Context, t *turn) (Reply, error) {
	text := strings.TrimSpace(t.req.Text)
	if utf8.RuneCountInString(text) > o.settings.MaxInputChars {
		return Reply{}, fmt.Errorf("%w: %d characters (max %d)", ErrInputTooLong, utf8.RuneCountInString(text), o.settings.MaxInputChars)
	}

	t.intent, t.payload = t.req.Intent, text
	if t.intent == "" {
		t.intent, t.payload = Classify(text)
	}
	if text == "" && t.intent != IntentSummarize && t.intent != IntentCancelReminder {
		return Reply{}, ErrEmptyInput
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return Reply{}, err
	}
	defer o.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, o.settings.TurnTimeout)
	defer cancel()

	// The moderate intent is the gate itself; its verdict is the reply.
	if t.intent == IntentModerate {
		return o.moderate(ctx, t)
	}

	blocked, err := o.gateInputAndPrefetch(ctx, t)
	if err != nil {
		return Reply{}, err
	}
	if blocked {
		return Reply{Text: refusalText, Blocked: true}, nil
	}

	var (
		reply Reply
		c     commit
	)
	switch t.intent {
	case IntentEcho:
		reply = Reply{Text: t.payload}
	case IntentRecall:
		reply = o.recall(t)
	case IntentRemember:
		reply, c = o.remember(t)
	case IntentRemind:
		reply, c, err = o.planReminder(t)
	case IntentCancelReminder:
		reply, err = o.cancelReminder(ctx, t)
	case IntentSummarize:
		reply, err = o.summarize(ctx, t)
	default:
		reply, c, err = o.ask(ctx, t)
	}
	if err != nil {
		return Reply{}, err
	}

	if err := o.apply(ctx, t, c, &reply); err != nil {
		return Reply{}, err
	}
	o.record(t, reply)
	return reply, nil
}

// gateInputAndPrefetch runs input moderation and memory grounding in
// parallel. Moderation fails closed; memory failures only degrade.
func (o *Orchestrator) gateInputAndPrefetch(ctx context.Context, t *turn) (bool, error) {
	var verdict moderation.Verdict
	var modErr error
	g, gctx := errgroup.WithContext(ctx)

	if o.settings.EnableModeration {
		g.Go(func() error {
			start := time.Now()
			verdict, modErr = o.deps.Moderation.Check(gctx, t.req.Text)
			o.deps.Metrics.ObserveStage(observability.StageModerationIn, time.Since(start))
			return nil
		})
	}
	if o.settings.EnableMemory && (t.intent == IntentAsk || t.intent == IntentRecall) {
		g.Go(func() error {
			start := time.Now()
			items, err := o.deps.Memory.Retrieve(gctx, t.req.ConversationID, t.payload, o.settings.MemoryRecallLimit)
			o.deps.Metrics.ObserveStage(observability.StageMemoryRetrieve, time.Since(start))
			o.deps.Metrics.MemoryOp("retrieve", err)
			if err != nil {
				if ctx.Err() == nil {
					t.degrade(o, "memory_retrieve", err)
				}
				return nil
			}
			t.grounding = items
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if !o.settings.EnableModeration {
		return false, nil
	}
	if modErr != nil {
		o.deps.Metrics.ModerationVerdict("input", "unavailable")
		t.degrade(o, "moderation_in", modErr)
		return true, nil
	}
	o.deps.Metrics.ModerationVerdict("input", string(verdict.Category))
	if !verdict.Allowed {
		t.log.Info("input blocked", "category", verdict.Category, "severity", verdict.Severity, "policy", verdict.PolicyVersion)
		return true, nil
	}
	return false, nil
}

func (o *Orchestrator) moderate(ctx context.Context, t *turn) (Reply, error) {
	if !o.settings.EnableModeration {
		return Reply{Text: "Content moderation is disabled."}, nil
	}
	v, err := o.deps.Moderation.Check(ctx, t.payload)
	if err != nil {
		t.degrade(o, "moderation_in", err)
		return Reply{Text: "I couldn't check that content right now. Please try again later."}, nil
	}
	o.deps.Metrics.ModerationVerdict("command", string(v.Category))
	if v.Allowed {
		return Reply{Text: "✅ **Content safe**\n\nNo policy violations found.", Markdown: true}, nil
	}
	reason := v.Reason
	if reason == "" {
		reason = "Policy violation."
	}
	return Reply{
		Text:     fmt.Sprintf("⚠️ **Content flagged**\n\n**Category:** %s\n**Reason:** %s", v.Category, reason),
		Markdown: true,
	}, nil
}

func (o *Orchestrator) recall(t *turn) Reply {
	if !o.settings.EnableMemory {
		return Reply{Text: "Memory is disabled."}
	}
	if len(t.grounding) == 0 {
		return Reply{Text: "I don't have any relevant memories for that query."}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Here's what I remember about '%s':\n", t.payload)
	for _, it := range t.grounding {
		fmt.Fprintf(&b, "\n- [%s]: %s", it.CreatedAt.In(o.settings.Location).Format("2006-01-02"), it.Content)
	}
	return Reply{Text: b.String(), Markdown: true}
}

func (o *Orchestrator) remember(t *turn) (Reply, commit) {
	if !o.settings.EnableMemory {
		return Reply{Text: "Memory is disabled."}, commit{}
	}
	return Reply{Text: "I've stored this information in my memory."}, commit{memoryContent: t.payload}
}

func (o *Orchestrator) planReminder(t *turn) (Reply, commit, error) {
	if o.deps.Reminders == nil {
		return Reply{Text: "Reminders are disabled."}, commit{}, nil
	}
	if t.req.Delay > 0 {
		return Reply{}, commit{fireAt: t.now.Add(t.req.Delay), reminderText: t.payload}, nil
	}
	fireAt, msg, err := ParseReminder(t.payload, t.now, o.settings.Location)
	if err != nil {
		return Reply{}, commit{}, err
	}
	return Reply{}, commit{fireAt: fireAt, reminderText: msg}, nil
}

func (o *Orchestrator) cancelReminder(ctx context.Context, t *turn) (Reply, error) {
	id := strings.TrimSpace(t.req.ReminderID)
	if id == "" {
		id = t.payload
	}
	if id == "" || o.deps.Reminders == nil {
		return Reply{}, ErrNotFound
	}
	ok, err := o.deps.Reminders.Cancel(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	if !ok {
		return Reply{Text: fmt.Sprintf("Reminder `%s` has already fired or was cancelled.", id), Markdown: true}, nil
	}
	return Reply{Text: fmt.Sprintf("Reminder `%s` cancelled.", id), Markdown: true}, nil
}

func (o *Orchestrator) summarize(ctx context.Context, t *turn) (Reply, error) {
	if !o.settings.EnableSummarization {
		return Reply{Text: "Summarization is disabled."}, nil
	}
	text := t.payload
	if text == "" && o.deps.Conversations != nil {
		text = conversation.Transcript(o.deps.Conversations.Recent(t.req.ConversationID, 20))
	}
	if strings.TrimSpace(text) == "" {
		return Reply{Text: "There is nothing to summarize yet."}, nil
	}
	out, err := o.complete(ctx, llm.Prompt{System: summarizeSystemPrompt, User: text})
	t.steps = append(t.steps, PlanStep{Index: 0, Intent: IntentSummarize, Input: text, Output: out})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: "**Summary:**\n\n" + o.gateOutput(ctx, t, out), Markdown: true}, nil
}

func (o *Orchestrator) ask(ctx context.Context, t *turn) (Reply, commit, error) {
	answer, err := o.runPlan(ctx, t)
	if err != nil {
		return Reply{}, commit{}, err
	}
	reply := Reply{Text: o.gateOutput(ctx, t, answer), Markdown: true}

	var c commit
	if o.settings.EnableMemory && Noteworthy(t.payload) {
		c.memoryContent = t.payload
	}
	return reply, c, nil
}

// gateOutput replaces blocked LLM output with a fallback. Classifier outages
// fail open and mark the turn degraded.
func (o *Orchestrator) gateOutput(ctx context.Context, t *turn, text string) string {
	if !o.settings.EnableModeration {
		return text
	}
	start := time.Now()
	v, err := o.deps.Moderation.Check(ctx, text)
	o.deps.Metrics.ObserveStage(observability.StageModerationOut, time.Since(start))
	if err != nil {
		o.deps.Metrics.ModerationVerdict("output", "unavailable")
		t.degrade(o, "moderation_out", err)
		return text
	}
	o.deps.Metrics.ModerationVerdict("output", string(v.Category))
	if !v.Allowed {
		t.log.Warn("output blocked", "category", v.Category, "severity", v.Severity)
		return outputFallbackText
	}
	return text
}

// apply performs the turn's side effects: at most one memory item and at
// most one reminder.
func (o *Orchestrator) apply(ctx context.Context, t *turn, c commit, reply *Reply) error {
	if c.memoryContent == "" && c.fireAt.IsZero() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { o.deps.Metrics.ObserveStage(observability.StageCommit, time.Since(start)) }()

	if !c.fireAt.IsZero() {
		r, err := o.deps.Reminders.Schedule(ctx, t.req.ConversationID, t.req.AuthorID, c.fireAt, c.reminderText)
		if err != nil {
			return err
		}
		reply.Reminder = &r
		reply.Markdown = true
		reply.Text = fmt.Sprintf("Reminder set for %s: %s (id `%s`)", formatFireTime(r.FireAt, t.now, o.settings.Location), r.Message, r.ID)
	}

	if c.memoryContent != "" {
		content := c.memoryContent
		if o.settings.RedactMemory {
			content, _ = moderation.RedactPII(content)
		}
		id, err := o.deps.Memory.Store(ctx, memory.Item{
			ConversationID: t.req.ConversationID,
			AuthorID:       t.req.AuthorID,
			Content:        content,
			Tags:           []string{string(t.intent)},
		})
		o.deps.Metrics.MemoryOp("store", err)
		if err != nil {
			t.degrade(o, "memory_store", err)
			if t.intent == IntentRemember {
				reply.Text = "I couldn't store that right now. Please try again later."
			}
			return nil
		}
		reply.MemoryID = id
	}
	return nil
}

func (o *Orchestrator) record(t *turn, reply Reply) {
	if o.deps.Conversations == nil {
		return
	}
	o.deps.Conversations.Append(conversation.Turn{
		ConversationID: t.req.ConversationID,
		AuthorID:       t.req.AuthorID,
		Role:           conversation.RoleUser,
		Text:           t.req.Text,
	})
	o.deps.Conversations.Append(conversation.Turn{
		ConversationID: t.req.ConversationID,
		Role:           conversation.RoleAgent,
		Text:           reply.Text,
	})
	o.deps.Metrics.SetConversations(o.deps.Conversations.ActiveCount())
}
