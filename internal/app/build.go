package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/karmaspark/internal/agent"
	"github.com/ent0n29/karmaspark/internal/command"
	"github.com/ent0n29/karmaspark/internal/config"
	"github.com/ent0n29/karmaspark/internal/conversation"
	"github.com/ent0n29/karmaspark/internal/delivery"
	"github.com/ent0n29/karmaspark/internal/httpapi"
	"github.com/ent0n29/karmaspark/internal/llm"
	"github.com/ent0n29/karmaspark/internal/memory"
	"github.com/ent0n29/karmaspark/internal/moderation"
	"github.com/ent0n29/karmaspark/internal/observability"
	"github.com/ent0n29/karmaspark/internal/reminder"
)

type BuildResult struct {
	Config        config.Config
	Logger        *slog.Logger
	API           *httpapi.Server
	Orchestrator  *agent.Orchestrator
	Memory        memory.Store
	Scheduler     *reminder.Scheduler
	Conversations *conversation.Log
	Hub           *delivery.Hub
	Metrics       *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []func() error
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath, memory.Options{
		Policy: memory.Policy{
			MaxItems:       cfg.Agent.MaxMemoryItems,
			Retention:      cfg.Agent.MemoryRetention(),
			Eviction:       memory.EvictionOrder(cfg.MemoryEviction),
			NormalizeScore: cfg.MemoryNormalizeScore,
		},
	})
	if err != nil {
		return fail(fmt.Errorf("memory store init failed: %w", err))
	}
	closers = append(closers, memoryStore.Close)

	reminderStore, err := reminder.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return fail(fmt.Errorf("reminder store init failed: %w", err))
	}
	closers = append(closers, reminderStore.Close)

	gateway, err := llm.NewGateway(llm.Config{
		Mode:              cfg.LLMProvider,
		BaseURL:           cfg.LLMBaseURL,
		APIKey:            cfg.LLMAPIKey,
		Model:             cfg.LLMModel,
		HTTPURL:           cfg.LLMHTTPURL,
		Timeout:           cfg.LLMTimeout,
		RequestsPerSecond: cfg.LLMRequestsPerSecond,
		Burst:             cfg.LLMBurst,
	})
	if err != nil {
		return fail(fmt.Errorf("llm gateway init failed: %w", err))
	}

	var gate moderation.Gate
	if cfg.Agent.EnableModeration {
		cached, err := moderation.NewGate(moderation.Options{
			Mode:              cfg.ModerationMode,
			SeverityThreshold: cfg.ModerationSeverityThreshold,
			CacheSize:         cfg.ModerationCacheSize,
			Gateway:           gateway,
		})
		if err != nil {
			return fail(fmt.Errorf("moderation gate init failed: %w", err))
		}
		closers = append(closers, cached.Close)
		gate = cached
	}

	hub := delivery.NewHub(32)
	targets := delivery.Multi{delivery.LogDispatcher{Logger: logger}, hub}
	if strings.TrimSpace(cfg.ReminderWebhookURL) != "" {
		targets = append(targets, delivery.NewWebhookDispatcher(cfg.ReminderWebhookURL, 10*time.Second))
	}
	scheduler := reminder.NewScheduler(reminderStore, targets, reminder.Options{
		PollInterval: cfg.ReminderPollInterval,
		GCGrace:      cfg.ReminderGCGrace,
		Logger:       logger.With("component", "reminder"),
		Metrics:      metrics,
	})
	closers = append(closers, func() error {
		scheduler.Stop()
		return nil
	})

	conversations := conversation.NewLog(50, cfg.ConversationIdleTTL)
	conversations.SetExpireHook(func(_ string, _ int) {
		metrics.SetConversations(conversations.ActiveCount())
	})

	orchestrator, err := agent.NewOrchestrator(agent.SettingsFromConfig(cfg), agent.Deps{
		LLM:           gateway,
		Memory:        optionalMemory(cfg, memoryStore),
		Moderation:    gate,
		Reminders:     scheduler,
		Conversations: conversations,
		Metrics:       metrics,
		Logger:        logger.With("component", "agent"),
	})
	if err != nil {
		return fail(err)
	}

	registry, err := command.DefaultRegistry(cfg.Agent)
	if err != nil {
		return fail(err)
	}

	api, err := httpapi.New(cfg, httpapi.Deps{
		Turns:     orchestrator,
		Commands:  registry,
		Reminders: scheduler,
		Hub:       hub,
		Metrics:   metrics,
		Logger:    logger.With("component", "http"),
		Ready: func(ctx context.Context) error {
			if _, err := memoryStore.Count(ctx, ""); err != nil {
				return err
			}
			_, err := reminderStore.CountPending(ctx)
			return err
		},
	})
	if err != nil {
		return fail(err)
	}

	logger.Info("agent built",
		"llm", gateway.Name(),
		"storage", storageMode(cfg),
		"moderation", cfg.Agent.EnableModeration,
		"memory", cfg.Agent.EnableMemory,
		"planning", cfg.Agent.EnableAgentPlanning,
	)

	return &BuildResult{
		Config:        cfg,
		Logger:        logger,
		API:           api,
		Orchestrator:  orchestrator,
		Memory:        memoryStore,
		Scheduler:     scheduler,
		Conversations: conversations,
		Hub:           hub,
		Metrics:       metrics,
		Cleanup:       cleanup,
	}, nil
}

// Run starts the background loops: reminder delivery, memory expiry and the
// conversation janitor. They stop when ctx is done.
func (b *BuildResult) Run(ctx context.Context) error {
	if err := b.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start reminder scheduler: %w", err)
	}
	memory.StartJanitor(ctx, b.Memory, b.Config.MemoryEvictInterval, b.Logger.With("component", "memory"), b.Metrics)
	b.Conversations.StartJanitor(ctx, time.Minute)
	return nil
}

func optionalMemory(cfg config.Config, store memory.Store) memory.Store {
	if !cfg.Agent.EnableMemory {
		return nil
	}
	return store
}

func storageMode(cfg config.Config) string {
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(cfg.SQLitePath) != "" && cfg.SQLitePath != ":memory:":
		return "sqlite"
	default:
		return "in-memory"
	}
}
