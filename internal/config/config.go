package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const defaultConfigFile = "./config.toml"

// Config contains all runtime settings for the agent service.
type Config struct {
	BindAddr           string
	ShutdownTimeout    time.Duration
	MetricsNamespace   string
	MaxConcurrentTurns int
	AllowAnyOrigin     bool

	LogLevel  string
	LogFormat string

	DatabaseURL string
	SQLitePath  string

	LLMProvider          string
	LLMBaseURL           string
	LLMAPIKey            string
	LLMModel             string
	LLMHTTPURL           string
	LLMMaxTokens         int
	LLMTimeout           time.Duration
	LLMRequestsPerSecond float64
	LLMBurst             int

	Agent AgentConfig

	MemoryEviction       string
	MemoryNormalizeScore bool
	MemoryEvictInterval  time.Duration

	ModerationMode              string
	ModerationSeverityThreshold float64
	ModerationCacheSize         int64

	ReminderPollInterval time.Duration
	ReminderGCGrace      time.Duration
	ReminderWebhookURL   string

	ConversationIdleTTL time.Duration

	ChatPublicKeyPEM string
}

// AgentConfig mirrors the [agent] section of the config file.
type AgentConfig struct {
	EnableAgentPlanning bool
	EnableMemory        bool
	EnableSummarization bool
	EnableModeration    bool
	MemoryRetentionDays int
	MaxMemoryItems      int
	MaxPlanSteps        int
	TurnTimeoutSeconds  int
	MaxInputChars       int
	MemoryRecallLimit   int
	RedactMemory        bool
	Timezone            string
}

func (a AgentConfig) TurnTimeout() time.Duration {
	return time.Duration(a.TurnTimeoutSeconds) * time.Second
}

func (a AgentConfig) MemoryRetention() time.Duration {
	return time.Duration(a.MemoryRetentionDays) * 24 * time.Hour
}

// Location resolves Timezone, falling back to UTC.
func (a AgentConfig) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(a.Timezone))
	if err != nil || strings.TrimSpace(a.Timezone) == "" {
		return time.UTC
	}
	return loc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.bind_addr", ":8080")
	v.SetDefault("app.shutdown_timeout", "15s")
	v.SetDefault("app.metrics_namespace", "karmaspark")
	v.SetDefault("app.max_concurrent_turns", 64)
	v.SetDefault("app.allow_any_origin", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlite_path", "./karmaspark.db")

	v.SetDefault("llm.provider", "auto")
	v.SetDefault("llm.base_url", "https://api.mistral.ai/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "mistral-large-latest")
	v.SetDefault("llm.http_url", "")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.requests_per_second", 0.5)
	v.SetDefault("llm.burst", 1)

	v.SetDefault("agent.enable_agent_planning", true)
	v.SetDefault("agent.enable_memory", true)
	v.SetDefault("agent.enable_summarization", false)
	v.SetDefault("agent.enable_moderation", false)
	v.SetDefault("agent.memory_retention_days", 30)
	v.SetDefault("agent.max_memory_items", 1000)
	v.SetDefault("agent.max_plan_steps", 3)
	v.SetDefault("agent.turn_timeout_seconds", 30)
	v.SetDefault("agent.max_input_chars", 10000)
	v.SetDefault("agent.memory_recall_limit", 5)
	v.SetDefault("agent.redact_memory", true)
	v.SetDefault("agent.timezone", "UTC")

	v.SetDefault("memory.eviction", "fifo")
	v.SetDefault("memory.normalize_score", false)
	v.SetDefault("memory.evict_interval", "1h")

	v.SetDefault("moderation.mode", "rules")
	v.SetDefault("moderation.severity_threshold", 0.5)
	v.SetDefault("moderation.cache_size", 10000)

	v.SetDefault("reminder.poll_interval", "30s")
	v.SetDefault("reminder.gc_grace", "168h")
	v.SetDefault("reminder.webhook_url", "")

	v.SetDefault("conversation.idle_ttl", "24h")

	v.SetDefault("chat.public_key_pem", "")
}

// Load reads defaults, then the optional config file, then the environment.
// An empty path falls back to CONFIG_FILE and then ./config.toml; the default
// file may be absent, an explicitly named one may not.
func Load(path string) (Config, error) {
	// Missing .env is the common case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", "LLM_API_KEY", "MISTRAL_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind llm api key env: %w", err)
	}

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicit = path != ""
	}
	if path == "" {
		path = defaultConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}

	r := reader{v: v}
	cfg := Config{
		BindAddr:           r.str("app.bind_addr"),
		ShutdownTimeout:    r.duration("app.shutdown_timeout"),
		MetricsNamespace:   r.str("app.metrics_namespace"),
		MaxConcurrentTurns: r.integer("app.max_concurrent_turns"),
		AllowAnyOrigin:     r.boolean("app.allow_any_origin"),

		LogLevel:  strings.ToLower(r.str("log.level")),
		LogFormat: strings.ToLower(r.str("log.format")),

		DatabaseURL: r.str("database.url"),
		SQLitePath:  r.str("database.sqlite_path"),

		LLMProvider:          strings.ToLower(r.str("llm.provider")),
		LLMBaseURL:           r.str("llm.base_url"),
		LLMAPIKey:            r.str("llm.api_key"),
		LLMModel:             r.str("llm.model"),
		LLMHTTPURL:           r.str("llm.http_url"),
		LLMMaxTokens:         r.integer("llm.max_tokens"),
		LLMTimeout:           r.duration("llm.timeout"),
		LLMRequestsPerSecond: r.float("llm.requests_per_second"),
		LLMBurst:             r.integer("llm.burst"),

		Agent: AgentConfig{
			EnableAgentPlanning: r.boolean("agent.enable_agent_planning"),
			EnableMemory:        r.boolean("agent.enable_memory"),
			EnableSummarization: r.boolean("agent.enable_summarization"),
			EnableModeration:    r.boolean("agent.enable_moderation"),
			MemoryRetentionDays: r.integer("agent.memory_retention_days"),
			MaxMemoryItems:      r.integer("agent.max_memory_items"),
			MaxPlanSteps:        r.integer("agent.max_plan_steps"),
			TurnTimeoutSeconds:  r.integer("agent.turn_timeout_seconds"),
			MaxInputChars:       r.integer("agent.max_input_chars"),
			MemoryRecallLimit:   r.integer("agent.memory_recall_limit"),
			RedactMemory:        r.boolean("agent.redact_memory"),
			Timezone:            r.str("agent.timezone"),
		},

		MemoryEviction:       strings.ToLower(r.str("memory.eviction")),
		MemoryNormalizeScore: r.boolean("memory.normalize_score"),
		MemoryEvictInterval:  r.duration("memory.evict_interval"),

		ModerationMode:              strings.ToLower(r.str("moderation.mode")),
		ModerationSeverityThreshold: r.float("moderation.severity_threshold"),
		ModerationCacheSize:         int64(r.integer("moderation.cache_size")),

		ReminderPollInterval: r.duration("reminder.poll_interval"),
		ReminderGCGrace:      r.duration("reminder.gc_grace"),
		ReminderWebhookURL:   r.str("reminder.webhook_url"),

		ConversationIdleTTL: r.duration("conversation.idle_ttl"),

		ChatPublicKeyPEM: r.str("chat.public_key_pem"),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations after loading.
func (c Config) Validate() error {
	if c.MaxConcurrentTurns <= 0 {
		return fmt.Errorf("APP_MAX_CONCURRENT_TURNS must be positive")
	}
	if c.Agent.MaxMemoryItems <= 0 {
		return fmt.Errorf("AGENT_MAX_MEMORY_ITEMS must be positive")
	}
	if c.Agent.MemoryRetentionDays <= 0 {
		return fmt.Errorf("AGENT_MEMORY_RETENTION_DAYS must be positive")
	}
	if c.Agent.MaxPlanSteps <= 0 || c.Agent.MaxPlanSteps > 20 {
		return fmt.Errorf("AGENT_MAX_PLAN_STEPS must be between 1 and 20")
	}
	if c.Agent.TurnTimeoutSeconds <= 0 {
		return fmt.Errorf("AGENT_TURN_TIMEOUT_SECONDS must be positive")
	}
	if c.Agent.MaxInputChars <= 0 {
		return fmt.Errorf("AGENT_MAX_INPUT_CHARS must be positive")
	}
	if c.Agent.MemoryRecallLimit <= 0 {
		return fmt.Errorf("AGENT_MEMORY_RECALL_LIMIT must be positive")
	}
	if _, err := time.LoadLocation(c.Agent.Timezone); err != nil {
		return fmt.Errorf("AGENT_TIMEZONE invalid: %w", err)
	}
	switch c.MemoryEviction {
	case "fifo", "lru":
	default:
		return fmt.Errorf("MEMORY_EVICTION must be fifo or lru, got %q", c.MemoryEviction)
	}
	switch c.ModerationMode {
	case "rules", "llm":
	default:
		return fmt.Errorf("MODERATION_MODE must be rules or llm, got %q", c.ModerationMode)
	}
	if c.ModerationSeverityThreshold <= 0 || c.ModerationSeverityThreshold > 1 {
		return fmt.Errorf("MODERATION_SEVERITY_THRESHOLD must be in (0, 1]")
	}
	switch c.LLMProvider {
	case "auto", "openai", "anthropic", "http", "mock":
	default:
		return fmt.Errorf("invalid LLM_PROVIDER: %q (expected auto|openai|anthropic|http|mock)", c.LLMProvider)
	}
	if c.LLMProvider == "http" && strings.TrimSpace(c.LLMHTTPURL) == "" {
		return fmt.Errorf("LLM_HTTP_URL is required when LLM_PROVIDER=http")
	}
	if c.LLMMaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be positive")
	}
	if c.LLMRequestsPerSecond < 0 {
		return fmt.Errorf("LLM_REQUESTS_PER_SECOND must be >= 0")
	}
	if c.ReminderPollInterval < 100*time.Millisecond {
		return fmt.Errorf("REMINDER_POLL_INTERVAL must be at least 100ms")
	}
	if c.MemoryEvictInterval < time.Second {
		return fmt.Errorf("MEMORY_EVICT_INTERVAL must be at least 1s")
	}
	return nil
}

// reader keeps the first conversion error so Load reads like a flat table.
type reader struct {
	v   *viper.Viper
	err error
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s parse error: %w", envName(key), err)
	}
}

func (r *reader) str(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) integer(key string) int {
	n, err := cast.ToIntE(r.v.Get(key))
	if err != nil {
		r.fail(key, err)
	}
	return n
}

func (r *reader) float(key string) float64 {
	f, err := cast.ToFloat64E(r.v.Get(key))
	if err != nil {
		r.fail(key, err)
	}
	return f
}

func (r *reader) boolean(key string) bool {
	b, err := cast.ToBoolE(r.v.Get(key))
	if err != nil {
		r.fail(key, err)
	}
	return b
}

func (r *reader) duration(key string) time.Duration {
	d, err := cast.ToDurationE(r.v.Get(key))
	if err != nil {
		r.fail(key, err)
	}
	return d
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
