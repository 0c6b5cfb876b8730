package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry; a nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	Turns              *prometheus.CounterVec
	PlanSteps          prometheus.Histogram
	TurnLatency        prometheus.Histogram
	LLMCalls           *prometheus.CounterVec
	ModerationVerdicts *prometheus.CounterVec
	MemoryOps          *prometheus.CounterVec
	MemoryEvicted      *prometheus.CounterVec
	ReminderEvents     *prometheus.CounterVec
	PendingReminders   prometheus.Gauge
	Conversations      prometheus.Gauge
	WSMessages         *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Handled turns by intent and outcome.",
		}, []string{"intent", "outcome"}),
		PlanSteps: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_steps",
			Help:      "LLM plan steps used per turn.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}),
		TurnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "End-to-end turn latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		LLMCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM gateway calls by provider and result.",
		}, []string{"provider", "result"}),
		ModerationVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_verdicts_total",
			Help:      "Moderation verdicts by path and category.",
		}, []string{"path", "category"}),
		MemoryOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_ops_total",
			Help:      "Memory store operations by op and result.",
		}, []string{"op", "result"}),
		MemoryEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_evicted_total",
			Help:      "Evicted memory items by reason.",
		}, []string{"reason"}),
		ReminderEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminder_events_total",
			Help:      "Reminder lifecycle events by type.",
		}, []string{"event"}),
		PendingReminders: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_reminders",
			Help:      "Pending reminders seen by the last scheduler pass.",
		}),
		Conversations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Conversations with a live turn log.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) ObserveTurn(intent, outcome string, steps int, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(intent, outcome).Inc()
	m.PlanSteps.Observe(float64(steps))
	m.TurnLatency.Observe(float64(d.Milliseconds()))
	m.stages.observe(StageTurnTotal, d)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.observe(stage, d)
}

// Degraded counts a turn step that was skipped after an infrastructure error.
func (m *Metrics) Degraded(name string) {
	if m == nil {
		return
	}
	m.stages.degrade(name)
}

func (m *Metrics) LLMCall(provider, result string) {
	if m == nil {
		return
	}
	m.LLMCalls.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ModerationVerdict(path, category string) {
	if m == nil {
		return
	}
	m.ModerationVerdicts.WithLabelValues(path, category).Inc()
}

func (m *Metrics) MemoryOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MemoryOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) MemoryEviction(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MemoryEvicted.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ReminderEvent(event string) {
	if m == nil {
		return
	}
	m.ReminderEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetPendingReminders(n int) {
	if m == nil {
		return
	}
	m.PendingReminders.Set(float64(n))
}

func (m *Metrics) SetConversations(n int) {
	if m == nil {
		return
	}
	m.Conversations.Set(float64(n))
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.snapshot()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
