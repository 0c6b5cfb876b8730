package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Turn stages recorded by the orchestrator.
const (
	StageModerationIn   = "moderation_in"
	StageMemoryRetrieve = "memory_retrieve"
	StageLLM            = "llm"
	StageModerationOut  = "moderation_out"
	StageCommit         = "commit"
	StageTurnTotal      = "turn_total"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	BudgetP95MS float64 `json:"budget_p95_ms,omitempty"`
}

type DegradationCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// StageSnapshot is served on /v1/perf/turns.
type StageSnapshot struct {
	GeneratedAt  time.Time          `json:"generated_at"`
	WindowSize   int                `json:"window_size"`
	Stages       []StageStats       `json:"stages"`
	Degradations []DegradationCount `json:"degradations,omitempty"`
}

// stageWindow keeps the last N latency samples per stage in a ring.
type stageWindow struct {
	mu           sync.RWMutex
	size         int
	rings        map[string]*ring
	degradations map[string]int
}

type ring struct {
	samples []float64
	pos     int
	full    bool
	last    float64
}

func (r *ring) push(v float64) {
	r.samples[r.pos] = v
	r.last = v
	r.pos = (r.pos + 1) % len(r.samples)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ring) sorted() []float64 {
	n := r.pos
	if r.full {
		n = len(r.samples)
	}
	out := slices.Clone(r.samples[:n])
	slices.Sort(out)
	return out
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:         size,
		rings:        make(map[string]*ring),
		degradations: make(map[string]int),
	}
}

func (w *stageWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{samples: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.push(ms)
}

func (w *stageWindow) degrade(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.degradations[name]++
	w.mu.Unlock()
}

func (w *stageWindow) snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := StageSnapshot{GeneratedAt: time.Now().UTC(), WindowSize: w.size}
	names := make([]string, 0, len(w.rings))
	for name := range w.rings {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		r := w.rings[name]
		vals := r.sorted()
		if len(vals) == 0 {
			continue
		}
		var sum float64
		for _, v := range vals {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       name,
			Samples:     len(vals),
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(len(vals))),
			P50MS:       round2(quantile(vals, 0.50)),
			P95MS:       round2(quantile(vals, 0.95)),
			BudgetP95MS: stageBudgetP95MS(name),
		})
	}

	keys := make([]string, 0, len(w.degradations))
	for k := range w.degradations {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		snap.Degradations = append(snap.Degradations, DegradationCount{Name: k, Count: w.degradations[k]})
	}
	return snap
}

// quantile interpolates linearly between the two nearest ranks.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageBudgetP95MS(stage string) float64 {
	switch stage {
	case StageModerationIn, StageModerationOut:
		return 150
	case StageMemoryRetrieve:
		return 100
	case StageLLM:
		return 8000
	case StageCommit:
		return 100
	case StageTurnTotal:
		return 10000
	default:
		return 0
	}
}
