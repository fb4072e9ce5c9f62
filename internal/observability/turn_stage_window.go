package observability

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Turn stages sampled into the latency window.
const (
	StageContextLoad        = "context_load"
	StageUpstreamFirstDelta = "upstream_first_delta"
	StageUpstreamTotal      = "upstream_total"
	StageCommit             = "commit"
	StageTurnTotal          = "turn_total"
)

// stageTargets are the p95 budgets in milliseconds reported next to each stage.
var stageTargets = map[string]float64{
	StageContextLoad:        25,
	StageUpstreamFirstDelta: 900,
	StageUpstreamTotal:      6000,
	StageCommit:             50,
	StageTurnTotal:          6500,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts samples in the window slower than TargetP95MS.
	OverTarget int `json:"over_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// latencyRing keeps the newest len(values) samples of one stage.
type latencyRing struct {
	values []float64
	n      int
	head   int
	last   float64
}

func (r *latencyRing) add(ms float64) {
	r.values[r.head] = ms
	r.head = (r.head + 1) % len(r.values)
	if r.n < len(r.values) {
		r.n++
	}
	r.last = ms
}

func (r *latencyRing) stats(stage string) TurnStageStats {
	sorted := slices.Clone(r.values[:r.n])
	slices.Sort(sorted)

	target := stageTargets[stage]
	var sum float64
	over := 0
	for _, v := range sorted {
		sum += v
		if target > 0 && v > target {
			over++
		}
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     r.n,
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(r.n)),
		P50MS:       round2(quantile(sorted, 0.50)),
		P95MS:       round2(quantile(sorted, 0.95)),
		P99MS:       round2(quantile(sorted, 0.99)),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

type turnStageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*latencyRing
	indicators map[string]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	w := &turnStageWindow{size: size}
	w.resetLocked()
	return w
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &latencyRing{values: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for stage, r := range w.rings {
		if r.n > 0 {
			snap.Stages = append(snap.Stages, r.stats(stage))
		}
	}
	slices.SortFunc(snap.Stages, func(a, b TurnStageStats) int { return cmp.Compare(a.Stage, b.Stage) })

	for name, count := range w.indicators {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: count})
	}
	slices.SortFunc(snap.Indicators, func(a, b TurnIndicator) int { return cmp.Compare(a.Name, b.Name) })
	return snap
}

func (w *turnStageWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetLocked()
}

func (w *turnStageWindow) resetLocked() {
	w.rings = make(map[string]*latencyRing)
	w.indicators = make(map[string]int)
}

// quantile interpolates linearly between the two closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
