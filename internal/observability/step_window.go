package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Run phases tracked in the rolling latency window.
const (
	StageStep   = "step"
	StageAttach = "attach_all"
	StageDrain  = "follow_up_drain"
	StageWarmup = "warmup"
)

// StageStats summarizes one run phase over the current window.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// LatencyIndicator counts a notable condition observed during runs,
// like a mid-run watchdog repair.
type LatencyIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LatencyReport is the JSON shape served by the latency endpoint. Unlike
// the Prometheus histogram it gives exact per-instance percentiles over
// the last windowSize samples, which is what you want when eyeballing a
// single slow deployment.
type LatencyReport struct {
	GeneratedAt time.Time          `json:"generated_at"`
	WindowSize  int                `json:"window_size"`
	Stages      []StageStats       `json:"stages"`
	Indicators  []LatencyIndicator `json:"indicators,omitempty"`
}

type stageRing struct {
	samples []float64
	next    int
	wrapped bool
	last    float64
}

func (r *stageRing) add(ms float64) {
	r.samples[r.next] = ms
	r.last = ms
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.wrapped = true
	}
}

func (r *stageRing) sorted() []float64 {
	n := r.next
	if r.wrapped {
		n = len(r.samples)
	}
	out := make([]float64, n)
	copy(out, r.samples[:n])
	sort.Float64s(out)
	return out
}

type stepWindow struct {
	mu         sync.RWMutex
	windowSize int
	rings      map[string]*stageRing
	indicators map[string]int
}

func newStepWindow(windowSize int) *stepWindow {
	if windowSize <= 0 {
		windowSize = 128
	}
	return &stepWindow{
		windowSize: windowSize,
		rings:      make(map[string]*stageRing),
		indicators: make(map[string]int),
	}
}

func (w *stepWindow) observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring, ok := w.rings[stage]
	if !ok {
		ring = &stageRing{samples: make([]float64, w.windowSize)}
		w.rings[stage] = ring
	}
	ring.add(ms)
}

func (w *stepWindow) mark(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stepWindow) report() LatencyReport {
	w.mu.RLock()
	defer w.mu.RUnlock()

	rep := LatencyReport{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.windowSize,
	}

	stages := make([]string, 0, len(w.rings))
	for stage := range w.rings {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		sorted := w.rings[stage].sorted()
		if len(sorted) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range sorted {
			sum += v
		}
		rep.Stages = append(rep.Stages, StageStats{
			Stage:       stage,
			Samples:     len(sorted),
			LastMS:      round2(w.rings[stage].last),
			AvgMS:       round2(sum / float64(len(sorted))),
			P50MS:       round2(quantile(sorted, 0.50)),
			P95MS:       round2(quantile(sorted, 0.95)),
			TargetP95MS: stageTargetP95MS(stage),
		})
	}

	names := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rep.Indicators = append(rep.Indicators, LatencyIndicator{Name: name, Count: w.indicators[name]})
	}
	return rep
}

// stageTargetP95MS is the budget a healthy deployment should stay under.
// The step budget tracks one LLM round trip plus one CDP action.
func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageStep:
		return 15000
	case StageAttach:
		return 200
	case StageDrain:
		return 2000
	case StageWarmup:
		return 5000
	default:
		return 0
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
