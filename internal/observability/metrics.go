package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing, so tests can skip registration.
type Metrics struct {
	RunState         prometheus.Gauge
	RunEvents        *prometheus.CounterVec
	StepLatency      prometheus.Histogram
	WatchdogRepairs  prometheus.Counter
	BroadcastDrops   prometheus.Counter
	AnalyzerVerdicts *prometheus.CounterVec

	window *stepWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		window: newStepWindow(128),
		RunState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_state",
			Help:      "Current controller state (0=idle 1=running 2=paused 3=resetting).",
		}),
		RunEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_events_total",
			Help:      "Controller lifecycle events by type.",
		}, []string{"event"}),
		StepLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_latency_ms",
			Help:      "Latency of one task step in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}),
		WatchdogRepairs: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_repairs_total",
			Help:      "Mid-run watchdog re-attachments triggered by a missing handler.",
		}),
		BroadcastDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Stream events dropped on saturated listener queues.",
		}),
		AnalyzerVerdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_verdicts_total",
			Help:      "Conversation analysis verdicts by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) SetRunState(state int) {
	if m == nil {
		return
	}
	m.RunState.Set(float64(state))
}

func (m *Metrics) CountRunEvent(event string) {
	if m == nil {
		return
	}
	m.RunEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveStepLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.StepLatency.Observe(float64(d.Milliseconds()))
	m.window.observe(StageStep, float64(d.Milliseconds()))
}

// ObserveStage records a non-step run phase in the rolling window only;
// the Prometheus histogram stays dedicated to step latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.window.observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) MarkIndicator(name string) {
	if m == nil {
		return
	}
	m.window.mark(name)
}

func (m *Metrics) Latency() LatencyReport {
	if m == nil {
		return LatencyReport{GeneratedAt: time.Now().UTC()}
	}
	return m.window.report()
}

func (m *Metrics) CountWatchdogRepair() {
	if m == nil {
		return
	}
	m.WatchdogRepairs.Inc()
	m.window.mark("watchdog_repair")
}

func (m *Metrics) CountBroadcastDrops(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BroadcastDrops.Add(float64(n))
}

func (m *Metrics) CountVerdict(outcome string) {
	if m == nil {
		return
	}
	m.AnalyzerVerdicts.WithLabelValues(outcome).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
