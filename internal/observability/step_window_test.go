package observability

import "testing"

func TestStepWindowReport(t *testing.T) {
	w := newStepWindow(8)
	w.observe(StageStep, 400)
	w.observe(StageStep, 800)
	w.observe(StageStep, 1200)
	w.mark("watchdog_repair")
	w.mark("watchdog_repair")

	rep := w.report()
	if rep.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", rep.WindowSize)
	}
	if len(rep.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(rep.Stages))
	}
	s := rep.Stages[0]
	if s.Stage != StageStep {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageStep)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 1200 {
		t.Fatalf("LastMS = %.2f, want 1200", s.LastMS)
	}
	if s.P50MS != 800 {
		t.Fatalf("P50MS = %.2f, want 800", s.P50MS)
	}
	if s.P95MS <= 800 || s.P95MS > 1200 {
		t.Fatalf("P95MS = %.2f, want (800,1200]", s.P95MS)
	}
	if s.TargetP95MS != 15000 {
		t.Fatalf("TargetP95MS = %.2f, want 15000", s.TargetP95MS)
	}
	if len(rep.Indicators) != 1 || rep.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one entry counted twice", rep.Indicators)
	}
}

func TestStepWindowWrapsOldSamples(t *testing.T) {
	w := newStepWindow(4)
	for i := 0; i < 10; i++ {
		w.observe(StageAttach, float64(100*(i+1)))
	}
	rep := w.report()
	s := rep.Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want window cap 4", s.Samples)
	}
	if s.LastMS != 1000 {
		t.Fatalf("LastMS = %.2f, want 1000", s.LastMS)
	}
	// Only 700..1000 should remain.
	if s.AvgMS != 850 {
		t.Fatalf("AvgMS = %.2f, want 850", s.AvgMS)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage(StageStep, 0)
	m.MarkIndicator("anything")
	rep := m.Latency()
	if len(rep.Stages) != 0 {
		t.Fatalf("nil metrics report stages = %d, want 0", len(rep.Stages))
	}
}
