package monitor

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRun(t *testing.T) {
	m := NewMetrics()

	m.RecordRun("evaluator", "completed", 0.02, 3)
	m.RecordRun("evaluator", "completed", 0.01, 1)
	m.RecordRun("supervisor", "timeout", 30, 0)

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("evaluator", "completed")); got != 2 {
		t.Errorf("evaluator completed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("supervisor", "timeout")); got != 1 {
		t.Errorf("supervisor timeout = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.RunDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestRecordHistory(t *testing.T) {
	m := NewMetrics()

	m.RecordHistory("record", nil)
	m.RecordHistory("record", errors.New("disk full"))
	m.RecordHistory("clear", nil)

	tests := []struct {
		op, result string
		want       float64
	}{
		{"record", "ok", 1},
		{"record", "error", 1},
		{"clear", "ok", 1},
		{"delete", "ok", 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.HistoryWrites.WithLabelValues(tt.op, tt.result)); got != tt.want {
			t.Errorf("history %s/%s = %v, want %v", tt.op, tt.result, got, tt.want)
		}
	}
}

func TestMetricsRegistry(t *testing.T) {
	m := NewMetrics()
	m.RecordError("spawn_failed")
	m.RecordSecurityEvent("child_process")
	m.ActiveRuns.WithLabelValues("supervisor").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"coderunner_run_errors_total",
		"coderunner_security_events_total",
		"coderunner_active_runs",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}
