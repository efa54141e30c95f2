package textfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// sample is a realistic subset of the agent's own exposition.
const sample = `
# HELP extwatch_builds_total Record builds by entity kind and resulting status
# TYPE extwatch_builds_total counter
extwatch_builds_total{kind="secondary",status="active"} 120
extwatch_builds_total{kind="secondary",status="error"} 3
extwatch_builds_total{kind="primary",status="active"} 24

# HELP extwatch_rate_limit_remaining Last observed remaining request quota
# TYPE extwatch_rate_limit_remaining gauge
extwatch_rate_limit_remaining 4210
`

func TestParse(t *testing.T) {
	mfs, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := Sum(mfs["extwatch_builds_total"]); got != 147 {
		t.Errorf("builds_total: got %v, want 147", got)
	}
	if got := Sum(mfs["extwatch_rate_limit_remaining"]); got != 4210 {
		t.Errorf("rate_limit_remaining: got %v, want 4210", got)
	}
	if got := Sum(mfs["absent"]); got != 0 {
		t.Errorf("absent family: got %v, want 0", got)
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	reg := prometheus.NewRegistry()
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "extwatch_runs_total",
		Help: "Analysis runs by outcome",
	}, []string{"outcome"})
	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "go_unrelated", Help: "x"})
	dur := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "extwatch_run_duration_seconds", Help: "x"})
	reg.MustRegister(runs, other, dur)
	runs.WithLabelValues("ok").Add(2)
	runs.WithLabelValues("partial").Inc()
	other.Set(5)
	dur.Observe(3)
	dur.Observe(4)

	path := filepath.Join(t.TempDir(), "collector", "extwatch.prom")
	if err := Write(path, reg, "extwatch_"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	mfs, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if _, ok := mfs["go_unrelated"]; ok {
		t.Error("prefix filter: go_unrelated should not be written")
	}
	if got := Sum(mfs["extwatch_runs_total"]); got != 3 {
		t.Errorf("runs_total: got %v, want 3", got)
	}
	if got := Sum(mfs["extwatch_run_duration_seconds"]); got != 2 {
		t.Errorf("run_duration sample count: got %v, want 2", got)
	}

	totals := Totals(mfs)
	if len(totals) != 2 || totals[0].Name != "extwatch_run_duration_seconds" {
		t.Errorf("Totals: got %+v", totals)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode: got %v, want 0644", info.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestRead_Missing(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "absent.prom")); err == nil {
		t.Fatal("Read(missing): expected error, got nil")
	}
}
