package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("extwatch.orchestrator")

var (
	buildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extwatch_builds_total",
		Help: "Record builds by entity kind and resulting status",
	}, []string{"kind", "status"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extwatch_runs_total",
		Help: "Analysis runs by outcome",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "extwatch_run_duration_seconds",
		Help:    "Wall time of one analysis run",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	snapshotRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "extwatch_snapshot_records",
		Help: "Records in the last persisted snapshot by status",
	}, []string{"status"})

	lastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "extwatch_last_run_timestamp_seconds",
		Help: "Unix time of the last persisted snapshot",
	})
)
