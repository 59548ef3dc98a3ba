package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// RunsInFlight is the current number of pipeline runs being processed.
	RunsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cxr",
		Subsystem: "pipeline",
		Name:      "runs_in_flight",
		Help:      "Current number of report pipeline runs in progress.",
	})

	// StagesTotal counts executed pipeline stages by outcome.
	StagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cxr",
		Subsystem: "pipeline",
		Name:      "stages_total",
		Help:      "Total number of pipeline stages executed, labeled by stage and result.",
	}, []string{"stage", "result"})

	// StageDurationSeconds is wall time per stage, measured inside the orchestrator.
	StageDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cxr",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each pipeline stage.",
		// Keep buckets fairly coarse to avoid high-cardinality time series.
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120},
	}, []string{"stage"})

	// CacheHitsTotal counts runs short-circuited by an already-finalized report.
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cxr",
		Subsystem: "pipeline",
		Name:      "cache_hits_total",
		Help:      "Total number of runs answered from the report store without AI calls.",
	})

	// WriteConflictsTotal counts runs that lost the persistence race.
	WriteConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cxr",
		Subsystem: "pipeline",
		Name:      "write_conflicts_total",
		Help:      "Total number of runs that lost the report write race to a concurrent run.",
	})

	// UpstreamRetriesTotal counts retry attempts against upstream endpoints.
	UpstreamRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cxr",
		Subsystem: "pipeline",
		Name:      "upstream_retries_total",
		Help:      "Total number of retried upstream calls, labeled by operation.",
	}, []string{"operation"})
)

// Register registers pipeline metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			RunsInFlight,
			StagesTotal,
			StageDurationSeconds,
			CacheHitsTotal,
			WriteConflictsTotal,
			UpstreamRetriesTotal,
		)
	})
}
