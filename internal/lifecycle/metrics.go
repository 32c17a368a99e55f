package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_sweep_runs_total",
		Help: "Expiry sweep runs, by result.",
	}, []string{"result"}) // result: ok, skipped, error

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_sweep_duration_seconds",
		Help:    "Duration of expiry sweeps.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	sweepArtifactsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_sweep_artifacts_total",
		Help: "Artifacts handled by expiry sweeps, by action.",
	}, []string{"action"}) // action: expired, expired_deleted, warned, abandoned, error

	removalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_removals_total",
		Help: "Explicit audio removals, by result.",
	}, []string{"result"})
)
