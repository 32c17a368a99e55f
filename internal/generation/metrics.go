package generation

import (
	"errors"

	"github.com/book-expert/audio-service/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request results.
const (
	resultAccepted  = "accepted"
	resultDuplicate = "duplicate"
	resultQuota     = "quota_exceeded"
	resultDisabled  = "disabled"
	resultInvalid   = "invalid"
	resultNotFound  = "not_found"
	resultError     = "error"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_generation_requests_total",
		Help: "Generation requests, by admission result.",
	}, []string{"result"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_generation_jobs_total",
		Help: "Finished generation jobs, by final status.",
	}, []string{"status"})

	durationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_generation_duration_seconds",
		Help:    "Duration of generation jobs.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
)

func requestResult(err error) string {
	switch {
	case errors.Is(err, core.ErrDuplicateGeneration):
		return resultDuplicate
	case errors.Is(err, core.ErrQuotaExceeded):
		return resultQuota
	case errors.Is(err, core.ErrFeatureDisabled):
		return resultDisabled
	case errors.Is(err, core.ErrUnsupportedVoice):
		return resultInvalid
	case errors.Is(err, core.ErrNotFound):
		return resultNotFound
	default:
		return resultError
	}
}
