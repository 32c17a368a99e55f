package retry

import (
	"math"
	"time"

	"github.com/book-expert/audio-service/internal/classify"
)

// Outcome is the tag of a Decision.
type Outcome int

// Decision outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFail:
		return "fail"
	default:
		return "unknown"
	}
}

// maxUnknownRetries is how many times an unclassified failure is retried.
const maxUnknownRetries = 1

// Decision is what the retry loop does after an attempt.
type Decision struct {
	Outcome Outcome
	Delay   time.Duration
	Class   classify.Classification
}

// Decide returns the next step after attempt (1-based) ended with class.
// A zero class means the attempt succeeded. unknownFailures counts the
// Unknown failures seen so far, this one included. sample is a jitter draw
// in [0, 1).
func Decide(policy Policy, attempt int, class classify.Classification, unknownFailures int, sample float64) Decision {
	if class.Kind == "" {
		return Decision{Outcome: OutcomeSuccess, Delay: 0, Class: class}
	}

	fail := Decision{Outcome: OutcomeFail, Delay: 0, Class: class}

	if !class.Retryable {
		return fail
	}

	if class.Kind == classify.KindUnknown && unknownFailures > maxUnknownRetries {
		return fail
	}

	if attempt >= max(policy.MaxAttempts, 1) {
		return fail
	}

	return Decision{Outcome: OutcomeRetry, Delay: Backoff(policy, attempt, sample), Class: class}
}

// Backoff is BaseDelay * 2^(attempt-1), scaled by a symmetric jitter of
// policy.Jitter derived from sample.
func Backoff(policy Policy, attempt int, sample float64) time.Duration {
	base := float64(policy.BaseDelay) * math.Pow(2, float64(attempt-1))
	factor := 1 + policy.Jitter*(2*sample-1)

	return time.Duration(base * factor)
}
