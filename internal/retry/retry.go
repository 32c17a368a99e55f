// Package retry runs provider and storage calls under a bounded retry policy
// with exponential backoff, jitter, and per-attempt soft and hard timeouts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/book-expert/audio-service/internal/classify"
	"github.com/book-expert/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultSoftTimeout = 25 * time.Second
	DefaultHardTimeout = 30 * time.Second
	DefaultJitter      = 0.2
)

// ErrHardTimeout indicates an attempt was abandoned at its hard deadline.
var ErrHardTimeout = errors.New("attempt exceeded hard timeout")

var attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audio_retry_attempts_total",
	Help: "Attempts made by the retry scheduler, by operation and result.",
}, []string{"op", "result"}) // result: success, retry, fail

// Policy bounds the attempts made for one operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// SoftTimeout closes Attempt.WindDown so the work can flush and release handles.
	SoftTimeout time.Duration
	// HardTimeout abandons the attempt.
	HardTimeout time.Duration
	// Jitter is the symmetric fraction applied to each backoff delay.
	Jitter float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		SoftTimeout: DefaultSoftTimeout,
		HardTimeout: DefaultHardTimeout,
		Jitter:      DefaultJitter,
	}
}

// Attempt describes the attempt a Work function is running.
type Attempt struct {
	Number   int
	WindDown <-chan struct{}
}

// Work is one attempt of a retried operation.
type Work[T any] func(ctx context.Context, attempt Attempt) (T, error)

// Error is returned when the retry loop gives up.
type Error struct {
	Op       string
	Attempts int
	Class    classify.Classification
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s) [%s]: %v", e.Op, e.Attempts, e.Class.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Scheduler executes Work under a Policy.
type Scheduler struct {
	log    *logger.Logger
	sleep  Sleeper
	random func() float64
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithSleeper replaces the wall-clock sleep between attempts.
func WithSleeper(sleep Sleeper) Option {
	return func(s *Scheduler) {
		s.sleep = sleep
	}
}

// WithRandom replaces the jitter source. It must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(s *Scheduler) {
		s.random = random
	}
}

// NewScheduler creates a Scheduler that logs retries to log.
func NewScheduler(log *logger.Logger, opts ...Option) *Scheduler {
	scheduler := &Scheduler{
		log:    log,
		sleep:  sleepContext,
		random: rand.Float64,
	}

	for _, opt := range opts {
		opt(scheduler)
	}

	return scheduler
}

// Execute runs work until it succeeds, fails terminally, or the policy's
// attempts are used up. Failures are returned as *Error.
func Execute[T any](ctx context.Context, scheduler *Scheduler, policy Policy, op string, work Work[T]) (T, error) {
	var zero T

	unknownFailures := 0

	for attempt := 1; ; attempt++ {
		value, err := runAttempt(ctx, policy, attempt, work)
		if err == nil {
			attemptsTotal.WithLabelValues(op, "success").Inc()

			return value, nil
		}

		class := classify.Classify(err)
		if class.Kind == classify.KindUnknown && class.Retryable {
			unknownFailures++
		}

		decision := Decide(policy, attempt, class, unknownFailures, scheduler.random())

		if decision.Outcome != OutcomeRetry {
			attemptsTotal.WithLabelValues(op, "fail").Inc()
			scheduler.log.Warn("%s failed on attempt %d [%s]: %v", op, attempt, class.Kind, err)

			return zero, &Error{Op: op, Attempts: attempt, Class: decision.Class, Err: err}
		}

		attemptsTotal.WithLabelValues(op, "retry").Inc()
		scheduler.log.Warn("%s attempt %d failed [%s], retrying in %s: %v", op, attempt, class.Kind, decision.Delay, err)

		sleepErr := scheduler.sleep(ctx, decision.Delay)
		if sleepErr != nil {
			return zero, &Error{Op: op, Attempts: attempt, Class: classify.Classify(sleepErr), Err: sleepErr}
		}
	}
}

type attemptResult[T any] struct {
	value T
	err   error
}

func runAttempt[T any](ctx context.Context, policy Policy, number int, work Work[T]) (T, error) {
	var zero T

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if policy.HardTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, policy.HardTimeout)
	}
	defer cancel()

	windDown := make(chan struct{})

	if policy.SoftTimeout > 0 && (policy.HardTimeout <= 0 || policy.SoftTimeout < policy.HardTimeout) {
		timer := time.AfterFunc(policy.SoftTimeout, func() { close(windDown) })
		defer timer.Stop()
	}

	done := make(chan attemptResult[T], 1)

	go func() {
		value, err := work(attemptCtx, Attempt{Number: number, WindDown: windDown})
		done <- attemptResult[T]{value: value, err: err}
	}()

	select {
	case result := <-done:
		return result.value, result.err
	case <-attemptCtx.Done():
		select {
		case result := <-done:
			return result.value, result.err
		default:
		}

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		return zero, &classify.ServiceError{
			Op:         "attempt",
			Code:       "",
			StatusCode: 0,
			Kind:       classify.KindServiceUnavailable,
			Err:        ErrHardTimeout,
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
