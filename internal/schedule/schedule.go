// Package schedule runs the periodic jobs of the service on cron schedules.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/robfig/cron/v3"
)

// Job is one periodic task.
type Job func(ctx context.Context) error

// Scheduler runs jobs on cron schedules. A job whose previous run is still
// going is skipped, and a panicking job is recovered and logged.
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger

	mu  sync.RWMutex
	ctx context.Context
}

// New creates a Scheduler evaluating schedules in loc (UTC when nil).
func New(loc *time.Location, log *logger.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}

	cronLog := cronLogger{log: log}

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		log: log,
		ctx: context.Background(),
	}
}

// Validate reports whether expr is a valid standard cron expression or descriptor.
func Validate(expr string) error {
	_, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}

	return nil
}

// Add registers job under name on the schedule expr.
func (s *Scheduler) Add(name, expr string, job Job) error {
	_, err := s.cron.AddFunc(expr, func() {
		s.runJob(name, job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s on %q: %w", name, expr, err)
	}

	s.log.Info("Scheduled %s on %q", name, expr)

	return nil
}

// Run starts the schedules and blocks until ctx is done. It then waits for
// running jobs, whose context is cancelled with ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()

	<-s.cron.Stop().Done()

	return nil
}

// Next returns the next activation of every registered job.
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	next := make([]time.Time, 0, len(entries))

	for _, entry := range entries {
		next = append(next, entry.Next)
	}

	return next
}

func (s *Scheduler) runJob(name string, job Job) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	start := time.Now()

	err := job(ctx)
	if err != nil {
		s.log.Error("Scheduled job %s failed after %s: %v", name, time.Since(start), err)

		return
	}

	s.log.Info("Scheduled job %s finished in %s", name, time.Since(start))
}

// cronLogger adapts the service logger to cron.Logger. Routine scheduling
// chatter is dropped.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, _ ...any) {
	if msg == "skip" {
		l.log.Warn("Scheduled job skipped, previous run still in progress")
	}
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron %s: %v %s", msg, err, formatPairs(keysAndValues))
}

func formatPairs(keysAndValues []any) string {
	var builder strings.Builder

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if builder.Len() > 0 {
			builder.WriteByte(' ')
		}

		fmt.Fprintf(&builder, "%v=%v", keysAndValues[i], keysAndValues[i+1])
	}

	return builder.String()
}
