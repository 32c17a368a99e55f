// Package audit records auditable actions and exports them for archiving.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/audio-service/internal/core"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audio_audit_entries_total",
	Help: "Audit entries recorded, by action and result.",
}, []string{"action", "result"})

// Recorder appends audit entries to a sink. Append failures are logged and
// returned; callers treat them as non-fatal.
type Recorder struct {
	sink core.AuditSink
	log  *logger.Logger
	now  func() time.Time
}

// NewRecorder creates a Recorder writing to sink.
func NewRecorder(sink core.AuditSink, log *logger.Logger) *Recorder {
	return &Recorder{sink: sink, log: log, now: time.Now}
}

// WithClock replaces the timestamp source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now

	return r
}

// Record appends one entry about subjectID.
func (r *Recorder) Record(
	ctx context.Context,
	actor, subjectID string,
	kind core.SubjectKind,
	action core.AuditAction,
	metadata map[string]string,
) error {
	entry := core.AuditEntry{
		ID:          uuid.NewString(),
		Actor:       actor,
		SubjectID:   subjectID,
		SubjectKind: kind,
		Action:      action,
		Timestamp:   r.now().UTC(),
		Metadata:    metadata,
	}

	err := r.sink.Append(ctx, entry)
	if err != nil {
		entriesTotal.WithLabelValues(string(action), "error").Inc()
		r.log.Error("Failed to record audit %s for %s %s: %v", action, kind, subjectID, err)

		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	entriesTotal.WithLabelValues(string(action), "ok").Inc()

	return nil
}
