// Package lifecycle enforces audio retention: the periodic expiry sweep and
// explicit removal by the requester.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/book-expert/audio-service/internal/audit"
	"github.com/book-expert/audio-service/internal/classify"
	"github.com/book-expert/audio-service/internal/core"
	"github.com/book-expert/audio-service/internal/retry"
	"github.com/book-expert/logger"
)

// ErrSweepInProgress is returned when a sweep is requested while one is running.
var ErrSweepInProgress = errors.New("expiry sweep already in progress")

const opDeleteBlob = "delete_blob"

// Audit metadata keys.
const (
	MetaStorageKey = "storage_key"
	MetaDaysLeft   = "days_left"
	MetaReason     = "reason"
	MetaStatus     = "status"
	MetaErrorKind  = "error_kind"
)

// Dependencies are the collaborators shared by the Sweeper and the Remover.
type Dependencies struct {
	Audio    core.AudioRepository
	Pages    core.PageStore
	Store    core.ObjectStore
	Notifier core.Notifier
	Recorder *audit.Recorder
	Retries  *retry.Scheduler
	// Policy bounds the blob deletions.
	Policy retry.Policy
	Log    *logger.Logger
	// Guard serializes sweeps across processes sharing the store. Nil
	// limits serialization to this Sweeper.
	Guard core.ExclusiveLock
	// PendingTimeout is how long a record may stay PENDING before the sweep
	// fails it as abandoned. Zero never abandons.
	PendingTimeout time.Duration
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Expired   int
	Warned    int
	Abandoned int
	Errors    int
	Skipped   int
	Duration  time.Duration
}

// Sweeper scans ACTIVE audio and enforces expiry. At most one sweep runs at a time.
type Sweeper struct {
	mu   sync.Mutex
	deps Dependencies
}

// NewSweeper creates a Sweeper.
func NewSweeper(deps Dependencies) *Sweeper {
	return &Sweeper{mu: sync.Mutex{}, deps: deps}
}

type queuedWarning struct {
	audio  core.Audio
	notice core.ExpiryNotice
}

// Sweep evaluates every ACTIVE audio against settings as of now. A failure on
// one artifact is counted in the report and never stops the loop. Warnings are
// batched per requester and sent after the loop.
func (s *Sweeper) Sweep(ctx context.Context, settings core.Settings, now time.Time) (report SweepReport, err error) {
	if !s.mu.TryLock() {
		sweepRunsTotal.WithLabelValues("skipped").Inc()

		return SweepReport{}, ErrSweepInProgress
	}
	defer s.mu.Unlock()

	if s.deps.Guard != nil {
		release, acquired, lockErr := s.deps.Guard.TryAcquire(ctx)
		if lockErr != nil {
			sweepRunsTotal.WithLabelValues("error").Inc()

			return SweepReport{}, fmt.Errorf("failed to acquire sweep lock: %w", lockErr)
		}

		if !acquired {
			sweepRunsTotal.WithLabelValues("skipped").Inc()

			return SweepReport{}, ErrSweepInProgress
		}
		defer release()
	}

	start := time.Now()

	defer func() {
		report.Duration = time.Since(start)
		sweepDuration.Observe(report.Duration.Seconds())
	}()

	active, err := s.deps.Audio.ListActive(ctx)
	if err != nil {
		sweepRunsTotal.WithLabelValues("error").Inc()

		return report, fmt.Errorf("failed to list active audio: %w", err)
	}

	var (
		recipients []string
		queued     = make(map[string][]queuedWarning)
		titles     = make(map[string]string)
	)

	for i := range active {
		if ctx.Err() != nil {
			sweepRunsTotal.WithLabelValues("error").Inc()

			return report, fmt.Errorf("sweep interrupted: %w", ctx.Err())
		}

		audio := active[i]
		days := audio.DaysUntilExpiry(settings.RetentionDays, now)

		switch audio.Status {
		case core.StatusPending:
			if s.deps.PendingTimeout > 0 && now.Sub(audio.CreatedAt) > s.deps.PendingTimeout {
				s.abandon(ctx, &report, &audio)
			} else {
				report.Skipped++
			}
		case core.StatusFailed:
			if days <= 0 {
				s.expire(ctx, &report, &audio, now, false, "failed")
			}
		case core.StatusCompleted:
			switch {
			case days <= 0:
				s.expire(ctx, &report, &audio, now, settings.AutoDeleteEnabled, "retention")
			case days <= settings.WarningWindowDays && settings.NotificationsEnabled && !audio.WarnedThisCycle():
				if _, seen := queued[audio.RequestedBy]; !seen {
					recipients = append(recipients, audio.RequestedBy)
				}

				queued[audio.RequestedBy] = append(queued[audio.RequestedBy], queuedWarning{
					audio: audio,
					notice: core.ExpiryNotice{
						AudioID:       audio.ID,
						Voice:         audio.Voice,
						DocumentTitle: s.documentTitle(ctx, titles, audio.PageID),
						DaysLeft:      days,
					},
				})
			}
		}
	}

	for _, recipient := range recipients {
		s.warn(ctx, &report, recipient, queued[recipient], now)
	}

	sweepRunsTotal.WithLabelValues("ok").Inc()
	s.deps.Log.Info("Expiry sweep finished: %d expired, %d warned, %d abandoned, %d errors, %d skipped",
		report.Expired, report.Warned, report.Abandoned, report.Errors, report.Skipped)

	return report, nil
}

// expire deletes the blob first when asked to, so a failed deletion leaves
// the record ACTIVE for the next sweep.
func (s *Sweeper) expire(
	ctx context.Context,
	report *SweepReport,
	audio *core.Audio,
	now time.Time,
	deleteBlob bool,
	reason string,
) {
	deleted := false

	if deleteBlob && audio.StorageKey != "" {
		err := deleteWithRetry(ctx, s.deps, audio.StorageKey)
		if err != nil {
			report.Errors++
			sweepArtifactsTotal.WithLabelValues("error").Inc()
			s.deps.Log.Error("Failed to delete blob %s of audio %s, keeping it active: %v",
				audio.StorageKey, audio.ID, err)

			return
		}

		deleted = true
	}

	err := s.deps.Audio.MarkExpired(ctx, audio.ID, now)
	if err != nil {
		report.Errors++
		sweepArtifactsTotal.WithLabelValues("error").Inc()
		s.deps.Log.Error("Failed to mark audio %s expired: %v", audio.ID, err)

		return
	}

	report.Expired++

	action, label := core.ActionExpired, "expired"
	if deleted {
		action, label = core.ActionExpiredDeleted, "expired_deleted"
	}

	sweepArtifactsTotal.WithLabelValues(label).Inc()

	metadata := map[string]string{MetaReason: reason}
	if audio.StorageKey != "" {
		metadata[MetaStorageKey] = audio.StorageKey
	}

	_ = s.deps.Recorder.Record(ctx, core.SystemActor, audio.ID, core.SubjectAudio, action, metadata)
}

// abandon fails a record whose generation job never settled it, so its
// (page, voice) pair can be requested again.
func (s *Sweeper) abandon(ctx context.Context, report *SweepReport, audio *core.Audio) {
	err := s.deps.Audio.FailGeneration(ctx, audio.ID, classify.MessageUnavailable)
	if errors.Is(err, core.ErrInvalidTransition) {
		// Settled by its job since the listing.
		report.Skipped++

		return
	}

	if err != nil {
		report.Errors++
		sweepArtifactsTotal.WithLabelValues("error").Inc()
		s.deps.Log.Error("Failed to abandon pending audio %s: %v", audio.ID, err)

		return
	}

	report.Abandoned++
	sweepArtifactsTotal.WithLabelValues("abandoned").Inc()
	s.deps.Log.Warn("Audio %s was pending since %s, marked failed", audio.ID, audio.CreatedAt.Format(time.RFC3339))

	_ = s.deps.Recorder.Record(ctx, core.SystemActor, audio.ID, core.SubjectAudio, core.ActionGenerate,
		map[string]string{
			MetaStatus:    string(core.StatusFailed),
			MetaErrorKind: string(classify.KindServiceUnavailable),
			MetaReason:    "abandoned",
		})
}

// warn sends one batch to recipient. Delivery is fire-and-forget: a failed
// send is logged and the artifacts are still marked as warned.
func (s *Sweeper) warn(ctx context.Context, report *SweepReport, recipient string, batch []queuedWarning, now time.Time) {
	notices := make([]core.ExpiryNotice, 0, len(batch))
	for _, warning := range batch {
		notices = append(notices, warning.notice)
	}

	err := s.deps.Notifier.SendBatchWarning(ctx, recipient, notices)
	if err != nil {
		s.deps.Log.Warn("Failed to send expiry warning to %s for %d audio: %v", recipient, len(notices), err)
	}

	for _, warning := range batch {
		err = s.deps.Audio.MarkWarned(ctx, warning.audio.ID, now)
		if err != nil {
			report.Errors++
			sweepArtifactsTotal.WithLabelValues("error").Inc()
			s.deps.Log.Error("Failed to mark audio %s warned: %v", warning.audio.ID, err)

			continue
		}

		report.Warned++
		sweepArtifactsTotal.WithLabelValues("warned").Inc()

		_ = s.deps.Recorder.Record(ctx, core.SystemActor, warning.audio.ID, core.SubjectAudio,
			core.ActionWarningIssued, map[string]string{
				MetaDaysLeft: strconv.Itoa(warning.notice.DaysLeft),
			})
	}
}

func (s *Sweeper) documentTitle(ctx context.Context, titles map[string]string, pageID string) string {
	if title, ok := titles[pageID]; ok {
		return title
	}

	title := ""

	page, err := s.deps.Pages.Page(ctx, pageID)
	if err != nil {
		s.deps.Log.Warn("Failed to load page %s for an expiry notice: %v", pageID, err)
	} else {
		title = page.DocumentTitle
	}

	titles[pageID] = title

	return title
}

func deleteWithRetry(ctx context.Context, deps Dependencies, key string) error {
	_, err := retry.Execute(ctx, deps.Retries, deps.Policy, opDeleteBlob,
		func(ctx context.Context, _ retry.Attempt) (struct{}, error) {
			return struct{}{}, deps.Store.Delete(ctx, key)
		})

	return err
}
