package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/audio-service/internal/audit"
	"github.com/book-expert/audio-service/internal/classify"
	"github.com/book-expert/audio-service/internal/core"
	"github.com/book-expert/audio-service/internal/lifecycle"
	"github.com/book-expert/audio-service/internal/objectstore"
	"github.com/book-expert/audio-service/internal/retry"
	"github.com/book-expert/audio-service/internal/store/memory"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sweepNow    = time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	errMailDown = errors.New("mail relay down")
)

type batch struct {
	recipient string
	notices   []core.ExpiryNotice
}

type recordingNotifier struct {
	mu      sync.Mutex
	batches []batch
	err     error
	entered chan struct{}
	release chan struct{}
}

func (n *recordingNotifier) SendBatchWarning(_ context.Context, recipient string, notices []core.ExpiryNotice) error {
	if n.entered != nil {
		n.entered <- struct{}{}
		<-n.release
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.batches = append(n.batches, batch{recipient: recipient, notices: notices})

	return n.err
}

func (n *recordingNotifier) Batches() []batch {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]batch(nil), n.batches...)
}

type fakeGuard struct {
	mu       sync.Mutex
	held     bool
	acquired int
	released int
}

func (g *fakeGuard) TryAcquire(context.Context) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held {
		return nil, false, nil
	}

	g.acquired++

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()

		g.released++
	}, true, nil
}

type failingDeleteStore struct {
	*objectstore.MemoryStore
}

func (failingDeleteStore) Delete(context.Context, string) error {
	return &classify.ServiceError{Op: "delete", Code: "AccessDenied", StatusCode: 403}
}

type fixture struct {
	sweeper  *lifecycle.Sweeper
	remover  *lifecycle.Remover
	audio    *memory.AudioRepository
	audit    *memory.AuditLog
	store    *objectstore.MemoryStore
	notifier *recordingNotifier
}

func newFixture(t *testing.T, store core.ObjectStore, opts ...func(*lifecycle.Dependencies)) *fixture {
	t.Helper()

	log, err := logger.New(t.TempDir(), "lifecycle-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	f := &fixture{
		audio:    memory.NewAudioRepository(),
		audit:    memory.NewAuditLog(),
		store:    objectstore.NewMemory(),
		notifier: &recordingNotifier{},
	}

	if store == nil {
		store = f.store
	}

	deps := lifecycle.Dependencies{
		Audio: f.audio,
		Pages: memory.NewPageStore(
			core.Page{ID: "page-1", DocumentID: "doc-1", DocumentTitle: "Field Guide", Number: 1},
			core.Page{ID: "page-2", DocumentID: "doc-2", DocumentTitle: "Tide Tables", Number: 4},
		),
		Store:    store,
		Notifier: f.notifier,
		Recorder: audit.NewRecorder(f.audit, log),
		Retries: retry.NewScheduler(log,
			retry.WithSleeper(func(context.Context, time.Duration) error { return nil })),
		Policy: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, SoftTimeout: time.Second,
			HardTimeout: 2 * time.Second, Jitter: 0.2},
		Log: log,
	}

	for _, opt := range opts {
		opt(&deps)
	}

	f.sweeper = lifecycle.NewSweeper(deps)
	f.remover = lifecycle.NewRemover(deps)

	return f
}

// completedAudio creates a COMPLETED record whose blob exists in the store.
func (f *fixture) completedAudio(t *testing.T, id, pageID, requester string, age time.Duration) core.Audio {
	t.Helper()

	audio := core.Audio{
		ID:          id,
		PageID:      pageID,
		DocumentID:  "doc",
		Voice:       core.VoiceJoanna,
		RequestedBy: requester,
		Status:      core.StatusCompleted,
		Lifetime:    core.LifetimeActive,
		StorageKey:  "audios/" + id + ".mp3",
		CreatedAt:   sweepNow.Add(-age),
	}
	f.audio.Put(audio)
	require.NoError(t, f.store.Upload(context.Background(), audio.StorageKey, []byte("mp3")))

	return audio
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func autoDelete() core.Settings {
	settings := core.DefaultSettings()
	settings.AutoDeleteEnabled = true

	return settings
}

func (f *fixture) state(t *testing.T, id string) *core.Audio {
	t.Helper()

	audio, err := f.audio.Get(context.Background(), id)
	require.NoError(t, err)

	return audio
}

func (f *fixture) actions() []core.AuditAction {
	var actions []core.AuditAction
	for _, entry := range f.audit.Entries() {
		actions = append(actions, entry.Action)
	}

	return actions
}

func TestSweep_ExpiresAndDeletesWithAutoDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	audio := f.completedAudio(t, "a1", "page-1", "user-1", days(210))

	report, err := f.sweeper.Sweep(context.Background(), autoDelete(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Zero(t, report.Errors)

	stored := f.state(t, audio.ID)
	assert.Equal(t, core.LifetimeExpired, stored.Lifetime)
	require.NotNil(t, stored.ExpiredAt)
	assert.Empty(t, f.store.Keys(), "the blob is deleted")
	assert.Equal(t, []core.AuditAction{core.ActionExpiredDeleted}, f.actions())
	assert.Equal(t, core.SystemActor, f.audit.Entries()[0].Actor)
}

func TestSweep_WarnsOnceInsideWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	audio := f.completedAudio(t, "a1", "page-1", "user-1", days(155))

	report, err := f.sweeper.Sweep(context.Background(), core.DefaultSettings(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warned)
	assert.Zero(t, report.Expired)

	batches := f.notifier.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, "user-1", batches[0].recipient)
	assert.Equal(t, []core.ExpiryNotice{{
		AudioID: audio.ID, Voice: core.VoiceJoanna, DocumentTitle: "Field Guide", DaysLeft: 25,
	}}, batches[0].notices)

	stored := f.state(t, audio.ID)
	assert.Equal(t, core.LifetimeActive, stored.Lifetime)
	assert.Equal(t, []core.AuditAction{core.ActionWarningIssued}, f.actions())
	assert.Equal(t, "25", f.audit.Entries()[0].Metadata[lifecycle.MetaDaysLeft])
}

func TestSweep_ExpiresWithoutDeletingWhenAutoDeleteIsOff(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	audio := f.completedAudio(t, "a1", "page-1", "user-1", days(200))

	report, err := f.sweeper.Sweep(context.Background(), core.DefaultSettings(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)

	assert.Equal(t, core.LifetimeExpired, f.state(t, audio.ID).Lifetime)
	assert.Equal(t, []string{audio.StorageKey}, f.store.Keys(), "the blob is untouched")
	assert.Equal(t, []core.AuditAction{core.ActionExpired}, f.actions())
}

func TestSweep_IsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.completedAudio(t, "expired", "page-1", "user-1", days(181))
	f.completedAudio(t, "warned", "page-1", "user-1", days(170))

	first, err := f.sweeper.Sweep(context.Background(), autoDelete(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Expired)
	assert.Equal(t, 1, first.Warned)

	second, err := f.sweeper.Sweep(context.Background(), autoDelete(), sweepNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, second.Expired)
	assert.Zero(t, second.Warned)
	assert.Zero(t, second.Errors)

	assert.Len(t, f.notifier.Batches(), 1)
	assert.Len(t, f.audit.Entries(), 2)
}

func TestSweep_Boundaries(t *testing.T) {
	t.Parallel()

	settings := core.DefaultSettings()

	testCases := []struct {
		name         string
		age          time.Duration
		expectExpire bool
		expectWarn   bool
	}{
		{name: "day zero expires", age: days(settings.RetentionDays), expectExpire: true},
		{name: "less than a day left expires", age: days(settings.RetentionDays) - time.Hour, expectExpire: true},
		{name: "one day left warns", age: days(settings.RetentionDays - 1), expectWarn: true},
		{name: "window edge warns", age: days(settings.RetentionDays - settings.WarningWindowDays), expectWarn: true},
		{name: "window plus one is quiet", age: days(settings.RetentionDays - settings.WarningWindowDays - 1)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil)
			f.completedAudio(t, "a1", "page-1", "user-1", tc.age)

			report, err := f.sweeper.Sweep(context.Background(), settings, sweepNow)
			require.NoError(t, err)
			assert.Equal(t, tc.expectExpire, report.Expired == 1)
			assert.Equal(t, tc.expectWarn, report.Warned == 1)
		})
	}
}

func TestSweep_DeletionFailureKeepsAudioActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, failingDeleteStore{MemoryStore: objectstore.NewMemory()})
	f.completedAudio(t, "a1", "page-1", "user-1", days(300))
	f.completedAudio(t, "a2", "page-1", "user-1", days(10))

	report, err := f.sweeper.Sweep(context.Background(), autoDelete(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Zero(t, report.Expired)
	assert.Equal(t, core.LifetimeActive, f.state(t, "a1").Lifetime)
	assert.Empty(t, f.audit.Entries())
}

func TestSweep_PlaybackExtendsRetention(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.completedAudio(t, "a1", "page-1", "user-1", days(400))
	require.NoError(t, f.audio.RecordPlayback("a1", sweepNow.Add(-days(10))))

	report, err := f.sweeper.Sweep(context.Background(), autoDelete(), sweepNow)
	require.NoError(t, err)
	assert.Zero(t, report.Expired)
	assert.Zero(t, report.Warned)
}

func TestSweep_NewCycleAfterPlaybackWarnsAgain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.completedAudio(t, "a1", "page-1", "user-1", days(160))

	_, err := f.sweeper.Sweep(context.Background(), core.DefaultSettings(), sweepNow)
	require.NoError(t, err)

	// Played right after the warning, then the new cycle nears its end.
	require.NoError(t, f.audio.RecordPlayback("a1", sweepNow.Add(time.Hour)))

	report, err := f.sweeper.Sweep(context.Background(), core.DefaultSettings(), sweepNow.Add(days(170)))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warned)
	assert.Len(t, f.notifier.Batches(), 2)
}

func TestSweep_PendingAndFailedRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.audio.Put(core.Audio{
		ID: "pending", PageID: "page-1", Voice: core.VoiceIvy, RequestedBy: "user-1",
		Status: core.StatusPending, Lifetime: core.LifetimeActive, CreatedAt: sweepNow.Add(-days(400)),
	})
	f.audio.Put(core.Audio{
		ID: "failed-old", PageID: "page-1", Voice: core.VoiceJoey, RequestedBy: "user-1",
		Status: core.StatusFailed, Lifetime: core.LifetimeActive, CreatedAt: sweepNow.Add(-days(400)),
	})
	f.audio.Put(core.Audio{
		ID: "failed-near", PageID: "page-1", Voice: core.VoiceKendra, RequestedBy: "user-1",
		Status: core.StatusFailed, Lifetime: core.LifetimeActive, CreatedAt: sweepNow.Add(-days(170)),
	})

	report, err := f.sweeper.Sweep(context.Background(), autoDelete(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Expired)
	assert.Zero(t, report.Warned, "failed audio is never warned about")

	assert.Equal(t, core.LifetimeActive, f.state(t, "pending").Lifetime)
	assert.Equal(t, core.LifetimeExpired, f.state(t, "failed-old").Lifetime)
	assert.Equal(t, core.LifetimeActive, f.state(t, "failed-near").Lifetime)
	assert.Equal(t, []core.AuditAction{core.ActionExpired}, f.actions())
	assert.Equal(t, "failed", f.audit.Entries()[0].Metadata[lifecycle.MetaReason])
}

func TestSweep_BatchesWarningsPerRecipient(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.completedAudio(t, "a1", "page-1", "user-1", days(160))
	f.completedAudio(t, "a2", "page-2", "user-1", days(170))
	f.completedAudio(t, "b1", "page-2", "user-2", days(175))

	report, err := f.sweeper.Sweep(context.Background(), core.DefaultSettings(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Warned)

	batches := f.notifier.Batches()
	require.Len(t, batches, 2)

	byRecipient := map[string][]core.ExpiryNotice{}
	for _, b := range batches {
		byRecipient[b.recipient] = b.notices
	}

	require.Len(t, byRecipient["user-1"], 2)
	require.Len(t, byRecipient["user-2"], 1)
	assert.Equal(t, "Tide Tables", byRecipient["user-2"][0].DocumentTitle)
	assert.Equal(t, 5, byRecipient["user-2"][0].DaysLeft)
}

func TestSweep_NotifierFailureStillMarksWarned(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.notifier.err = errMailDown
	f.completedAudio(t, "a1", "page-1", "user-1", days(160))

	report, err := f.sweeper.Sweep(context.Background(), core.DefaultSettings(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warned)
	require.NotNil(t, f.state(t, "a1").WarnedAt)
}

func TestSweep_NotificationsDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.completedAudio(t, "a1", "page-1", "user-1", days(160))

	settings := core.DefaultSettings()
	settings.NotificationsEnabled = false

	report, err := f.sweeper.Sweep(context.Background(), settings, sweepNow)
	require.NoError(t, err)
	assert.Zero(t, report.Warned)
	assert.Empty(t, f.notifier.Batches())
}

func TestSweep_RejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.notifier.entered = make(chan struct{})
	f.notifier.release = make(chan struct{})
	f.completedAudio(t, "a1", "page-1", "user-1", days(160))

	done := make(chan error, 1)

	go func() {
		_, err := f.sweeper.Sweep(context.Background(), core.DefaultSettings(), sweepNow)
		done <- err
	}()

	<-f.notifier.entered

	_, err := f.sweeper.Sweep(context.Background(), core.DefaultSettings(), sweepNow)
	require.ErrorIs(t, err, lifecycle.ErrSweepInProgress)

	close(f.notifier.release)
	require.NoError(t, <-done)
}

func TestSweep_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.completedAudio(t, "a1", "page-1", "user-1", days(300))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.sweeper.Sweep(ctx, autoDelete(), sweepNow)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, core.LifetimeActive, f.state(t, "a1").Lifetime)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	audio := f.completedAudio(t, "a1", "page-1", "user-1", days(1))

	err := f.remover.Remove(context.Background(), audio.ID, "user-2")
	require.ErrorIs(t, err, core.ErrForbidden)

	require.NoError(t, f.remover.Remove(context.Background(), audio.ID, "user-1"))

	stored := f.state(t, audio.ID)
	assert.Equal(t, core.LifetimeDeleted, stored.Lifetime)
	require.NotNil(t, stored.DeletedAt)
	assert.Empty(t, f.store.Keys())
	assert.Equal(t, []core.AuditAction{core.ActionDelete}, f.actions())
	assert.Equal(t, "user-1", f.audit.Entries()[0].Actor)

	err = f.remover.Remove(context.Background(), audio.ID, "user-1")
	require.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestRemove_DeletionFailureKeepsAudioActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, failingDeleteStore{MemoryStore: objectstore.NewMemory()})
	f.completedAudio(t, "a1", "page-1", "user-1", days(1))

	err := f.remover.Remove(context.Background(), "a1", "user-1")
	require.Error(t, err)
	assert.Equal(t, classify.KindAuthFailure, classify.Classify(err).Kind)
	assert.Equal(t, core.LifetimeActive, f.state(t, "a1").Lifetime)
	assert.Empty(t, f.audit.Entries())
}

func TestRemove_UnknownAudio(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	require.ErrorIs(t, f.remover.Remove(context.Background(), "missing", "user-1"), core.ErrNotFound)
}

func TestSweep_GuardHeldByAnotherProcess(t *testing.T) {
	t.Parallel()

	guard := &fakeGuard{held: true}
	f := newFixture(t, nil, func(deps *lifecycle.Dependencies) { deps.Guard = guard })
	f.completedAudio(t, "a1", "page-1", "user-1", days(160))

	_, err := f.sweeper.Sweep(context.Background(), core.DefaultSettings(), sweepNow)
	require.ErrorIs(t, err, lifecycle.ErrSweepInProgress)

	assert.Empty(t, f.notifier.Batches())
	assert.Nil(t, f.state(t, "a1").WarnedAt)
	assert.Empty(t, f.audit.Entries())
}

func TestSweep_ReleasesGuard(t *testing.T) {
	t.Parallel()

	guard := &fakeGuard{}
	f := newFixture(t, nil, func(deps *lifecycle.Dependencies) { deps.Guard = guard })
	f.completedAudio(t, "a1", "page-1", "user-1", days(160))

	report, err := f.sweeper.Sweep(context.Background(), core.DefaultSettings(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warned)

	_, err = f.sweeper.Sweep(context.Background(), core.DefaultSettings(), sweepNow)
	require.NoError(t, err)

	assert.Equal(t, 2, guard.acquired)
	assert.Equal(t, 2, guard.released)
	assert.Len(t, f.notifier.Batches(), 1)
}

func TestSweep_AbandonsStalePendingRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, func(deps *lifecycle.Dependencies) { deps.PendingTimeout = time.Hour })
	f.audio.Put(core.Audio{
		ID: "stale", PageID: "page-1", Voice: core.VoiceIvy, RequestedBy: "user-1",
		Status: core.StatusPending, Lifetime: core.LifetimeActive, CreatedAt: sweepNow.Add(-2 * time.Hour),
	})
	f.audio.Put(core.Audio{
		ID: "fresh", PageID: "page-1", Voice: core.VoiceJoey, RequestedBy: "user-1",
		Status: core.StatusPending, Lifetime: core.LifetimeActive, CreatedAt: sweepNow.Add(-10 * time.Minute),
	})

	report, err := f.sweeper.Sweep(context.Background(), core.DefaultSettings(), sweepNow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, 1, report.Skipped)

	stale := f.state(t, "stale")
	assert.Equal(t, core.StatusFailed, stale.Status)
	assert.Equal(t, core.LifetimeActive, stale.Lifetime)
	assert.Equal(t, classify.MessageUnavailable, stale.ErrorMessage)
	assert.Equal(t, core.StatusPending, f.state(t, "fresh").Status)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, core.ActionGenerate, entries[0].Action)
	assert.Equal(t, core.SystemActor, entries[0].Actor)
	assert.Equal(t, "abandoned", entries[0].Metadata[lifecycle.MetaReason])

	// The voice of the abandoned record can be requested again.
	err = f.audio.WithPageLock(context.Background(), "page-1", func(ctx context.Context, scope core.PageScope) error {
		live, err := scope.HasLive(ctx, core.VoiceIvy)
		require.NoError(t, err)
		assert.False(t, live)

		return nil
	})
	require.NoError(t, err)
}
