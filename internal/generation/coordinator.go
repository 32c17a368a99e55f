// Package generation accepts audio generation requests and runs the
// generation jobs that synthesize, store and finalize them.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/book-expert/audio-service/internal/audit"
	"github.com/book-expert/audio-service/internal/classify"
	"github.com/book-expert/audio-service/internal/core"
	"github.com/book-expert/audio-service/internal/provider"
	"github.com/book-expert/audio-service/internal/provider/text"
	"github.com/book-expert/audio-service/internal/retry"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

// ErrNoText is returned for pages without any speakable text.
var ErrNoText = errors.New("page has no text to synthesize")

const (
	opSynthesize = "synthesize"
	opUpload     = "upload"
)

// Audit metadata keys.
const (
	MetaStatus    = "status"
	MetaAttempts  = "attempts"
	MetaErrorKind = "error_kind"
	MetaVoice     = "voice"
	MetaPageID    = "page_id"
)

// StorageKey is the object key of a generated audio file.
func StorageKey(audio *core.Audio, pageNumber int) string {
	return fmt.Sprintf("audios/document_%s/page_%d/%s_%s.mp3",
		audio.DocumentID, pageNumber, audio.ID, audio.Voice)
}

// Dependencies are the collaborators of a Coordinator.
type Dependencies struct {
	Audio       core.AudioRepository
	Pages       core.PageStore
	Synthesizer core.Synthesizer
	Store       core.ObjectStore
	Dispatcher  core.Dispatcher
	Recorder    *audit.Recorder
	Retries     *retry.Scheduler
	Text        *text.Preprocessor
	Log         *logger.Logger
}

// Coordinator admits generation requests and runs generation jobs.
type Coordinator struct {
	deps            Dependencies
	synthesisPolicy retry.Policy
	storagePolicy   retry.Policy
	now             func() time.Time
	newID           func() string
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithPolicies sets the retry policies of the synthesis and upload calls.
func WithPolicies(synthesis, storage retry.Policy) Option {
	return func(c *Coordinator) {
		c.synthesisPolicy = synthesis
		c.storagePolicy = storage
	}
}

// WithClock replaces the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithIDGenerator replaces the audio ID source.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) {
		c.newID = newID
	}
}

// New creates a Coordinator. A nil Text preprocessor selects the default
// chunk size.
func New(deps Dependencies, opts ...Option) *Coordinator {
	if deps.Text == nil {
		deps.Text = text.NewPreprocessor(text.DefaultMaxChars)
	}

	coordinator := &Coordinator{
		deps:            deps,
		synthesisPolicy: retry.DefaultPolicy(),
		storagePolicy:   retry.DefaultPolicy(),
		now:             time.Now,
		newID:           uuid.NewString,
	}

	for _, opt := range opts {
		opt(coordinator)
	}

	return coordinator
}

// RequestGeneration admits a request to synthesize pageID in voice for
// requesterID and hands the new PENDING record to the dispatcher. The
// duplicate and quota checks run under the page lock, so concurrent requests
// for one page are serialized. A dispatch failure is recorded on the returned
// record rather than returned.
func (c *Coordinator) RequestGeneration(
	ctx context.Context,
	settings core.Settings,
	pageID string,
	voice core.Voice,
	requesterID string,
) (*core.Audio, error) {
	audio, err := c.admit(ctx, settings, pageID, voice, requesterID)
	if err != nil {
		requestsTotal.WithLabelValues(requestResult(err)).Inc()

		return nil, err
	}

	requestsTotal.WithLabelValues(resultAccepted).Inc()
	c.deps.Log.Info("Accepted generation of page %s in voice %s for %s as audio %s",
		pageID, voice, requesterID, audio.ID)

	err = c.deps.Dispatcher.Dispatch(ctx, audio.ID)
	if err != nil {
		c.deps.Log.Error("Failed to dispatch audio %s: %v", audio.ID, err)

		failErr := c.fail(context.WithoutCancel(ctx), audio, err, 0)
		if failErr != nil {
			return nil, failErr
		}
	}

	return audio, nil
}

func (c *Coordinator) admit(
	ctx context.Context,
	settings core.Settings,
	pageID string,
	voice core.Voice,
	requesterID string,
) (*core.Audio, error) {
	if !settings.GenerationEnabled {
		return nil, fmt.Errorf("audio generation: %w", core.ErrFeatureDisabled)
	}

	if !voice.Valid() {
		return nil, fmt.Errorf("%w: '%s'", core.ErrUnsupportedVoice, voice)
	}

	page, err := c.deps.Pages.Page(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load page %s: %w", pageID, err)
	}

	audio := &core.Audio{
		ID:          c.newID(),
		PageID:      page.ID,
		DocumentID:  page.DocumentID,
		Voice:       voice,
		RequestedBy: requesterID,
		Status:      core.StatusPending,
		Lifetime:    core.LifetimeActive,
		CreatedAt:   c.now().UTC(),
	}

	err = c.deps.Audio.WithPageLock(ctx, page.ID, func(ctx context.Context, scope core.PageScope) error {
		live, err := scope.HasLive(ctx, voice)
		if err != nil {
			return fmt.Errorf("failed to check live audio: %w", err)
		}

		if live {
			return fmt.Errorf("page %s voice %s: %w", page.ID, voice, core.ErrDuplicateGeneration)
		}

		held, err := scope.CountHeld(ctx, requesterID)
		if err != nil {
			return fmt.Errorf("failed to count held audio: %w", err)
		}

		if held >= settings.QuotaPerPage {
			return fmt.Errorf("%d of %d held on page %s: %w", held, settings.QuotaPerPage, page.ID, core.ErrQuotaExceeded)
		}

		return scope.Insert(ctx, audio)
	})
	if err != nil {
		return nil, err
	}

	return audio, nil
}

// Generate runs the generation job of audioID. Records that are no longer
// PENDING and ACTIVE are left alone, so a redelivered job is harmless. It
// returns an error only when the outcome could not be persisted.
func (c *Coordinator) Generate(ctx context.Context, audioID string) error {
	audio, err := c.deps.Audio.Get(ctx, audioID)
	if err != nil {
		return fmt.Errorf("failed to load audio %s: %w", audioID, err)
	}

	if audio.Status != core.StatusPending || audio.Lifetime != core.LifetimeActive {
		c.deps.Log.Info("Skipping generation of audio %s in state %s/%s", audio.ID, audio.Status, audio.Lifetime)

		return nil
	}

	start := time.Now()
	defer func() {
		durationSeconds.Observe(time.Since(start).Seconds())
	}()

	// The outcome is persisted even when the job context ends mid-flight.
	persistCtx := context.WithoutCancel(ctx)

	page, err := c.deps.Pages.Page(ctx, audio.PageID)
	if err != nil {
		return c.fail(persistCtx, audio, fmt.Errorf("failed to load page %s: %w", audio.PageID, err), 0)
	}

	data, attempts, err := c.synthesize(ctx, audio, page)
	if err != nil {
		return c.fail(persistCtx, audio, err, attempts)
	}

	key := StorageKey(audio, page.Number)

	_, err = retry.Execute(ctx, c.deps.Retries, c.storagePolicy, opUpload,
		func(ctx context.Context, _ retry.Attempt) (struct{}, error) {
			return struct{}{}, c.deps.Store.Upload(ctx, key, data)
		})
	if err != nil {
		c.discard(persistCtx, key)

		return c.fail(persistCtx, audio, err, attempts)
	}

	err = c.deps.Audio.CompleteGeneration(persistCtx, audio.ID, key)
	if errors.Is(err, core.ErrInvalidTransition) {
		c.discard(persistCtx, key)
		c.deps.Log.Info("Audio %s was settled while generating, discarded %s", audio.ID, key)

		return nil
	}

	if err != nil {
		c.discard(persistCtx, key)

		return fmt.Errorf("failed to complete audio %s: %w", audio.ID, err)
	}

	jobsTotal.WithLabelValues(string(core.StatusCompleted)).Inc()
	c.deps.Log.Info("Generated audio %s (%d bytes) at %s", audio.ID, len(data), key)
	c.record(persistCtx, audio, core.StatusCompleted, attempts, "")

	return nil
}

// synthesize converts the page text chunk by chunk and joins the audio. It
// returns the number of provider calls made.
func (c *Coordinator) synthesize(ctx context.Context, audio *core.Audio, page *core.Page) ([]byte, int, error) {
	chunks := c.deps.Text.Chunk(page.Text)
	if len(chunks) == 0 {
		return nil, 0, &classify.ServiceError{
			Op:   opSynthesize,
			Kind: classify.KindInvalidInput,
			Err:  fmt.Errorf("page %s: %w", page.ID, ErrNoText),
		}
	}

	attempts := 0
	parts := make([][]byte, 0, len(chunks))

	for i, chunk := range chunks {
		part, err := retry.Execute(ctx, c.deps.Retries, c.synthesisPolicy, opSynthesize,
			func(ctx context.Context, _ retry.Attempt) ([]byte, error) {
				attempts++

				return c.deps.Synthesizer.Synthesize(ctx, chunk, audio.Voice)
			})
		if err != nil {
			return nil, attempts, fmt.Errorf("chunk %d of %d: %w", i+1, len(chunks), err)
		}

		parts = append(parts, part)
	}

	return provider.JoinMP3(parts), attempts, nil
}

func (c *Coordinator) fail(ctx context.Context, audio *core.Audio, cause error, attempts int) error {
	class := classOf(cause)

	if class.Kind == classify.KindAuthFailure {
		c.deps.Log.Error("Audio %s failed on a credentials or configuration problem, operator action required: %v",
			audio.ID, cause)
	} else {
		c.deps.Log.Warn("Audio %s failed [%s]: %v", audio.ID, class.Kind, cause)
	}

	jobsTotal.WithLabelValues(string(core.StatusFailed)).Inc()

	err := c.deps.Audio.FailGeneration(ctx, audio.ID, class.UserMessage)
	if err != nil {
		return fmt.Errorf("failed to record failure of audio %s: %w", audio.ID, err)
	}

	audio.Status = core.StatusFailed
	audio.ErrorMessage = class.UserMessage
	c.record(ctx, audio, core.StatusFailed, attempts, class.Kind)

	return nil
}

func (c *Coordinator) discard(ctx context.Context, key string) {
	err := c.deps.Store.Delete(ctx, key)
	if err != nil {
		c.deps.Log.Warn("Failed to remove partial upload %s: %v", key, err)
	}
}

func (c *Coordinator) record(
	ctx context.Context,
	audio *core.Audio,
	status core.GenerationStatus,
	attempts int,
	kind classify.Kind,
) {
	metadata := map[string]string{
		MetaStatus:   string(status),
		MetaAttempts: strconv.Itoa(attempts),
		MetaVoice:    string(audio.Voice),
		MetaPageID:   audio.PageID,
	}
	if kind != "" {
		metadata[MetaErrorKind] = string(kind)
	}

	// Logged by the recorder.
	_ = c.deps.Recorder.Record(ctx, audio.RequestedBy, audio.ID, core.SubjectAudio, core.ActionGenerate, metadata)
}

// classOf prefers the classification settled by the retry loop.
func classOf(err error) classify.Classification {
	var retryErr *retry.Error
	if errors.As(err, &retryErr) {
		return retryErr.Class
	}

	return classify.Classify(err)
}
