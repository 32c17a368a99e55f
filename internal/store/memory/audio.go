// Package memory provides in-process implementations of the service's
// repositories, used by the standalone mode and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/audio-service/internal/core"
)

// AudioRepository keeps audio records in memory. Page locks are per-page
// semaphores so waiting for one honors context cancellation.
type AudioRepository struct {
	mu     sync.RWMutex
	audios map[string]*core.Audio

	locksMu   sync.Mutex
	pageLocks map[string]chan struct{}
}

// NewAudioRepository creates an empty repository.
func NewAudioRepository() *AudioRepository {
	return &AudioRepository{
		mu:        sync.RWMutex{},
		audios:    make(map[string]*core.Audio),
		locksMu:   sync.Mutex{},
		pageLocks: make(map[string]chan struct{}),
	}
}

func (r *AudioRepository) pageLock(pageID string) chan struct{} {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	lock, ok := r.pageLocks[pageID]
	if !ok {
		lock = make(chan struct{}, 1)
		r.pageLocks[pageID] = lock
	}

	return lock
}

// WithPageLock runs fn while holding the page's exclusive lock.
func (r *AudioRepository) WithPageLock(
	ctx context.Context,
	pageID string,
	fn func(ctx context.Context, scope core.PageScope) error,
) error {
	lock := r.pageLock(pageID)

	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("failed to acquire lock for page %s: %w", pageID, ctx.Err())
	}

	defer func() { <-lock }()

	return fn(ctx, &pageScope{repo: r, pageID: pageID})
}

// Put stores a copy of audio, replacing any record with the same ID.
func (r *AudioRepository) Put(audio core.Audio) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.audios[audio.ID] = &audio
}

// RecordPlayback sets the last playback time, as the web layer does.
func (r *AudioRepository) RecordPlayback(audioID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	audio, ok := r.audios[audioID]
	if !ok {
		return fmt.Errorf("audio %s: %w", audioID, core.ErrNotFound)
	}

	audio.LastPlayedAt = &at

	return nil
}

// Get returns a copy of the audio record.
func (r *AudioRepository) Get(_ context.Context, audioID string) (*core.Audio, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	audio, ok := r.audios[audioID]
	if !ok {
		return nil, fmt.Errorf("audio %s: %w", audioID, core.ErrNotFound)
	}

	clone := *audio

	return &clone, nil
}

// CompleteGeneration moves a PENDING record to COMPLETED. A record removed
// while it was generating stays without a key.
func (r *AudioRepository) CompleteGeneration(_ context.Context, audioID, storageKey string) error {
	return r.transition(audioID, func(audio *core.Audio) bool {
		if audio.Status != core.StatusPending || audio.Lifetime != core.LifetimeActive {
			return false
		}

		audio.Status = core.StatusCompleted
		audio.StorageKey = storageKey
		audio.ErrorMessage = ""

		return true
	})
}

// FailGeneration moves a PENDING record to FAILED.
func (r *AudioRepository) FailGeneration(_ context.Context, audioID, message string) error {
	return r.transition(audioID, func(audio *core.Audio) bool {
		if audio.Status != core.StatusPending {
			return false
		}

		audio.Status = core.StatusFailed
		audio.ErrorMessage = message

		return true
	})
}

// MarkExpired moves an ACTIVE record to EXPIRED.
func (r *AudioRepository) MarkExpired(_ context.Context, audioID string, at time.Time) error {
	return r.transition(audioID, func(audio *core.Audio) bool {
		if audio.Lifetime != core.LifetimeActive {
			return false
		}

		audio.Lifetime = core.LifetimeExpired
		audio.ExpiredAt = &at

		return true
	})
}

// MarkDeleted moves an ACTIVE record to DELETED.
func (r *AudioRepository) MarkDeleted(_ context.Context, audioID string, at time.Time) error {
	return r.transition(audioID, func(audio *core.Audio) bool {
		if audio.Lifetime != core.LifetimeActive {
			return false
		}

		audio.Lifetime = core.LifetimeDeleted
		audio.DeletedAt = &at

		return true
	})
}

// MarkWarned records an expiry warning on an ACTIVE record.
func (r *AudioRepository) MarkWarned(_ context.Context, audioID string, at time.Time) error {
	return r.transition(audioID, func(audio *core.Audio) bool {
		if audio.Lifetime != core.LifetimeActive {
			return false
		}

		audio.WarnedAt = &at

		return true
	})
}

// ListActive returns copies of every ACTIVE record, oldest first.
func (r *AudioRepository) ListActive(_ context.Context) ([]core.Audio, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]core.Audio, 0, len(r.audios))

	for _, audio := range r.audios {
		if audio.Lifetime == core.LifetimeActive {
			active = append(active, *audio)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}

		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	return active, nil
}

func (r *AudioRepository) transition(audioID string, apply func(audio *core.Audio) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	audio, ok := r.audios[audioID]
	if !ok {
		return fmt.Errorf("audio %s: %w", audioID, core.ErrNotFound)
	}

	if !apply(audio) {
		return fmt.Errorf("audio %s in %s/%s: %w", audioID, audio.Status, audio.Lifetime, core.ErrInvalidTransition)
	}

	return nil
}

type pageScope struct {
	repo   *AudioRepository
	pageID string
}

func (s *pageScope) HasLive(_ context.Context, voice core.Voice) (bool, error) {
	s.repo.mu.RLock()
	defer s.repo.mu.RUnlock()

	for _, audio := range s.repo.audios {
		if audio.PageID == s.pageID && audio.Voice == voice && audio.IsLive() {
			return true, nil
		}
	}

	return false, nil
}

func (s *pageScope) CountHeld(_ context.Context, requesterID string) (int, error) {
	s.repo.mu.RLock()
	defer s.repo.mu.RUnlock()

	held := 0

	for _, audio := range s.repo.audios {
		if audio.PageID == s.pageID && audio.RequestedBy == requesterID && audio.HoldsQuota() {
			held++
		}
	}

	return held, nil
}

func (s *pageScope) Insert(_ context.Context, audio *core.Audio) error {
	if audio.PageID != s.pageID {
		return fmt.Errorf("audio for page %s inserted under lock of page %s: %w",
			audio.PageID, s.pageID, core.ErrInvalidTransition)
	}

	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()

	if _, exists := s.repo.audios[audio.ID]; exists {
		return fmt.Errorf("audio %s already exists: %w", audio.ID, core.ErrDuplicateGeneration)
	}

	clone := *audio
	s.repo.audios[audio.ID] = &clone

	return nil
}
