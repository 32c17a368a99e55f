package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/audio-service/internal/core"
)

// Remover deletes audio on request of its requester.
type Remover struct {
	deps Dependencies
	now  func() time.Time
}

// NewRemover creates a Remover.
func NewRemover(deps Dependencies) *Remover {
	return &Remover{deps: deps, now: time.Now}
}

// Remove deletes the blob of audioID and marks it DELETED. Only the requester
// may remove an audio. When the blob cannot be deleted the record stays
// ACTIVE and the classified error is returned.
func (r *Remover) Remove(ctx context.Context, audioID, actorID string) error {
	audio, err := r.deps.Audio.Get(ctx, audioID)
	if err != nil {
		removalsTotal.WithLabelValues("error").Inc()

		return fmt.Errorf("failed to load audio %s: %w", audioID, err)
	}

	if audio.RequestedBy != actorID {
		removalsTotal.WithLabelValues("forbidden").Inc()

		return fmt.Errorf("%s may not remove audio %s: %w", actorID, audioID, core.ErrForbidden)
	}

	if audio.Lifetime != core.LifetimeActive {
		removalsTotal.WithLabelValues("error").Inc()

		return fmt.Errorf("audio %s is %s: %w", audioID, audio.Lifetime, core.ErrInvalidTransition)
	}

	if audio.StorageKey != "" {
		err = deleteWithRetry(ctx, r.deps, audio.StorageKey)
		if err != nil {
			removalsTotal.WithLabelValues("error").Inc()
			r.deps.Log.Error("Failed to delete blob %s of audio %s: %v", audio.StorageKey, audio.ID, err)

			return fmt.Errorf("failed to delete audio %s: %w", audioID, err)
		}
	}

	err = r.deps.Audio.MarkDeleted(ctx, audio.ID, r.now().UTC())
	if err != nil {
		removalsTotal.WithLabelValues("error").Inc()

		return fmt.Errorf("failed to mark audio %s deleted: %w", audioID, err)
	}

	removalsTotal.WithLabelValues("ok").Inc()
	r.deps.Log.Info("Audio %s removed by %s", audio.ID, actorID)

	metadata := map[string]string{}
	if audio.StorageKey != "" {
		metadata[MetaStorageKey] = audio.StorageKey
	}

	_ = r.deps.Recorder.Record(ctx, actorID, audio.ID, core.SubjectAudio, core.ActionDelete, metadata)

	return nil
}
