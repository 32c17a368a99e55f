// Package worker runs generation jobs: in process on a bounded pool, or across
// processes through a NATS queue group.
package worker

import (
	"errors"
	"time"

	"github.com/book-expert/events"
	"github.com/google/uuid"
)

// DefaultJobTimeout bounds one generation job.
const DefaultJobTimeout = 10 * time.Minute

const drainPollInterval = 10 * time.Millisecond

var (
	// ErrPoolClosed indicates the pool no longer accepts jobs.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrAudioIDEmpty indicates a job without an audio ID.
	ErrAudioIDEmpty = errors.New("audio id cannot be empty")
)

// GenerationJob is the message that asks a worker to generate one audio.
type GenerationJob struct {
	Header  events.EventHeader `json:"header"`
	AudioID string             `json:"audio_id"`
}

// JobResult is the reply to a job published as a request.
type JobResult struct {
	Header  events.EventHeader `json:"header"`
	AudioID string             `json:"audio_id"`
	Error   string             `json:"error,omitempty"`
}

// NewGenerationJob creates a job for audioID. The audio ID doubles as the
// workflow ID so every message about one audio correlates.
func NewGenerationJob(audioID string) GenerationJob {
	return GenerationJob{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: audioID,
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		AudioID: audioID,
	}
}
