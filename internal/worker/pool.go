package worker

import (
	"context"
	"sync"
	"time"

	"github.com/book-expert/audio-service/internal/core"
	"github.com/book-expert/logger"
)

// Pool runs generation jobs in process on a bounded number of goroutines.
type Pool struct {
	jobs       chan string
	workers    int
	jobTimeout time.Duration
	closed     chan struct{}
	closeOnce  sync.Once
	log        *logger.Logger
}

// NewPool creates a pool running at most workers jobs at once with room for
// queueSize waiting jobs.
func NewPool(workers, queueSize int, jobTimeout time.Duration, log *logger.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}

	if queueSize < 0 {
		queueSize = 0
	}

	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}

	return &Pool{
		jobs:       make(chan string, queueSize),
		workers:    workers,
		jobTimeout: jobTimeout,
		closed:     make(chan struct{}),
		log:        log,
	}
}

// Dispatch queues the job of audioID. It blocks while the queue is full.
func (p *Pool) Dispatch(ctx context.Context, audioID string) error {
	if audioID == "" {
		return ErrAudioIDEmpty
	}

	select {
	case <-p.closed:
		return ErrPoolClosed
	default:
	}

	select {
	case p.jobs <- audioID:
		return nil
	case <-p.closed:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued jobs with handler until ctx is done. It then stops
// accepting jobs and waits for the running ones. Jobs still queued are
// dropped and stay PENDING.
func (p *Pool) Run(ctx context.Context, handler core.JobHandler) error {
	var waitGroup sync.WaitGroup

	workerPool := make(chan struct{}, p.workers)

	defer func() {
		p.closeOnce.Do(func() { close(p.closed) })
		waitGroup.Wait()

		if dropped := len(p.jobs); dropped > 0 {
			p.log.Warn("Worker pool stopped with %d queued jobs", dropped)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case audioID := <-p.jobs:
			select {
			case workerPool <- struct{}{}:
			case <-ctx.Done():
				p.log.Warn("Worker pool stopping, job for audio %s not started", audioID)

				return nil
			}

			waitGroup.Add(1)

			go func() {
				defer waitGroup.Done()
				defer func() { <-workerPool }()

				p.run(ctx, handler, audioID)
			}()
		}
	}
}

func (p *Pool) run(ctx context.Context, handler core.JobHandler, audioID string) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.jobTimeout)
	defer cancel()

	err := handler.Generate(jobCtx, audioID)
	if err != nil {
		p.log.Error("Generation job for audio %s failed: %v", audioID, err)
	}
}
