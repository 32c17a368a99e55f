package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/audio-service/internal/core"
	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NatsWorker listens for generation jobs on a NATS subject and runs up to
// workers of them at once. Workers sharing a queue group split the jobs
// between them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	queue          string
	jobTimeout     time.Duration
	slots          chan struct{}
	inFlight       sync.WaitGroup
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject, queue string,
	workers int,
	jobTimeout time.Duration,
	log *logger.Logger,
) *NatsWorker {
	if workers < 1 {
		workers = 1
	}

	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		queue:          queue,
		jobTimeout:     jobTimeout,
		slots:          make(chan struct{}, workers),
		log:            log,
	}
}

// Run subscribes and hands every job to handler until ctx is done, then
// drains the subscription and waits for in-flight jobs to finish.
func (w *NatsWorker) Run(ctx context.Context, handler core.JobHandler) error {
	sub, err := w.natsConnection.QueueSubscribe(w.subject, w.queue, func(msg *nats.Msg) {
		// Blocking here holds back delivery while every slot is busy.
		w.slots <- struct{}{}

		w.inFlight.Add(1)

		go func() {
			defer w.inFlight.Done()
			defer func() { <-w.slots }()

			w.handleMessage(ctx, handler, msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Worker listening on %s (queue %s, %d slots)", w.subject, w.queue, cap(w.slots))

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	// The callback can still run until the drain completes.
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for sub.IsValid() {
		<-ticker.C
	}

	w.inFlight.Wait()

	return nil
}

func (w *NatsWorker) handleMessage(ctx context.Context, handler core.JobHandler, msg *nats.Msg) {
	job, err := parseJob(msg.Data)
	if err != nil {
		w.log.Error("Failed to parse generation job: %v", err)

		return
	}

	// Jobs already received finish even when shutdown starts.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.jobTimeout)
	defer cancel()

	result := JobResult{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: job.Header.WorkflowID,
			EventID:    uuid.NewString(),
			UserID:     job.Header.UserID,
			TenantID:   job.Header.TenantID,
		},
		AudioID: job.AudioID,
	}

	err = handler.Generate(jobCtx, job.AudioID)
	if err != nil {
		w.log.Error("Generation job for audio %s failed: %v", job.AudioID, err)
		result.Error = err.Error()
	}

	if msg.Reply == "" {
		return
	}

	err = w.publishReply(msg, &result)
	if err != nil {
		w.log.Error("Failed to publish reply for audio %s: %v", job.AudioID, err)
	}
}

func (w *NatsWorker) publishReply(msg *nats.Msg, result *JobResult) error {
	replyData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish job result: %w", err)
	}

	return nil
}

func parseJob(data []byte) (*GenerationJob, error) {
	var job GenerationJob

	err := json.Unmarshal(data, &job)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	if job.AudioID == "" {
		return nil, ErrAudioIDEmpty
	}

	return &job, nil
}
