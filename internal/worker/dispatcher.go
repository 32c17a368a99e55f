package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsDispatcher publishes generation jobs for NatsWorker instances.
type NatsDispatcher struct {
	natsConnection *nats.Conn
	subject        string
}

// NewNatsDispatcher creates a dispatcher publishing on subject.
func NewNatsDispatcher(natsConnection *nats.Conn, subject string) *NatsDispatcher {
	return &NatsDispatcher{natsConnection: natsConnection, subject: subject}
}

// Dispatch publishes the job of audioID and flushes so a lost connection is
// reported to the caller.
func (d *NatsDispatcher) Dispatch(ctx context.Context, audioID string) error {
	if audioID == "" {
		return ErrAudioIDEmpty
	}

	data, err := json.Marshal(NewGenerationJob(audioID))
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = d.natsConnection.Publish(d.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish job for audio %s: %w", audioID, err)
	}

	err = d.natsConnection.FlushWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to flush job for audio %s: %w", audioID, err)
	}

	return nil
}
