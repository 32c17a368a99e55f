// Package notify delivers batched expiry warnings.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/audio-service/internal/core"
	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ErrRecipientEmpty indicates a warning without a recipient.
var ErrRecipientEmpty = errors.New("recipient cannot be empty")

// WarningBatch is the message published for one recipient. A mailer
// subscribed to the subject renders and sends it.
type WarningBatch struct {
	Header      events.EventHeader  `json:"header"`
	RecipientID string              `json:"recipient_id"`
	Notices     []core.ExpiryNotice `json:"notices"`
}

// NatsNotifier publishes warning batches on a NATS subject.
type NatsNotifier struct {
	natsConnection *nats.Conn
	subject        string
}

// NewNatsNotifier creates a notifier publishing on subject.
func NewNatsNotifier(natsConnection *nats.Conn, subject string) *NatsNotifier {
	return &NatsNotifier{natsConnection: natsConnection, subject: subject}
}

// SendBatchWarning publishes one batch for recipientID.
func (n *NatsNotifier) SendBatchWarning(ctx context.Context, recipientID string, notices []core.ExpiryNotice) error {
	if recipientID == "" {
		return ErrRecipientEmpty
	}

	batch := WarningBatch{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
			UserID:     recipientID,
			TenantID:   "",
		},
		RecipientID: recipientID,
		Notices:     notices,
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal warning batch: %w", err)
	}

	err = n.natsConnection.Publish(n.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish warning batch for %s: %w", recipientID, err)
	}

	err = n.natsConnection.FlushWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to flush warning batch for %s: %w", recipientID, err)
	}

	return nil
}

// LogNotifier writes warning batches to the log. It is used when no message
// bus is configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// SendBatchWarning logs one line per batch.
func (n *LogNotifier) SendBatchWarning(_ context.Context, recipientID string, notices []core.ExpiryNotice) error {
	if recipientID == "" {
		return ErrRecipientEmpty
	}

	n.log.Info("Expiry warning for %s: %s", recipientID, Summary(notices))

	return nil
}

// Summary renders notices as one human readable line.
func Summary(notices []core.ExpiryNotice) string {
	parts := make([]string, 0, len(notices))

	for _, notice := range notices {
		title := notice.DocumentTitle
		if title == "" {
			title = "untitled document"
		}

		unit := "days"
		if notice.DaysLeft == 1 {
			unit = "day"
		}

		parts = append(parts, fmt.Sprintf("%s (%s) expires in %d %s", title, notice.Voice, notice.DaysLeft, unit))
	}

	return strings.Join(parts, "; ")
}
