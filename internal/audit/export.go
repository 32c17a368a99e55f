package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/audio-service/internal/core"
	"github.com/book-expert/logger"
)

// ExportKey is the object key of the archive for one month.
func ExportKey(year int, month time.Month) string {
	return fmt.Sprintf("audit-logs/%04d/%02d/audit-logs-%04d-%02d.jsonl", year, int(month), year, int(month))
}

// Exporter archives a month of audit entries as JSON Lines in object storage.
type Exporter struct {
	sink  core.AuditSink
	store core.ObjectStore
	log   *logger.Logger
}

// NewExporter creates an Exporter.
func NewExporter(sink core.AuditSink, store core.ObjectStore, log *logger.Logger) *Exporter {
	return &Exporter{sink: sink, store: store, log: log}
}

// ExportMonth writes every entry of the given UTC month to ExportKey and
// returns the key and the number of entries written. An empty month still
// produces an empty archive so a rerun is observable.
func (e *Exporter) ExportMonth(ctx context.Context, year int, month time.Month) (string, int, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	entries, err := e.sink.ListBetween(ctx, from, to)
	if err != nil {
		return "", 0, fmt.Errorf("failed to list audit entries for %04d-%02d: %w", year, int(month), err)
	}

	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	for _, entry := range entries {
		err = encoder.Encode(entry)
		if err != nil {
			return "", 0, fmt.Errorf("failed to encode audit entry %s: %w", entry.ID, err)
		}
	}

	key := ExportKey(year, month)

	err = e.store.Upload(ctx, key, buf.Bytes())
	if err != nil {
		return "", 0, fmt.Errorf("failed to upload audit export %s: %w", key, err)
	}

	e.log.Info("Exported %d audit entries to %s", len(entries), key)

	return key, len(entries), nil
}

// ExportPreviousMonth exports the calendar month before now.
func (e *Exporter) ExportPreviousMonth(ctx context.Context, now time.Time) (string, int, error) {
	current := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	previous := current.AddDate(0, -1, 0)

	return e.ExportMonth(ctx, previous.Year(), previous.Month())
}
