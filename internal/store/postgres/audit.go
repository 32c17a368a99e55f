package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/audio-service/internal/core"
)

// AuditLog stores audit entries in the audio_audit_log table.
type AuditLog struct {
	db DBTX
}

// NewAuditLog creates an audit sink over db.
func NewAuditLog(db DBTX) *AuditLog {
	return &AuditLog{db: db}
}

// Append inserts one entry.
func (l *AuditLog) Append(ctx context.Context, entry core.AuditEntry) error {
	metadata, err := json.Marshal(metadataOrEmpty(entry.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audio_audit_log (id, actor, subject_id, subject_kind, action, created_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.Actor, entry.SubjectID, string(entry.SubjectKind), string(entry.Action),
		entry.Timestamp, metadata)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

// ListBetween returns entries with from <= timestamp < to, oldest first.
func (l *AuditLog) ListBetween(ctx context.Context, from, to time.Time) ([]core.AuditEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, actor, subject_id, subject_kind, action, created_at, metadata
		 FROM audio_audit_log
		 WHERE created_at >= $1 AND created_at < $2
		 ORDER BY created_at, id`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var entries []core.AuditEntry

	for rows.Next() {
		var (
			entry        core.AuditEntry
			kind, action string
			metadata     []byte
		)

		scanErr := rows.Scan(&entry.ID, &entry.Actor, &entry.SubjectID, &kind, &action, &entry.Timestamp, &metadata)
		if scanErr != nil {
			return nil, fmt.Errorf("db scan error: %w", scanErr)
		}

		entry.SubjectKind = core.SubjectKind(kind)
		entry.Action = core.AuditAction(action)

		if len(metadata) > 0 {
			unmarshalErr := json.Unmarshal(metadata, &entry.Metadata)
			if unmarshalErr != nil {
				return nil, fmt.Errorf("failed to decode metadata of audit entry %s: %w", entry.ID, unmarshalErr)
			}
		}

		entries = append(entries, entry)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("db rows error: %w", rowsErr)
	}

	return entries, nil
}

func metadataOrEmpty(metadata map[string]string) map[string]string {
	if metadata == nil {
		return map[string]string{}
	}

	return metadata
}
