package core

import "time"

// AuditAction names an auditable event.
type AuditAction string

// Audit actions.
const (
	ActionGenerate       AuditAction = "GENERATE"
	ActionDelete         AuditAction = "DELETE"
	ActionExpired        AuditAction = "EXPIRED"
	ActionExpiredDeleted AuditAction = "EXPIRED_DELETED"
	ActionWarningIssued  AuditAction = "WARNING_ISSUED"
)

// SubjectKind names the type of record an audit entry is about.
type SubjectKind string

// Subject kinds.
const (
	SubjectAudio    SubjectKind = "audio"
	SubjectDocument SubjectKind = "document"
)

// SystemActor is the actor recorded for actions taken by the service itself.
const SystemActor = "system"

// AuditEntry is one immutable audit log record.
type AuditEntry struct {
	ID          string            `json:"id"`
	Actor       string            `json:"actor"`
	SubjectID   string            `json:"subjectId"`
	SubjectKind SubjectKind       `json:"subjectKind"`
	Action      AuditAction       `json:"action"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
