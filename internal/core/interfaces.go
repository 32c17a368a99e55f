package core

import (
	"context"
	"time"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
// Delete of a missing key succeeds.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Synthesizer converts text into encoded speech audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
}

// Notifier delivers one batched expiry warning to a recipient.
type Notifier interface {
	SendBatchWarning(ctx context.Context, recipientID string, notices []ExpiryNotice) error
}

// PageStore reads pages owned by the external document store.
type PageStore interface {
	Page(ctx context.Context, pageID string) (*Page, error)
}

// PageScope is the set of operations allowed while holding a page lock.
type PageScope interface {
	HasLive(ctx context.Context, voice Voice) (bool, error)
	CountHeld(ctx context.Context, requesterID string) (int, error)
	Insert(ctx context.Context, audio *Audio) error
}

// AudioRepository persists audio records and their state transitions.
// Every transition is conditional on the source state and returns
// ErrInvalidTransition when the record is not in it.
type AudioRepository interface {
	// WithPageLock runs fn while holding the exclusive lock of the page.
	WithPageLock(ctx context.Context, pageID string, fn func(ctx context.Context, scope PageScope) error) error
	Get(ctx context.Context, audioID string) (*Audio, error)
	// CompleteGeneration moves a PENDING record to COMPLETED with its storage key.
	CompleteGeneration(ctx context.Context, audioID, storageKey string) error
	// FailGeneration moves a PENDING record to FAILED with a sanitized message.
	FailGeneration(ctx context.Context, audioID, message string) error
	// MarkExpired moves an ACTIVE record to EXPIRED.
	MarkExpired(ctx context.Context, audioID string, at time.Time) error
	// MarkDeleted moves an ACTIVE record to DELETED.
	MarkDeleted(ctx context.Context, audioID string, at time.Time) error
	// MarkWarned records that an expiry warning was issued for an ACTIVE record.
	MarkWarned(ctx context.Context, audioID string, at time.Time) error
	ListActive(ctx context.Context) ([]Audio, error)
}

// AuditSink is the append-only store of audit entries.
type AuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
	// ListBetween returns entries with from <= timestamp < to, oldest first.
	ListBetween(ctx context.Context, from, to time.Time) ([]AuditEntry, error)
}

// Dispatcher hands a pending audio to an asynchronous executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, audioID string) error
}

// JobHandler runs one generation job on an executor.
type JobHandler interface {
	Generate(ctx context.Context, audioID string) error
}

// ExclusiveLock is a lock shared by every process working on the same store.
// TryAcquire does not wait: ok is false when another holder has it.
type ExclusiveLock interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}
