package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/audio-service/internal/core"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const audioColumns = `id, page_id, document_id, voice, requested_by, generation_status, lifetime_status,
	storage_key, error_message, created_at, last_played_at, warned_at, expired_at, deleted_at`

// AudioRepository stores audio records in the audio table.
type AudioRepository struct {
	db *sql.DB
}

// NewAudioRepository creates a repository over db.
func NewAudioRepository(db *sql.DB) *AudioRepository {
	return &AudioRepository{db: db}
}

// WithPageLock runs fn inside a transaction holding a transaction-scoped
// advisory lock keyed by the page ID.
func (r *AudioRepository) WithPageLock(
	ctx context.Context,
	pageID string,
	fn func(ctx context.Context, scope core.PageScope) error,
) error {
	return WithTx(ctx, r.db, nil, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, pageID)
		if err != nil {
			return fmt.Errorf("failed to lock page %s: %w", pageID, err)
		}

		return fn(ctx, &pageScope{tx: tx, pageID: pageID})
	})
}

// Get returns the audio record.
func (r *AudioRepository) Get(ctx context.Context, audioID string) (*core.Audio, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+audioColumns+` FROM audio WHERE id = $1`, audioID)

	audio, err := scanAudio(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("audio %s: %w", audioID, core.ErrNotFound)
		}

		return nil, fmt.Errorf("db error: %w", err)
	}

	return audio, nil
}

// CompleteGeneration moves a PENDING record to COMPLETED. A record removed
// while it was generating stays without a key.
func (r *AudioRepository) CompleteGeneration(ctx context.Context, audioID, storageKey string) error {
	return r.transition(ctx, audioID,
		`UPDATE audio SET generation_status = 'COMPLETED', storage_key = $2, error_message = ''
		 WHERE id = $1 AND generation_status = 'PENDING' AND lifetime_status = 'ACTIVE'`,
		audioID, storageKey)
}

// FailGeneration moves a PENDING record to FAILED.
func (r *AudioRepository) FailGeneration(ctx context.Context, audioID, message string) error {
	return r.transition(ctx, audioID,
		`UPDATE audio SET generation_status = 'FAILED', error_message = $2
		 WHERE id = $1 AND generation_status = 'PENDING'`,
		audioID, message)
}

// MarkExpired moves an ACTIVE record to EXPIRED.
func (r *AudioRepository) MarkExpired(ctx context.Context, audioID string, at time.Time) error {
	return r.transition(ctx, audioID,
		`UPDATE audio SET lifetime_status = 'EXPIRED', expired_at = $2
		 WHERE id = $1 AND lifetime_status = 'ACTIVE'`,
		audioID, at)
}

// MarkDeleted moves an ACTIVE record to DELETED.
func (r *AudioRepository) MarkDeleted(ctx context.Context, audioID string, at time.Time) error {
	return r.transition(ctx, audioID,
		`UPDATE audio SET lifetime_status = 'DELETED', deleted_at = $2
		 WHERE id = $1 AND lifetime_status = 'ACTIVE'`,
		audioID, at)
}

// MarkWarned records an expiry warning on an ACTIVE record.
func (r *AudioRepository) MarkWarned(ctx context.Context, audioID string, at time.Time) error {
	return r.transition(ctx, audioID,
		`UPDATE audio SET warned_at = $2
		 WHERE id = $1 AND lifetime_status = 'ACTIVE'`,
		audioID, at)
}

// ListActive returns every ACTIVE record, oldest first.
func (r *AudioRepository) ListActive(ctx context.Context) ([]core.Audio, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+audioColumns+` FROM audio WHERE lifetime_status = 'ACTIVE' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var active []core.Audio

	for rows.Next() {
		audio, scanErr := scanAudio(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("db scan error: %w", scanErr)
		}

		active = append(active, *audio)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("db rows error: %w", rowsErr)
	}

	return active, nil
}

func (r *AudioRepository) transition(ctx context.Context, audioID, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	if affected > 0 {
		return nil
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM audio WHERE id = $1)`, audioID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	if !exists {
		return fmt.Errorf("audio %s: %w", audioID, core.ErrNotFound)
	}

	return fmt.Errorf("audio %s: %w", audioID, core.ErrInvalidTransition)
}

type pageScope struct {
	tx     DBTX
	pageID string
}

func (s *pageScope) HasLive(ctx context.Context, voice core.Voice) (bool, error) {
	var live bool

	err := s.tx.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM audio
			WHERE page_id = $1 AND voice = $2 AND lifetime_status = 'ACTIVE'
			  AND generation_status IN ('PENDING', 'COMPLETED'))`,
		s.pageID, string(voice)).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}

	return live, nil
}

func (s *pageScope) CountHeld(ctx context.Context, requesterID string) (int, error) {
	var held int

	err := s.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audio
		 WHERE page_id = $1 AND requested_by = $2 AND lifetime_status = 'ACTIVE'
		   AND generation_status <> 'FAILED'`,
		s.pageID, requesterID).Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return held, nil
}

func (s *pageScope) Insert(ctx context.Context, audio *core.Audio) error {
	if audio.PageID != s.pageID {
		return fmt.Errorf("audio for page %s inserted under lock of page %s: %w",
			audio.PageID, s.pageID, core.ErrInvalidTransition)
	}

	_, err := s.tx.ExecContext(ctx,
		`INSERT INTO audio (id, page_id, document_id, voice, requested_by, generation_status, lifetime_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		audio.ID, audio.PageID, audio.DocumentID, string(audio.Voice), audio.RequestedBy,
		string(audio.Status), string(audio.Lifetime), audio.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("audio for page %s voice %s: %w", audio.PageID, audio.Voice, core.ErrDuplicateGeneration)
		}

		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAudio(row scanner) (*core.Audio, error) {
	var (
		audio                                    core.Audio
		voice, status, lifetime                  string
		lastPlayed, warned, expired, deletedTime sql.NullTime
	)

	err := row.Scan(
		&audio.ID, &audio.PageID, &audio.DocumentID, &voice, &audio.RequestedBy, &status, &lifetime,
		&audio.StorageKey, &audio.ErrorMessage, &audio.CreatedAt, &lastPlayed, &warned, &expired, &deletedTime,
	)
	if err != nil {
		return nil, err
	}

	audio.Voice = core.Voice(voice)
	audio.Status = core.GenerationStatus(status)
	audio.Lifetime = core.LifetimeStatus(lifetime)
	audio.LastPlayedAt = timePtr(lastPlayed)
	audio.WarnedAt = timePtr(warned)
	audio.ExpiredAt = timePtr(expired)
	audio.DeletedAt = timePtr(deletedTime)

	return &audio, nil
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	t := value.Time

	return &t
}
