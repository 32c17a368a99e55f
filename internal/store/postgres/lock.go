package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
)

// SweepLockKey names the advisory lock held for the duration of an expiry sweep.
const SweepLockKey = "audio-expiry-sweep"

// AdvisoryLock is a session-level Postgres advisory lock. It is held on a
// dedicated connection, so every process sharing the database sees it.
type AdvisoryLock struct {
	db  *sql.DB
	key string
}

// NewAdvisoryLock creates a lock named key.
func NewAdvisoryLock(db *sql.DB, key string) *AdvisoryLock {
	return &AdvisoryLock{db: db, key: key}
}

// TryAcquire takes the lock without waiting. release unlocks it and returns
// the connection to the pool.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("db error: %w", err)
	}

	var acquired bool

	err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, l.key).
		Scan(&acquired)
	if err != nil {
		_ = conn.Close()

		return nil, false, fmt.Errorf("db error: %w", err)
	}

	if !acquired {
		_ = conn.Close()

		return nil, false, nil
	}

	releaseCtx := context.WithoutCancel(ctx)

	release := func() {
		_, unlockErr := conn.ExecContext(releaseCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, l.key)
		if unlockErr != nil {
			// A session that may still hold the lock must not go back to the pool.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}

		_ = conn.Close()
	}

	return release, true, nil
}
