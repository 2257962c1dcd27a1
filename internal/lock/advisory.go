// Package lock provides MySQL advisory locks that keep one process per
// scraper identity.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrLockHeld is returned when another process holds the lock.
var ErrLockHeld = errors.New("lock is held by another instance")

// TimeoutImmediate makes GET_LOCK fail at once when the lock is taken.
const TimeoutImmediate = 0

const releaseTimeout = 5 * time.Second

// AdvisoryLock is a named MySQL GET_LOCK lock. MySQL ties the lock to the
// session that took it, so the lock pins a dedicated connection from the pool
// between acquire and release.
type AdvisoryLock struct {
	db       *sql.DB
	conn     *sql.Conn
	lockName string
}

// NewAdvisoryLock creates a lock with the given name. Nothing is acquired yet.
func NewAdvisoryLock(db *sql.DB, lockName string) *AdvisoryLock {
	return &AdvisoryLock{db: db, lockName: lockName}
}

// acquire waits up to timeoutSeconds for the lock.
// It reports false without error when the wait timed out.
func (a *AdvisoryLock) acquire(ctx context.Context, timeoutSeconds int) (bool, error) {
	if a.conn != nil {
		return true, nil
	}

	conn, err := a.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to reserve connection for lock %q: %w", a.lockName, err)
	}

	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", a.lockName, timeoutSeconds).Scan(&result); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("failed to execute GET_LOCK: %w", err)
	}

	if !result.Valid {
		_ = conn.Close()
		return false, fmt.Errorf("GET_LOCK returned NULL for lock %q", a.lockName)
	}

	switch result.Int64 {
	case 1:
		a.conn = conn
		return true, nil
	case 0:
		_ = conn.Close()
		return false, nil
	default:
		_ = conn.Close()
		return false, fmt.Errorf("unexpected GET_LOCK return value: %d", result.Int64)
	}
}

// release gives the lock up and returns its connection to the pool.
// It reports false when the lock was not held.
func (a *AdvisoryLock) release(ctx context.Context) (bool, error) {
	if a.conn == nil {
		return false, nil
	}

	conn := a.conn
	a.conn = nil
	defer func() { _ = conn.Close() }()

	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", a.lockName).Scan(&result); err != nil {
		return false, fmt.Errorf("failed to execute RELEASE_LOCK: %w", err)
	}

	if !result.Valid {
		return false, fmt.Errorf("RELEASE_LOCK returned NULL for lock %q (lock did not exist)", a.lockName)
	}
	return result.Int64 == 1, nil
}

// WithLock runs fn while holding the lock, releasing it even if fn panics.
// Returns ErrLockHeld when the lock could not be taken within timeoutSeconds.
func (a *AdvisoryLock) WithLock(ctx context.Context, timeoutSeconds int, fn func() error) error {
	acquired, err := a.acquire(ctx, timeoutSeconds)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%w: %q", ErrLockHeld, a.lockName)
	}

	defer func() {
		// The caller's context may already be canceled at this point.
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_, _ = a.release(releaseCtx)
	}()

	return fn()
}

// GenerateScraperLockName returns the lock name for a scraper identity,
// "edgewatch:scraper:{id}". Characters outside [A-Za-z0-9_-] become '_'.
func GenerateScraperLockName(identity string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, identity)

	return fmt.Sprintf("edgewatch:scraper:%s", sanitized)
}

// NewScraperLock creates the advisory lock for a scraper identity.
func NewScraperLock(db *sql.DB, identity string) *AdvisoryLock {
	return NewAdvisoryLock(db, GenerateScraperLockName(identity))
}

// IsScraperRunning reports whether another process holds the identity's lock.
// The answer can be stale as soon as it returns.
func IsScraperRunning(ctx context.Context, db *sql.DB, identity string) (bool, error) {
	var result sql.NullInt64
	err := db.QueryRowContext(ctx, "SELECT IS_FREE_LOCK(?)", GenerateScraperLockName(identity)).Scan(&result)
	if err != nil {
		return false, fmt.Errorf("failed to check scraper %q lock: %w", identity, err)
	}
	return result.Valid && result.Int64 == 0, nil
}
