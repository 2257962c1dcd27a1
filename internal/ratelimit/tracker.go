// Package ratelimit persists the rate-limit budget and last error of each
// scraper identity and decides whether the identity may call the remote API.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dbsmedya/edgewatch/internal/logger"
	"github.com/dbsmedya/edgewatch/internal/types"
)

// DefaultStaleness is how long a state may go without updates before the gate
// stops trusting it.
const DefaultStaleness = 30 * time.Minute

// Error kinds written to last_error.
const (
	KindRateLimited = "rate_limited"
	KindAPIError    = "api_error"
	KindNotFound    = "not_found"
)

const createStateTableSQL = `
CREATE TABLE IF NOT EXISTS scraper_state (
	id VARCHAR(64) PRIMARY KEY,
	rate_limit INT NOT NULL DEFAULT 0,
	remaining INT NOT NULL DEFAULT 0,
	reset_epoch BIGINT NOT NULL DEFAULT 0,
	last_error TEXT NULL,
	updated_at DATETIME(6) NOT NULL
) ENGINE=InnoDB;
`

const ensureStateSQL = `INSERT IGNORE INTO scraper_state (id, rate_limit, remaining, reset_epoch, updated_at) VALUES (?, 0, 0, 0, ?)`

const selectStateSQL = `SELECT id, rate_limit, remaining, reset_epoch, last_error, updated_at FROM scraper_state`

const upsertRateLimitSQL = `
INSERT INTO scraper_state (id, rate_limit, remaining, reset_epoch, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	rate_limit = VALUES(rate_limit),
	remaining = VALUES(remaining),
	reset_epoch = VALUES(reset_epoch),
	updated_at = VALUES(updated_at)
`

const upsertRateLimitedSQL = `
INSERT INTO scraper_state (id, rate_limit, remaining, reset_epoch, last_error, updated_at)
VALUES (?, ?, 0, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	rate_limit = VALUES(rate_limit),
	remaining = 0,
	reset_epoch = VALUES(reset_epoch),
	last_error = VALUES(last_error),
	updated_at = VALUES(updated_at)
`

const upsertErrorSQL = `
INSERT INTO scraper_state (id, rate_limit, remaining, reset_epoch, last_error, updated_at)
VALUES (?, 0, 0, 0, ?, ?)
ON DUPLICATE KEY UPDATE
	last_error = VALUES(last_error),
	updated_at = VALUES(updated_at)
`

const clearErrorSQL = `UPDATE scraper_state SET last_error = NULL, updated_at = ? WHERE id = ? AND last_error IS NOT NULL`

// Permits reports whether a scraper in state may call the API at now.
// The budget is usable when requests remain, the reset time has passed, or
// the state is too old to trust.
func Permits(state types.ScraperState, now time.Time, staleness time.Duration) bool {
	if state.Remaining > 0 {
		return true
	}
	if now.Unix() >= state.ResetEpoch {
		return true
	}
	return now.Sub(state.UpdatedAt) > staleness
}

// Tracker owns the scraper_state row of one identity.
type Tracker struct {
	db        *sql.DB
	logger    *logger.Logger
	id        string
	staleness time.Duration
	now       func() time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithStaleness overrides DefaultStaleness.
func WithStaleness(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.staleness = d
		}
	}
}

// WithClock replaces the tracker clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker for the scraper identity id.
func NewTracker(db *sql.DB, log *logger.Logger, id string, opts ...Option) (*Tracker, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if id == "" {
		return nil, fmt.Errorf("scraper id is required")
	}
	if log == nil {
		log = logger.NewDefault()
	}

	t := &Tracker{
		db:        db,
		logger:    log.WithScraper(id),
		id:        id,
		staleness: DefaultStaleness,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// ID returns the scraper identity.
func (t *Tracker) ID() string {
	return t.id
}

// InitializeTables creates the scraper_state table if it doesn't exist.
func (t *Tracker) InitializeTables(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, createStateTableSQL); err != nil {
		return fmt.Errorf("failed to create scraper_state table: %w", err)
	}
	return nil
}

// State loads the identity's state, creating an empty one on first use.
func (t *Tracker) State(ctx context.Context) (*types.ScraperState, error) {
	if _, err := t.db.ExecContext(ctx, ensureStateSQL, t.id, t.now()); err != nil {
		return nil, fmt.Errorf("failed to create scraper state %s: %w", t.id, err)
	}

	state, err := scanState(t.db.QueryRowContext(ctx, selectStateSQL+` WHERE id = ?`, t.id))
	if err != nil {
		return nil, fmt.Errorf("failed to load scraper state %s: %w", t.id, err)
	}
	return state, nil
}

// Gate reports whether the identity may call the API now.
func (t *Tracker) Gate(ctx context.Context) (bool, error) {
	state, err := t.State(ctx)
	if err != nil {
		return false, err
	}

	now := t.now()
	ok := Permits(*state, now, t.staleness)
	if !ok {
		t.logger.Debugw("Rate limit gate closed",
			"remaining", state.Remaining,
			"reset_at", state.RateLimit().ResetAt().UTC(),
			"wait", state.RateLimit().ResetAt().Sub(now).Round(time.Second))
	}
	return ok, nil
}

// RecordResponse stores the descriptor of a successful API response.
func (t *Tracker) RecordResponse(ctx context.Context, rl types.RateLimit) error {
	_, err := t.db.ExecContext(ctx, upsertRateLimitSQL, t.id, rl.Limit, rl.Remaining, rl.ResetEpoch, t.now())
	if err != nil {
		return fmt.Errorf("failed to record rate limit of %s: %w", t.id, err)
	}
	return nil
}

// RecordRateLimited stores an exhausted budget together with the error.
func (t *Tracker) RecordRateLimited(ctx context.Context, rl types.RateLimit) error {
	msg := fmt.Sprintf("%s: limit=%d remaining=%d reset=%s",
		KindRateLimited, rl.Limit, rl.Remaining, rl.ResetAt().UTC().Format(time.RFC3339))

	_, err := t.db.ExecContext(ctx, upsertRateLimitedSQL, t.id, rl.Limit, rl.ResetEpoch, msg, t.now())
	if err != nil {
		return fmt.Errorf("failed to record rate limit error of %s: %w", t.id, err)
	}
	return nil
}

// RecordError stores "kind: detail" as the identity's last error. Only a
// storage failure is returned.
func (t *Tracker) RecordError(ctx context.Context, kind, detail string) error {
	msg := kind
	if detail != "" {
		msg = kind + ": " + detail
	}

	if _, err := t.db.ExecContext(ctx, upsertErrorSQL, t.id, msg, t.now()); err != nil {
		return fmt.Errorf("failed to record error of %s: %w", t.id, err)
	}
	return nil
}

// ClearError removes the last error after a successful cycle.
func (t *Tracker) ClearError(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, clearErrorSQL, t.now(), t.id); err != nil {
		return fmt.Errorf("failed to clear error of %s: %w", t.id, err)
	}
	return nil
}

// List returns the state of every scraper identity, ordered by id.
func List(ctx context.Context, db *sql.DB) ([]types.ScraperState, error) {
	rows, err := db.QueryContext(ctx, selectStateSQL+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scraper states: %w", err)
	}
	defer rows.Close()

	var states []types.ScraperState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scraper state: %w", err)
		}
		states = append(states, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scraper states: %w", err)
	}
	return states, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanState(s scanner) (*types.ScraperState, error) {
	var state types.ScraperState
	var lastError sql.NullString
	if err := s.Scan(&state.ID, &state.Limit, &state.Remaining, &state.ResetEpoch, &lastError, &state.UpdatedAt); err != nil {
		return nil, err
	}
	state.LastError = lastError.String
	return &state, nil
}
