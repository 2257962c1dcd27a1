// Package schedule keeps the watched accounts and decides which one a scrape
// cycle refreshes next, and how.
package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dbsmedya/edgewatch/internal/logger"
	"github.com/dbsmedya/edgewatch/internal/sqlutil"
	"github.com/dbsmedya/edgewatch/internal/types"
)

// ErrAccountNotFound is returned when no watched account has the given id.
var ErrAccountNotFound = errors.New("watched account not found")

const createAccountTableSQL = `
CREATE TABLE IF NOT EXISTS watched_account (
	external_id VARCHAR(64) PRIMARY KEY,
	handle VARCHAR(64) NOT NULL DEFAULT '',
	marked TINYINT(1) NOT NULL DEFAULT 1,
	scrapable TINYINT(1) NOT NULL DEFAULT 1,
	weight DOUBLE NULL,
	last_full_scraped_at DATETIME(6) NULL,
	last_partial_scraped_at DATETIME(6) NULL,
	profile_scraped_at DATETIME(6) NULL,
	likes_scraped_at DATETIME(6) NULL,
	last_known_edge_count INT NOT NULL DEFAULT 0,
	edge_count_drift INT NOT NULL DEFAULT 0,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	INDEX idx_candidates (marked, scrapable, edge_count_drift)
) ENGINE=InnoDB;
`

const selectAccountColumns = `
SELECT external_id, handle, marked, scrapable, weight,
	last_full_scraped_at, last_partial_scraped_at, profile_scraped_at, likes_scraped_at,
	last_known_edge_count, edge_count_drift
FROM watched_account`

const watchSQL = `
INSERT INTO watched_account (external_id, handle, marked, scrapable, created_at, updated_at)
VALUES (?, ?, 1, 1, ?, ?)
ON DUPLICATE KEY UPDATE
	handle = VALUES(handle),
	marked = 1,
	scrapable = 1,
	updated_at = VALUES(updated_at)
`

// Store is the MySQL-backed watched account store.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
	now    func() time.Time
}

// NewStore creates a watched account store.
func NewStore(db *sql.DB, log *logger.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Store{
		db:     db,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the clock used for created_at/updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// InitializeTables creates the watched_account table if it doesn't exist.
func (s *Store) InitializeTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createAccountTableSQL); err != nil {
		return fmt.Errorf("failed to create watched_account table: %w", err)
	}
	return nil
}

// Watch adds an account to the watch list, or marks it again if it was
// unmarked or became unscrapable. It reports whether a new row was created.
func (s *Store) Watch(ctx context.Context, externalID, handle string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, watchSQL, externalID, types.NormalizeHandle(handle), now, now)
	if err != nil {
		return false, fmt.Errorf("failed to watch account %s: %w", externalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to watch account %s: %w", externalID, err)
	}
	return n == 1, nil
}

// Unwatch clears the marked flag. History is kept.
func (s *Store) Unwatch(ctx context.Context, externalID string) error {
	return s.update(ctx, externalID, `UPDATE watched_account SET marked = 0, updated_at = ? WHERE external_id = ?`,
		s.now(), externalID)
}

// Get loads one watched account.
func (s *Store) Get(ctx context.Context, externalID string) (*types.WatchedAccount, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, selectAccountColumns+` WHERE external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load watched account %s: %w", externalID, err)
	}
	return account, nil
}

// List returns every watched account, marked or not, ordered by handle.
func (s *Store) List(ctx context.Context) ([]types.WatchedAccount, error) {
	return s.query(ctx, selectAccountColumns+` ORDER BY handle, external_id`)
}

// NextCandidate returns the marked, scrapable account that a cycle in mode
// should refresh first, or nil when there is none. Accounts with the largest
// drift come first, then the ones refreshed in mode the longest ago (never
// refreshed first).
func (s *Store) NextCandidate(ctx context.Context, mode types.RefreshMode) (*types.WatchedAccount, error) {
	col := sqlutil.QuoteIdentifier(scrapedColumn(mode))
	query := fmt.Sprintf(`%s
WHERE marked = 1 AND scrapable = 1
ORDER BY edge_count_drift DESC, %s IS NULL DESC, %s ASC, COALESCE(weight, 0) DESC, external_id ASC
LIMIT 1`, selectAccountColumns, col, col)

	account, err := scanAccount(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next account: %w", err)
	}
	return account, nil
}

// StaleProfiles returns up to limit marked, scrapable accounts whose profile
// was refreshed the longest ago.
func (s *Store) StaleProfiles(ctx context.Context, limit int) ([]types.WatchedAccount, error) {
	return s.query(ctx, selectAccountColumns+`
WHERE marked = 1 AND scrapable = 1
ORDER BY profile_scraped_at IS NULL DESC, profile_scraped_at ASC, external_id ASC
LIMIT ?`, limit)
}

// NextLikesCandidate returns the marked, scrapable account whose likes were
// scraped the longest ago, provided that was before cutoff. Never scraped
// accounts come first. It returns nil when every account is fresh.
func (s *Store) NextLikesCandidate(ctx context.Context, cutoff time.Time) (*types.WatchedAccount, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, selectAccountColumns+`
WHERE marked = 1 AND scrapable = 1 AND (likes_scraped_at IS NULL OR likes_scraped_at < ?)
ORDER BY likes_scraped_at IS NULL DESC, likes_scraped_at ASC, external_id ASC
LIMIT 1`, cutoff.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next likes account: %w", err)
	}
	return account, nil
}

// MarkLikesScraped records a finished likes cycle.
func (s *Store) MarkLikesScraped(ctx context.Context, externalID string, at time.Time) error {
	return s.update(ctx, externalID,
		`UPDATE watched_account SET likes_scraped_at = ?, updated_at = ? WHERE external_id = ?`,
		at.UTC(), s.now(), externalID)
}

// MarkScraped records a finished cycle of the given mode.
func (s *Store) MarkScraped(ctx context.Context, externalID string, mode types.RefreshMode, at time.Time, edgeCount, drift int) error {
	query := fmt.Sprintf(`UPDATE watched_account SET %s = ?, last_known_edge_count = ?, edge_count_drift = ?, updated_at = ? WHERE external_id = ?`,
		sqlutil.QuoteIdentifier(scrapedColumn(mode)))
	return s.update(ctx, externalID, query, at.UTC(), edgeCount, drift, s.now(), externalID)
}

// MarkUnscrapable excludes an account that no longer resolves remotely.
func (s *Store) MarkUnscrapable(ctx context.Context, externalID string) error {
	return s.update(ctx, externalID, `UPDATE watched_account SET scrapable = 0, updated_at = ? WHERE external_id = ?`,
		s.now(), externalID)
}

// MarkProfileScraped records a profile refresh and the drift it measured.
func (s *Store) MarkProfileScraped(ctx context.Context, externalID string, at time.Time, drift int) error {
	return s.update(ctx, externalID,
		`UPDATE watched_account SET profile_scraped_at = ?, edge_count_drift = ?, updated_at = ? WHERE external_id = ?`,
		at.UTC(), drift, s.now(), externalID)
}

func (s *Store) update(ctx context.Context, externalID, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update watched account %s: %w", externalID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, externalID)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]types.WatchedAccount, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query watched accounts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warnf("Failed to close rows: %v", closeErr)
		}
	}()

	var accounts []types.WatchedAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan watched account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watched accounts: %w", err)
	}
	return accounts, nil
}

func scrapedColumn(mode types.RefreshMode) string {
	if mode == types.ModeFull {
		return "last_full_scraped_at"
	}
	return "last_partial_scraped_at"
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*types.WatchedAccount, error) {
	var (
		a                      types.WatchedAccount
		weight                 sql.NullFloat64
		full, partial, profile sql.NullTime
		likes                  sql.NullTime
	)
	if err := s.Scan(&a.ExternalID, &a.Handle, &a.Marked, &a.Scrapable, &weight,
		&full, &partial, &profile, &likes, &a.LastKnownEdgeCount, &a.EdgeCountDrift); err != nil {
		return nil, err
	}
	if weight.Valid {
		a.Weight = &weight.Float64
	}
	a.LastFullScrapedAt = nullTime(full)
	a.LastPartialScrapedAt = nullTime(partial)
	a.ProfileScrapedAt = nullTime(profile)
	a.LikesScrapedAt = nullTime(likes)
	return &a, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
