// Package edgelog stores directed edges as an append-only, versioned log.
//
// Every transition of a (from, to) pair is a new row whose version is one
// higher than the previous one. Rows are never updated or deleted, so the
// state of any pair at time t is the highest version created at or before t.
package edgelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dbsmedya/edgewatch/internal/logger"
	"github.com/dbsmedya/edgewatch/internal/sqlutil"
	"github.com/dbsmedya/edgewatch/internal/types"
)

// ErrVersionConflict is returned when a pair kept losing the version race
// to a concurrent writer.
var ErrVersionConflict = errors.New("edge version conflict")

// DefaultMaxAttempts bounds the per-pair retries on a version conflict.
const DefaultMaxAttempts = 5

const (
	// DefaultTable holds follow edges.
	DefaultTable = "edge_log"
	// LikesTable holds account-to-post like edges.
	LikesTable = "like_log"
)

const createEdgeLogTableSQL = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	from_id VARCHAR(64) NOT NULL,
	to_id VARCHAR(64) NOT NULL,
	status ENUM('CONNECTED', 'DISCONNECTED') NOT NULL,
	version INT NOT NULL,
	created_at DATETIME(6) NOT NULL,
	UNIQUE KEY uk_pair_version (from_id, to_id, version),
	INDEX idx_from_created (from_id, created_at),
	INDEX idx_to_created (to_id, created_at)
) ENGINE=InnoDB;
`

// latestOutboundSQL picks, per peer, the highest version visible at asOf.
const latestOutboundSQL = `
SELECT e.to_id, e.status, e.version, e.created_at
FROM %[1]s e
JOIN (
	SELECT to_id, MAX(version) AS version
	FROM %[1]s
	WHERE from_id = ? AND created_at <= ?
	GROUP BY to_id
) latest ON latest.to_id = e.to_id AND latest.version = e.version
WHERE e.from_id = ?
ORDER BY e.to_id
`

const latestInboundSQL = `
SELECT e.from_id, e.status, e.version, e.created_at
FROM %[1]s e
JOIN (
	SELECT from_id, MAX(version) AS version
	FROM %[1]s
	WHERE to_id = ? AND created_at <= ?
	GROUP BY from_id
) latest ON latest.from_id = e.from_id AND latest.version = e.version
WHERE e.to_id = ?
ORDER BY e.from_id
`

const countOutboundSQL = `
SELECT COUNT(*)
FROM %[1]s e
JOIN (
	SELECT to_id, MAX(version) AS version
	FROM %[1]s
	WHERE from_id = ? AND created_at <= ?
	GROUP BY to_id
) latest ON latest.to_id = e.to_id AND latest.version = e.version
WHERE e.from_id = ? AND e.status = 'CONNECTED'
`

const countInboundSQL = `
SELECT COUNT(*)
FROM %[1]s e
JOIN (
	SELECT from_id, MAX(version) AS version
	FROM %[1]s
	WHERE to_id = ? AND created_at <= ?
	GROUP BY from_id
) latest ON latest.from_id = e.from_id AND latest.version = e.version
WHERE e.to_id = ? AND e.status = 'CONNECTED'
`

const maxVersionSQL = `SELECT COALESCE(MAX(version), -1) FROM %[1]s WHERE from_id = ? AND to_id = ?`

const insertEdgeSQL = `INSERT INTO %[1]s (from_id, to_id, status, version, created_at) VALUES (?, ?, ?, ?, ?)`

// Store is the MySQL-backed edge log.
type Store struct {
	db          *sql.DB
	table       string
	queries     queries
	logger      *logger.Logger
	maxAttempts int
	now         func() time.Time
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

type queries struct {
	create, latestOutbound, latestInbound   string
	countOutbound, countInbound, maxVersion string
	insert                                  string
}

func buildQueries(table string) queries {
	return queries{
		create:         fmt.Sprintf(createEdgeLogTableSQL, table),
		latestOutbound: fmt.Sprintf(latestOutboundSQL, table),
		latestInbound:  fmt.Sprintf(latestInboundSQL, table),
		countOutbound:  fmt.Sprintf(countOutboundSQL, table),
		countInbound:   fmt.Sprintf(countInboundSQL, table),
		maxVersion:     fmt.Sprintf(maxVersionSQL, table),
		insert:         fmt.Sprintf(insertEdgeSQL, table),
	}
}

// Option customizes a Store.
type Option func(*Store)

// WithMaxAttempts sets how many times a pair is retried on a version conflict.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithTable stores the log in another table with the same layout.
func WithTable(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.table = name
		}
	}
}

// WithClock replaces the clock used for created_at and the default asOf.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an edge log store.
func NewStore(db *sql.DB, log *logger.Logger, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}

	s := &Store{
		db:          db,
		table:       DefaultTable,
		logger:      log,
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if !tableName.MatchString(s.table) {
		return nil, fmt.Errorf("invalid edge log table name %q", s.table)
	}
	s.queries = buildQueries(s.table)
	return s, nil
}

// InitializeTables creates the log table if it doesn't exist.
func (s *Store) InitializeTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.queries.create); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.table, err)
	}
	s.logger.Debugf("%s table initialized", s.table)
	return nil
}

// Table returns the name of the backing table.
func (s *Store) Table() string {
	return s.table
}

func (s *Store) asOf(t *time.Time) time.Time {
	if t == nil {
		return s.now()
	}
	return t.UTC()
}

// CurrentEdges returns the latest state of every outgoing edge of nodeID as of
// asOf (now when nil), ordered by peer id. Disconnected peers are included.
func (s *Store) CurrentEdges(ctx context.Context, nodeID string, asOf *time.Time) ([]types.PeerStatus, error) {
	return s.queryPeers(ctx, s.queries.latestOutbound, nodeID, asOf)
}

// CurrentInbound is CurrentEdges for edges pointing at nodeID.
func (s *Store) CurrentInbound(ctx context.Context, nodeID string, asOf *time.Time) ([]types.PeerStatus, error) {
	return s.queryPeers(ctx, s.queries.latestInbound, nodeID, asOf)
}

func (s *Store) queryPeers(ctx context.Context, query, nodeID string, asOf *time.Time) ([]types.PeerStatus, error) {
	rows, err := s.db.QueryContext(ctx, query, nodeID, s.asOf(asOf), nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges of %s: %w", nodeID, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warnf("Failed to close rows: %v", closeErr)
		}
	}()

	var peers []types.PeerStatus
	for rows.Next() {
		var p types.PeerStatus
		var status string
		if err := rows.Scan(&p.PeerID, &status, &p.Version, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge row: %w", err)
		}
		p.Status = types.EdgeStatus(status)
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edge rows: %w", err)
	}

	return peers, nil
}

// CurrentConnected returns the ids nodeID is connected to as of asOf.
func (s *Store) CurrentConnected(ctx context.Context, nodeID string, asOf *time.Time) (map[string]struct{}, error) {
	peers, err := s.CurrentEdges(ctx, nodeID, asOf)
	if err != nil {
		return nil, err
	}

	connected := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		if p.Status == types.StatusConnected {
			connected[p.PeerID] = struct{}{}
		}
	}
	return connected, nil
}

// CountConnected counts the outgoing CONNECTED edges of nodeID as of asOf.
func (s *Store) CountConnected(ctx context.Context, nodeID string, asOf *time.Time) (int, error) {
	return s.count(ctx, s.queries.countOutbound, nodeID, asOf)
}

// CountFollowers counts the incoming CONNECTED edges of nodeID as of asOf.
func (s *Store) CountFollowers(ctx context.Context, nodeID string, asOf *time.Time) (int, error) {
	return s.count(ctx, s.queries.countInbound, nodeID, asOf)
}

func (s *Store) count(ctx context.Context, query, nodeID string, asOf *time.Time) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, nodeID, s.asOf(asOf), nodeID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count edges of %s: %w", nodeID, err)
	}
	return n, nil
}

// Append writes one new version per change. Each pair is independent: a
// version conflict on one pair retries that pair only. Changes written before
// an error stay written.
func (s *Store) Append(ctx context.Context, changes []types.EdgeChange) (types.AppendStats, error) {
	var stats types.AppendStats

	for _, change := range changes {
		if !change.Status.Valid() {
			return stats, fmt.Errorf("invalid status %q for %s", change.Status, change.Pair())
		}

		conflicts, err := s.appendOne(ctx, change)
		stats.Conflicts += conflicts
		if err != nil {
			return stats, err
		}
		stats.Appended++
	}

	return stats, nil
}

func (s *Store) appendOne(ctx context.Context, change types.EdgeChange) (int, error) {
	conflicts := 0

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var current int64
		if err := s.db.QueryRowContext(ctx, s.queries.maxVersion, change.FromID, change.ToID).Scan(&current); err != nil {
			return conflicts, fmt.Errorf("failed to read version of %s: %w", change.Pair(), err)
		}

		_, err := s.db.ExecContext(ctx, s.queries.insert,
			change.FromID, change.ToID, string(change.Status), current+1, s.now())
		if err == nil {
			return conflicts, nil
		}
		if !sqlutil.IsDuplicateEntry(err) && !sqlutil.IsDeadlock(err) {
			return conflicts, fmt.Errorf("failed to insert edge %s: %w", change.Pair(), err)
		}

		conflicts++
		s.logger.Debugw("Edge version conflict, retrying",
			"pair", change.Pair(), "version", current+1, "attempt", attempt)
	}

	return conflicts, fmt.Errorf("%w: %s after %d attempts", ErrVersionConflict, change.Pair(), s.maxAttempts)
}
