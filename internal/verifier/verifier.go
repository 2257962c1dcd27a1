// Package verifier checks the integrity of the edge log.
package verifier

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dbsmedya/edgewatch/internal/logger"
)

// DefaultMaxIssues caps the number of broken pairs returned by Verify.
const DefaultMaxIssues = 100

const totalsSQL = `SELECT COUNT(*), COUNT(DISTINCT from_id, to_id) FROM edge_log`

// Versions of a pair must be exactly 0..n-1.
const brokenPairsSQL = `
SELECT from_id, to_id, COUNT(*), MIN(version), MAX(version)
FROM edge_log%s
GROUP BY from_id, to_id
HAVING MIN(version) <> 0 OR COUNT(*) <> MAX(version) + 1
ORDER BY from_id, to_id
LIMIT ?
`

const redundantSQL = `
SELECT COUNT(*) FROM (
	SELECT status, LAG(status) OVER (PARTITION BY from_id, to_id ORDER BY version) AS prev_status
	FROM edge_log%s
) v
WHERE status = prev_status
`

const orphanDisconnectSQL = `SELECT COUNT(*) FROM edge_log WHERE version = 0 AND status = 'DISCONNECTED'`

const historySQL = `
SELECT to_id, status, version, created_at
FROM edge_log
WHERE from_id = ?
ORDER BY to_id, version
`

// PairIssue is a (from, to) pair whose version sequence is broken.
type PairIssue struct {
	FromID     string
	ToID       string
	Rows       int64
	MinVersion int64
	MaxVersion int64
}

func (p PairIssue) String() string {
	return fmt.Sprintf("%s->%s: %d rows, versions %d..%d", p.FromID, p.ToID, p.Rows, p.MinVersion, p.MaxVersion)
}

// Report is the outcome of an integrity scan.
type Report struct {
	FromID string
	Rows   int64
	Pairs  int64

	// BrokenPairs is capped at the verifier's issue limit.
	BrokenPairs []PairIssue

	// OrphanDisconnects counts pairs whose history starts with DISCONNECTED.
	OrphanDisconnects int64

	// RedundantVersions counts versions repeating the previous status. They
	// are tolerated and reported for operators.
	RedundantVersions int64
}

// Healthy reports whether no invariant is violated.
func (r *Report) Healthy() bool {
	return len(r.BrokenPairs) == 0 && r.OrphanDisconnects == 0
}

// Verifier runs integrity queries against the edge log.
type Verifier struct {
	db        *sql.DB
	maxIssues int
	logger    *logger.Logger
}

// NewVerifier creates a new verifier.
func NewVerifier(db *sql.DB, log *logger.Logger) (*Verifier, error) {
	if db == nil {
		return nil, fmt.Errorf("database is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}

	return &Verifier{
		db:        db,
		maxIssues: DefaultMaxIssues,
		logger:    log,
	}, nil
}

// SetMaxIssues sets how many broken pairs Verify returns.
func (v *Verifier) SetMaxIssues(n int) {
	if n > 0 {
		v.maxIssues = n
	}
}

// Verify scans the edge log, or only the edges of fromID when it is set.
func (v *Verifier) Verify(ctx context.Context, fromID string) (*Report, error) {
	report := &Report{FromID: fromID}

	where := ""
	var args []interface{}
	if fromID != "" {
		where = " WHERE from_id = ?"
		args = append(args, fromID)
	}

	if err := v.db.QueryRowContext(ctx, totalsSQL+where, args...).Scan(&report.Rows, &report.Pairs); err != nil {
		return nil, fmt.Errorf("failed to count edge log rows: %w", err)
	}

	issues, err := v.brokenPairs(ctx, where, args)
	if err != nil {
		return nil, err
	}
	report.BrokenPairs = issues

	orphanQuery := orphanDisconnectSQL
	if fromID != "" {
		orphanQuery += " AND from_id = ?"
	}
	if err := v.db.QueryRowContext(ctx, orphanQuery, args...).Scan(&report.OrphanDisconnects); err != nil {
		return nil, fmt.Errorf("failed to count orphan disconnects: %w", err)
	}

	if err := v.db.QueryRowContext(ctx, fmt.Sprintf(redundantSQL, where), args...).Scan(&report.RedundantVersions); err != nil {
		return nil, fmt.Errorf("failed to count redundant versions: %w", err)
	}

	if report.Healthy() {
		v.logger.Infow("Edge log verification passed",
			"rows", report.Rows,
			"pairs", report.Pairs,
			"redundant_versions", report.RedundantVersions)
	} else {
		v.logger.Errorw("Edge log verification FAILED",
			"rows", report.Rows,
			"broken_pairs", len(report.BrokenPairs),
			"orphan_disconnects", report.OrphanDisconnects)
	}

	return report, nil
}

func (v *Verifier) brokenPairs(ctx context.Context, where string, args []interface{}) ([]PairIssue, error) {
	queryArgs := append(append([]interface{}{}, args...), v.maxIssues)
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf(brokenPairsSQL, where), queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to check version sequences: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			v.logger.Warnf("failed to close rows: %v", err)
		}
	}()

	var issues []PairIssue
	for rows.Next() {
		var p PairIssue
		if err := rows.Scan(&p.FromID, &p.ToID, &p.Rows, &p.MinVersion, &p.MaxVersion); err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		issues = append(issues, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pairs: %w", err)
	}
	return issues, nil
}

// Checksum returns a SHA256 digest of the full edge history of fromID and
// the number of rows hashed. Two stores holding the same history produce the
// same digest.
func (v *Verifier) Checksum(ctx context.Context, fromID string) (string, int64, error) {
	rows, err := v.db.QueryContext(ctx, historySQL, fromID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read history of %s: %w", fromID, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			v.logger.Warnf("failed to close rows: %v", err)
		}
	}()

	hasher := sha256.New()
	var count int64
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return "", 0, fmt.Errorf("checksum interrupted: %w", err)
		}

		var (
			toID, status string
			version      int64
			createdAt    time.Time
		)
		if err := rows.Scan(&toID, &status, &version, &createdAt); err != nil {
			return "", 0, fmt.Errorf("failed to scan edge: %w", err)
		}

		// Null byte separators keep field boundaries unambiguous.
		fmt.Fprintf(hasher, "%s\x00%s\x00%d\x00%s\n", toID, status, version, createdAt.UTC().Format(time.RFC3339Nano))
		count++
	}
	if err := rows.Err(); err != nil {
		return "", 0, fmt.Errorf("error iterating edges: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), count, nil
}
