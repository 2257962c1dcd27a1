package verifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/dbsmedya/edgewatch/internal/logger"
)

func newMockVerifier(t *testing.T) (*Verifier, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	v, err := NewVerifier(db, logger.NewNop())
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	return v, mock, func() { db.Close() }
}

func TestNewVerifier_NilDB(t *testing.T) {
	if _, err := NewVerifier(nil, nil); err == nil {
		t.Error("Expected error for nil database")
	}
}

func TestVerify_Healthy(t *testing.T) {
	v, mock, cleanup := newMockVerifier(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT COUNT\(\*\), COUNT\(DISTINCT from_id, to_id\) FROM edge_log$`).
		WillReturnRows(sqlmock.NewRows([]string{"rows", "pairs"}).AddRow(12, 5))
	mock.ExpectQuery(`HAVING MIN\(version\) <> 0 OR COUNT\(\*\) <> MAX\(version\) \+ 1`).
		WithArgs(DefaultMaxIssues).
		WillReturnRows(sqlmock.NewRows([]string{"from_id", "to_id", "n", "min", "max"}))
	mock.ExpectQuery(`version = 0 AND status = 'DISCONNECTED'$`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	mock.ExpectQuery(`LAG\(status\) OVER`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2))

	report, err := v.Verify(context.Background(), "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !report.Healthy() {
		t.Errorf("Expected healthy report, got %+v", report)
	}
	if report.Rows != 12 || report.Pairs != 5 {
		t.Errorf("Expected 12 rows in 5 pairs, got %d rows in %d pairs", report.Rows, report.Pairs)
	}
	if report.RedundantVersions != 2 {
		t.Errorf("Expected 2 redundant versions, got %d", report.RedundantVersions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestVerify_BrokenPairsScopedToAccount(t *testing.T) {
	v, mock, cleanup := newMockVerifier(t)
	defer cleanup()
	v.SetMaxIssues(10)

	mock.ExpectQuery(`FROM edge_log WHERE from_id = \?`).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"rows", "pairs"}).AddRow(4, 2))
	mock.ExpectQuery(`FROM edge_log WHERE from_id = \?\s+GROUP BY`).
		WithArgs("a", 10).
		WillReturnRows(sqlmock.NewRows([]string{"from_id", "to_id", "n", "min", "max"}).
			AddRow("a", "b", 2, 0, 2).
			AddRow("a", "c", 1, 1, 1))
	mock.ExpectQuery(`status = 'DISCONNECTED' AND from_id = \?`).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectQuery(`LAG\(status\)`).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))

	report, err := v.Verify(context.Background(), "a")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.Healthy() {
		t.Error("Expected unhealthy report")
	}
	if len(report.BrokenPairs) != 2 {
		t.Fatalf("Expected 2 broken pairs, got %d", len(report.BrokenPairs))
	}
	if got := report.BrokenPairs[0].String(); got != "a->b: 2 rows, versions 0..2" {
		t.Errorf("Unexpected issue string: %q", got)
	}
	if report.OrphanDisconnects != 1 {
		t.Errorf("Expected 1 orphan disconnect, got %d", report.OrphanDisconnects)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestVerify_QueryError(t *testing.T) {
	v, mock, cleanup := newMockVerifier(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT COUNT`).WillReturnError(errors.New("connection lost"))

	_, err := v.Verify(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "failed to count edge log rows") {
		t.Errorf("Expected count error, got %v", err)
	}
}

func TestChecksum_Deterministic(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	history := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"to_id", "status", "version", "created_at"}).
			AddRow("b", "CONNECTED", 0, created).
			AddRow("b", "DISCONNECTED", 1, created.Add(time.Hour))
	}

	v, mock, cleanup := newMockVerifier(t)
	defer cleanup()
	mock.ExpectQuery(`SELECT to_id, status, version, created_at`).WithArgs("a").WillReturnRows(history())
	mock.ExpectQuery(`SELECT to_id, status, version, created_at`).WithArgs("a").WillReturnRows(history())
	mock.ExpectQuery(`SELECT to_id, status, version, created_at`).WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"to_id", "status", "version", "created_at"}).
			AddRow("b", "CONNECTED", 0, created))

	first, n, err := v.Checksum(context.Background(), "a")
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 rows hashed, got %d", n)
	}
	if len(first) != 64 {
		t.Errorf("Expected hex SHA256, got %q", first)
	}

	second, _, err := v.Checksum(context.Background(), "a")
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if first != second {
		t.Errorf("Checksum is not deterministic: %s != %s", first, second)
	}

	truncated, _, err := v.Checksum(context.Background(), "a")
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if truncated == first {
		t.Error("Expected different checksum for different history")
	}
}
