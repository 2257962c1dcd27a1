package edgelog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/edgewatch/internal/logger"
	"github.com/dbsmedya/edgewatch/internal/types"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	store, err := NewStore(db, logger.NewNop(), opts...)
	require.NoError(t, err)
	return store, mock, db
}

func TestNewStore(t *testing.T) {
	_, err := NewStore(nil, nil)
	assert.Error(t, err)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewStore(db, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, store.maxAttempts)
	assert.NotNil(t, store.logger)

	store, err = NewStore(db, nil, WithMaxAttempts(2), WithMaxAttempts(0))
	require.NoError(t, err)
	assert.Equal(t, 2, store.maxAttempts)
	assert.Equal(t, DefaultTable, store.Table())

	_, err = NewStore(db, nil, WithTable("like_log; DROP TABLE x"))
	assert.Error(t, err)
}

func TestWithTable(t *testing.T) {
	store, mock, _ := newTestStore(t, WithTable(LikesTable))
	assert.Equal(t, LikesTable, store.Table())

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS like_log`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM like_log e\s+JOIN \(\s+SELECT to_id, MAX\(version\) AS version\s+FROM like_log`).
		WithArgs("me", fixedNow, "me").
		WillReturnRows(sqlmock.NewRows([]string{"to_id", "status", "version", "created_at"}).
			AddRow("p1", "CONNECTED", 0, fixedNow))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), -1\) FROM like_log`).
		WithArgs("me", "p2").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(-1))
	mock.ExpectExec(`INSERT INTO like_log`).
		WithArgs("me", "p2", "CONNECTED", int64(0), fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.InitializeTables(context.Background()))

	connected, err := store.CurrentConnected(context.Background(), "me", nil)
	require.NoError(t, err)
	assert.Contains(t, connected, "p1")

	stats, err := store.Append(context.Background(), []types.EdgeChange{
		{FromID: "me", ToID: "p2", Status: types.StatusConnected},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Appended)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeTables(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS edge_log`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.InitializeTables(context.Background()))

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS edge_log`).WillReturnError(assert.AnError)
	assert.ErrorIs(t, store.InitializeTables(context.Background()), assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentEdges(t *testing.T) {
	store, mock, _ := newTestStore(t)

	t1 := fixedNow.Add(-2 * time.Hour)
	rows := sqlmock.NewRows([]string{"to_id", "status", "version", "created_at"}).
		AddRow("a", "CONNECTED", 0, t1).
		AddRow("b", "DISCONNECTED", 1, t1)

	mock.ExpectQuery(`SELECT e.to_id, e.status, e.version, e.created_at`).
		WithArgs("me", fixedNow, "me").
		WillReturnRows(rows)

	peers, err := store.CurrentEdges(context.Background(), "me", nil)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, types.PeerStatus{PeerID: "a", Status: types.StatusConnected, Version: 0, CreatedAt: t1}, peers[0])
	assert.Equal(t, types.StatusDisconnected, peers[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentEdges_AsOf(t *testing.T) {
	store, mock, _ := newTestStore(t)

	asOf := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT e.to_id`).
		WithArgs("me", asOf, "me").
		WillReturnRows(sqlmock.NewRows([]string{"to_id", "status", "version", "created_at"}))

	peers, err := store.CurrentEdges(context.Background(), "me", &asOf)
	require.NoError(t, err)
	assert.Empty(t, peers)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentEdges_QueryError(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectQuery(`SELECT e.to_id`).WillReturnError(assert.AnError)

	_, err := store.CurrentEdges(context.Background(), "me", nil)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCurrentInbound(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectQuery(`SELECT e.from_id, e.status`).
		WithArgs("star", fixedNow, "star").
		WillReturnRows(sqlmock.NewRows([]string{"from_id", "status", "version", "created_at"}).
			AddRow("fan", "CONNECTED", 2, fixedNow))

	peers, err := store.CurrentInbound(context.Background(), "star", nil)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "fan", peers[0].PeerID)
	assert.EqualValues(t, 2, peers[0].Version)
}

func TestCurrentConnected(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectQuery(`SELECT e.to_id`).
		WillReturnRows(sqlmock.NewRows([]string{"to_id", "status", "version", "created_at"}).
			AddRow("a", "CONNECTED", 0, fixedNow).
			AddRow("b", "DISCONNECTED", 1, fixedNow).
			AddRow("c", "CONNECTED", 2, fixedNow))

	connected, err := store.CurrentConnected(context.Background(), "me", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a": {}, "c": {}}, connected)
}

func TestCounts(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM edge_log e\s+JOIN \(\s+SELECT to_id`).
		WithArgs("me", fixedNow, "me").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM edge_log e\s+JOIN \(\s+SELECT from_id`).
		WithArgs("me", fixedNow, "me").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`SELECT COUNT`).WillReturnError(assert.AnError)

	n, err := store.CountConnected(context.Background(), "me", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = store.CountFollowers(context.Background(), "me", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = store.CountConnected(context.Background(), "me", nil)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend(t *testing.T) {
	store, mock, _ := newTestStore(t)

	// New pair starts at version 0.
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), -1\) FROM edge_log`).
		WithArgs("me", "a").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(-1))
	mock.ExpectExec(`INSERT INTO edge_log`).
		WithArgs("me", "a", "CONNECTED", int64(0), fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	// Existing pair at version 1 moves to 2.
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), -1\) FROM edge_log`).
		WithArgs("me", "b").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO edge_log`).
		WithArgs("me", "b", "DISCONNECTED", int64(2), fixedNow).
		WillReturnResult(sqlmock.NewResult(2, 1))

	stats, err := store.Append(context.Background(), []types.EdgeChange{
		{FromID: "me", ToID: "a", Status: types.StatusConnected},
		{FromID: "me", ToID: "b", Status: types.StatusDisconnected},
	})
	require.NoError(t, err)
	assert.Equal(t, types.AppendStats{Appended: 2}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_Empty(t *testing.T) {
	store, mock, _ := newTestStore(t)

	stats, err := store.Append(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Two writers race on the same pair: the loser sees a duplicate key on
// (from, to, version), re-reads and lands on the next version.
func TestAppend_VersionConflictRetries(t *testing.T) {
	store, mock, _ := newTestStore(t)

	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'me-a-3' for key 'uk_pair_version'"}

	mock.ExpectQuery(`SELECT COALESCE`).WithArgs("me", "a").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(2))
	mock.ExpectExec(`INSERT INTO edge_log`).
		WithArgs("me", "a", "CONNECTED", int64(3), fixedNow).
		WillReturnError(dup)
	mock.ExpectQuery(`SELECT COALESCE`).WithArgs("me", "a").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(3))
	mock.ExpectExec(`INSERT INTO edge_log`).
		WithArgs("me", "a", "CONNECTED", int64(4), fixedNow).
		WillReturnResult(sqlmock.NewResult(5, 1))

	stats, err := store.Append(context.Background(), []types.EdgeChange{
		{FromID: "me", ToID: "a", Status: types.StatusConnected},
	})
	require.NoError(t, err)
	assert.Equal(t, types.AppendStats{Appended: 1, Conflicts: 1}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_DeadlockRetries(t *testing.T) {
	store, mock, _ := newTestStore(t)

	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}

	mock.ExpectQuery(`SELECT COALESCE`).WithArgs("me", "a").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(-1))
	mock.ExpectExec(`INSERT INTO edge_log`).WillReturnError(deadlock)
	mock.ExpectQuery(`SELECT COALESCE`).WithArgs("me", "a").
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(-1))
	mock.ExpectExec(`INSERT INTO edge_log`).
		WithArgs("me", "a", "CONNECTED", int64(0), fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	stats, err := store.Append(context.Background(), []types.EdgeChange{
		{FromID: "me", ToID: "a", Status: types.StatusConnected},
	})
	require.NoError(t, err)
	assert.Equal(t, types.AppendStats{Appended: 1, Conflicts: 1}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_VersionConflictExhausted(t *testing.T) {
	store, mock, _ := newTestStore(t, WithMaxAttempts(2))

	dup := &mysql.MySQLError{Number: 1062}
	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`SELECT COALESCE`).
			WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(i))
		mock.ExpectExec(`INSERT INTO edge_log`).WillReturnError(dup)
	}

	stats, err := store.Append(context.Background(), []types.EdgeChange{
		{FromID: "me", ToID: "a", Status: types.StatusConnected},
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, types.AppendStats{Conflicts: 2}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_Errors(t *testing.T) {
	t.Run("invalid status", func(t *testing.T) {
		store, _, _ := newTestStore(t)
		_, err := store.Append(context.Background(), []types.EdgeChange{{FromID: "me", ToID: "a", Status: "MAYBE"}})
		assert.Error(t, err)
	})

	t.Run("version read fails", func(t *testing.T) {
		store, mock, _ := newTestStore(t)
		mock.ExpectQuery(`SELECT COALESCE`).WillReturnError(assert.AnError)

		_, err := store.Append(context.Background(), []types.EdgeChange{{FromID: "me", ToID: "a", Status: types.StatusConnected}})
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("insert fails with non-conflict error", func(t *testing.T) {
		store, mock, _ := newTestStore(t)
		mock.ExpectQuery(`SELECT COALESCE`).
			WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(-1))
		mock.ExpectExec(`INSERT INTO edge_log`).WillReturnError(assert.AnError)

		stats, err := store.Append(context.Background(), []types.EdgeChange{
			{FromID: "me", ToID: "a", Status: types.StatusConnected},
			{FromID: "me", ToID: "b", Status: types.StatusConnected},
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.NotErrorIs(t, err, ErrVersionConflict)
		assert.Zero(t, stats.Appended)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
