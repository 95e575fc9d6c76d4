package queue

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorax/flowqueue/internal/errs"
	"github.com/gorax/flowqueue/internal/events"
	"github.com/gorax/flowqueue/internal/store"
)

func newMockEngine(t *testing.T, driverName string) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, driverName)
	return &Engine{db: sqlxDB, queryTimeout: time.Second}, mock
}

func TestNewRejectsUnsupportedDriver(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "sqlite3")

	_, err = New(sqlxDB, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedStore))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewAcceptsPostgres(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")

	e, err := New(sqlxDB, time.Second)
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestEnqueueEmptyIsNoop(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	n, err := e.Enqueue(context.Background(), "survey_scoring", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueInsertsEachPayload(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO processing_queue`)
	prep.ExpectExec().
		WithArgs("survey_scoring", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().
		WithArgs("survey_scoring", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	n, err := e.Enqueue(context.Background(), "survey_scoring",
		[]store.JSONMap{{"i": 1}, {"i": 2}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRollsBackOnExecError(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO processing_queue`)
	prep.ExpectExec().WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	_, err := e.Enqueue(context.Background(), "survey_scoring", []store.JSONMap{{"i": 1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrQueryFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchReturnsRows(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")

	rows := sqlmock.NewRows([]string{"id", "flow_name", "payload", "status", "retry_count"}).
		AddRow(int64(1), "survey_scoring", []byte(`{"i":1}`), "processing", 0).
		AddRow(int64(2), "survey_scoring", []byte(`{"i":2}`), "processing", 0)

	mock.ExpectQuery(`UPDATE processing_queue`).
		WithArgs("instanceA", "survey_scoring", 10).
		WillReturnRows(rows)

	records, err := e.ClaimBatch(context.Background(), "survey_scoring", "instanceA", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, StatusProcessing, records[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchEmptyIsNotAnError(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")

	rows := sqlmock.NewRows([]string{"id", "flow_name", "payload", "status", "retry_count"})
	mock.ExpectQuery(`UPDATE processing_queue`).WillReturnRows(rows)

	records, err := e.ClaimBatch(context.Background(), "survey_scoring", "instanceA", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestClaimBatchZeroSizePerformsNoWrites(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")

	records, err := e.ClaimBatch(context.Background(), "survey_scoring", "instanceA", 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchStoreUnavailable(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	mock.ExpectQuery(`UPDATE processing_queue`).WillReturnError(sql.ErrConnDone)

	_, err := e.ClaimBatch(context.Background(), "survey_scoring", "instanceA", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrStoreUnavailable))
}

func TestCompleteOnAlreadyCompletedIsNoop(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	mock.ExpectQuery(`SELECT status FROM processing_queue`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	err := e.Complete(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteOnFailedIsIllegalTransition(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	mock.ExpectQuery(`SELECT status FROM processing_queue`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	err := e.Complete(context.Background(), 1, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrIllegalTransition))
}

func TestCompleteProcessingWithResult(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	mock.ExpectQuery(`SELECT status FROM processing_queue`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))
	mock.ExpectExec(`UPDATE processing_queue SET status = 'completed'`).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := e.Complete(context.Background(), 1, store.JSONMap{"score": 42})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailOnAlreadyFailedIsNoop(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	mock.ExpectQuery(`SELECT status FROM processing_queue`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	err := e.Fail(context.Background(), 7, "bad data")
	require.NoError(t, err)
}

func TestFailOnCompletedIsIllegalTransition(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	mock.ExpectQuery(`SELECT status FROM processing_queue`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	err := e.Fail(context.Background(), 7, "bad data")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrIllegalTransition))
}

func TestFailIncrementsRetryCount(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	mock.ExpectQuery(`SELECT status FROM processing_queue`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))
	mock.ExpectExec(`UPDATE processing_queue`).
		WithArgs(int64(7), "bad data").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := e.Fail(context.Background(), 7, "bad data")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReapOrphansReturnsCount(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	mock.ExpectExec(`UPDATE processing_queue`).WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := e.ReapOrphans(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestResetFailedWithFlowName(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	mock.ExpectExec(`UPDATE processing_queue`).
		WithArgs(3, "survey_scoring").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := e.ResetFailed(context.Background(), "survey_scoring", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestResetFailedAcrossAllFlows(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	mock.ExpectExec(`UPDATE processing_queue`).
		WithArgs(3).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := e.ResetFailed(context.Background(), "", 3)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestOrphanCountDoesNotMutate(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	mock.ExpectQuery(`SELECT count\(\*\) FROM processing_queue`).
		WithArgs(float64(300)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := e.OrphanCount(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchEmitsEvent(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")

	var buf bytes.Buffer
	e.SetEvents(events.NewSink(slog.New(slog.NewJSONHandler(&buf, nil))))

	rows := sqlmock.NewRows([]string{"id", "flow_name", "payload", "status", "retry_count"}).
		AddRow(int64(1), "survey_scoring", []byte(`{"i":1}`), "processing", 0)
	mock.ExpectQuery(`UPDATE processing_queue`).WillReturnRows(rows)

	_, err := e.ClaimBatch(context.Background(), "survey_scoring", "instanceA", 10)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"event":"batch_claimed"`)
	assert.Contains(t, buf.String(), `"instance_id":"instanceA"`)
}

func TestStatusAggregatesCounts(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("pending", int64(2)).
		AddRow("processing", int64(1)).
		AddRow("completed", int64(5)).
		AddRow("failed", int64(1))
	mock.ExpectQuery(`SELECT status, count\(\*\) FROM processing_queue WHERE flow_name`).
		WithArgs("survey_scoring").
		WillReturnRows(rows)

	qs, err := e.Status(context.Background(), "survey_scoring")
	require.NoError(t, err)
	assert.Equal(t, QueueStatus{Pending: 2, Processing: 1, Completed: 5, Failed: 1, Total: 9}, qs)
}

func TestStatusByFlowBreaksDownPerFlow(t *testing.T) {
	e, mock := newMockEngine(t, "postgres")
	rows := sqlmock.NewRows([]string{"flow_name", "status", "count"}).
		AddRow("survey_scoring", "pending", int64(2)).
		AddRow("other_flow", "completed", int64(1))
	mock.ExpectQuery(`SELECT flow_name, status, count\(\*\) FROM processing_queue GROUP BY flow_name`).
		WillReturnRows(rows)

	out, err := e.StatusByFlow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), out["survey_scoring"].Pending)
	assert.Equal(t, int64(1), out["other_flow"].Completed)
}
