// Package queue implements the atomic work-distribution semantics:
// enqueue, batch claiming, completion and failure reporting, orphan
// recovery, failed-record reset, and status aggregation, all driven
// against the processing_queue table through a *sqlx.DB. The claim
// statement is one UPDATE over a SKIP LOCKED subquery, never a
// separate SELECT then UPDATE.
package queue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gorax/flowqueue/internal/errs"
	"github.com/gorax/flowqueue/internal/events"
	"github.com/gorax/flowqueue/internal/store"
)

// Status is one of the four states a record may occupy.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is a single processing_queue row as returned by claim_batch.
type Record struct {
	ID         int64         `db:"id"`
	FlowName   string        `db:"flow_name"`
	Payload    store.JSONMap `db:"payload"`
	Status     Status        `db:"status"`
	RetryCount int           `db:"retry_count"`
}

// QueueStatus aggregates counts by lifecycle state.
type QueueStatus struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// Engine is the Queue Engine bound to a single queue_store pool.
type Engine struct {
	db           *sqlx.DB
	queryTimeout time.Duration
	events       *events.Sink
}

// SetEvents attaches a structured event sink; transitions the engine
// performs on behalf of external producers (enqueue, claim, reset) are
// emitted through it. A nil sink disables emission.
func (e *Engine) SetEvents(sink *events.Sink) { e.events = sink }

// New builds a Queue Engine over queue_store. It verifies the driver
// supports SKIP LOCKED by inspecting the driver name rather than by
// probing live, since a missing primitive should fail before any
// record is ever touched.
func New(db *sqlx.DB, queryTimeout time.Duration) (*Engine, error) {
	if db.DriverName() != "postgres" {
		return nil, fmt.Errorf("%w: driver %q does not support FOR UPDATE SKIP LOCKED claim semantics",
			errs.ErrUnsupportedStore, db.DriverName())
	}
	return &Engine{db: db, queryTimeout: queryTimeout}, nil
}

func (e *Engine) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.queryTimeout)
}

func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", errs.ErrQueryTimeout, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrQueryFailed, err)
}

// Enqueue inserts len(payloads) pending rows for flowName and returns
// the number inserted.
func (e *Engine) Enqueue(ctx context.Context, flowName string, payloads []store.JSONMap) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}

	qctx, cancel := e.ctx(ctx)
	defer cancel()

	tx, err := e.db.BeginTxx(qctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(qctx,
		`INSERT INTO processing_queue (flow_name, payload, status) VALUES ($1, $2, 'pending')`)
	if err != nil {
		return 0, classify(qctx, err)
	}
	defer stmt.Close()

	for _, p := range payloads {
		if _, err := stmt.ExecContext(qctx, flowName, p); err != nil {
			return 0, classify(qctx, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(qctx, err)
	}

	e.events.Emit(events.Event{
		Component: "queue", Name: "records_enqueued", Flow: flowName,
		Fields: map[string]any{"count": len(payloads)},
	})

	return len(payloads), nil
}

// claimSQL is the single-statement claim pattern: one UPDATE
// driven by a SKIP LOCKED subquery. Splitting this into a SELECT
// followed by an UPDATE would allow two concurrent claims to select
// the same rows before either commits.
const claimSQL = `
UPDATE processing_queue
SET status = 'processing', instance_id = $1, claimed_at = now(), updated_at = now()
WHERE id IN (
  SELECT id FROM processing_queue
  WHERE flow_name = $2 AND status = 'pending'
  ORDER BY created_at ASC, id ASC
  LIMIT $3
  FOR UPDATE SKIP LOCKED
)
RETURNING id, flow_name, payload, status, retry_count`

// ClaimBatch atomically moves up to batchSize pending rows for
// flowName to processing, stamped with instanceID, and returns them.
// An empty result means no work was available this tick, not an
// error.
func (e *Engine) ClaimBatch(ctx context.Context, flowName, instanceID string, batchSize int) ([]Record, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	qctx, cancel := e.ctx(ctx)
	defer cancel()

	rows, err := e.db.QueryxContext(qctx, claimSQL, instanceID, flowName, batchSize)
	if err != nil {
		return nil, classify(qctx, err)
	}
	defer rows.Close()

	records := make([]Record, 0, batchSize)
	for rows.Next() {
		var r Record
		if err := rows.StructScan(&r); err != nil {
			return nil, classify(qctx, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(qctx, err)
	}

	if len(records) > 0 {
		e.events.Emit(events.Event{
			Component: "queue", Name: "batch_claimed", Flow: flowName, InstanceID: instanceID,
			Fields: map[string]any{"count": len(records)},
		})
	}

	return records, nil
}

// Complete moves recordID from processing to completed, optionally
// replacing its payload with a result document. Idempotent: applying
// complete to a record already completed is a no-op. Applying it to a
// record in a different terminal state (failed) is IllegalTransition.
func (e *Engine) Complete(ctx context.Context, recordID int64, result store.JSONMap) error {
	qctx, cancel := e.ctx(ctx)
	defer cancel()

	current, err := e.statusOf(qctx, recordID)
	if err != nil {
		return err
	}
	switch current {
	case StatusCompleted:
		return nil
	case StatusFailed:
		return fmt.Errorf("%w: record %d is failed, cannot complete", errs.ErrIllegalTransition, recordID)
	case StatusPending:
		return fmt.Errorf("%w: record %d is pending, cannot complete", errs.ErrIllegalTransition, recordID)
	}

	var res sql.Result
	if result != nil {
		res, err = e.db.ExecContext(qctx,
			`UPDATE processing_queue SET status = 'completed', payload = $2, completed_at = now(), updated_at = now()
			 WHERE id = $1 AND status = 'processing'`,
			recordID, result)
	} else {
		res, err = e.db.ExecContext(qctx,
			`UPDATE processing_queue SET status = 'completed', completed_at = now(), updated_at = now()
			 WHERE id = $1 AND status = 'processing'`,
			recordID)
	}
	if err != nil {
		return classify(qctx, err)
	}
	return requireRowAffected(qctx, res, recordID)
}

// Fail moves recordID from processing to failed, recording
// errorMessage and incrementing retry_count. Idempotent on an
// already-failed record with the same terminal state.
func (e *Engine) Fail(ctx context.Context, recordID int64, errorMessage string) error {
	qctx, cancel := e.ctx(ctx)
	defer cancel()

	current, err := e.statusOf(qctx, recordID)
	if err != nil {
		return err
	}
	switch current {
	case StatusFailed:
		return nil
	case StatusCompleted:
		return fmt.Errorf("%w: record %d is completed, cannot fail", errs.ErrIllegalTransition, recordID)
	case StatusPending:
		return fmt.Errorf("%w: record %d is pending, cannot fail", errs.ErrIllegalTransition, recordID)
	}

	res, err := e.db.ExecContext(qctx,
		`UPDATE processing_queue
		 SET status = 'failed', error_message = $2, retry_count = retry_count + 1, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		recordID, errorMessage)
	if err != nil {
		return classify(qctx, err)
	}
	return requireRowAffected(qctx, res, recordID)
}

func (e *Engine) statusOf(ctx context.Context, recordID int64) (Status, error) {
	var s Status
	err := e.db.GetContext(ctx, &s, `SELECT status FROM processing_queue WHERE id = $1`, recordID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: record %d does not exist", errs.ErrQueryFailed, recordID)
	}
	if err != nil {
		return "", classify(ctx, err)
	}
	return s, nil
}

func requireRowAffected(ctx context.Context, res sql.Result, recordID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(ctx, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: record %d changed state concurrently", errs.ErrIllegalTransition, recordID)
	}
	return nil
}

// ReapOrphans returns processing rows whose claimed_at is older than
// orphanTimeout to pending, clearing instance_id/claimed_at and
// incrementing retry_count, and reports how many were recovered.
func (e *Engine) ReapOrphans(ctx context.Context, orphanTimeout time.Duration) (int, error) {
	qctx, cancel := e.ctx(ctx)
	defer cancel()

	res, err := e.db.ExecContext(qctx,
		`UPDATE processing_queue
		 SET status = 'pending', instance_id = NULL, claimed_at = NULL,
		     retry_count = retry_count + 1, updated_at = now()
		 WHERE status = 'processing' AND claimed_at < now() - $1 * interval '1 second'`,
		orphanTimeout.Seconds())
	if err != nil {
		return 0, classify(qctx, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(qctx, err)
	}
	return int(n), nil
}

// ResetFailed returns failed rows for flowName (or every flow, when
// flowName is empty) with retry_count < maxRetries to pending.
// error_message is cleared on the way back; retry_count is left
// untouched.
func (e *Engine) ResetFailed(ctx context.Context, flowName string, maxRetries int) (int, error) {
	qctx, cancel := e.ctx(ctx)
	defer cancel()

	var res sql.Result
	var err error
	if flowName == "" {
		res, err = e.db.ExecContext(qctx,
			`UPDATE processing_queue
			 SET status = 'pending', error_message = NULL, updated_at = now()
			 WHERE status = 'failed' AND retry_count < $1`,
			maxRetries)
	} else {
		res, err = e.db.ExecContext(qctx,
			`UPDATE processing_queue
			 SET status = 'pending', error_message = NULL, updated_at = now()
			 WHERE status = 'failed' AND retry_count < $1 AND flow_name = $2`,
			maxRetries, flowName)
	}
	if err != nil {
		return 0, classify(qctx, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(qctx, err)
	}

	if n > 0 {
		e.events.Emit(events.Event{
			Component: "queue", Name: "failed_reset", Flow: flowName,
			Fields: map[string]any{"count": n, "max_retries": maxRetries},
		})
	}
	return int(n), nil
}

// OrphanCount reports how many processing rows are currently older
// than orphanTimeout without mutating them, for health inspection.
func (e *Engine) OrphanCount(ctx context.Context, orphanTimeout time.Duration) (int, error) {
	qctx, cancel := e.ctx(ctx)
	defer cancel()

	var n int
	err := e.db.GetContext(qctx, &n,
		`SELECT count(*) FROM processing_queue
		 WHERE status = 'processing' AND claimed_at < now() - $1 * interval '1 second'`,
		orphanTimeout.Seconds())
	if err != nil {
		return 0, classify(qctx, err)
	}
	return n, nil
}

// Status returns aggregate counts for flowName, or across every flow
// when flowName is empty.
func (e *Engine) Status(ctx context.Context, flowName string) (QueueStatus, error) {
	qctx, cancel := e.ctx(ctx)
	defer cancel()

	var rows *sqlx.Rows
	var err error
	if flowName == "" {
		rows, err = e.db.QueryxContext(qctx, `SELECT status, count(*) FROM processing_queue GROUP BY status`)
	} else {
		rows, err = e.db.QueryxContext(qctx,
			`SELECT status, count(*) FROM processing_queue WHERE flow_name = $1 GROUP BY status`, flowName)
	}
	if err != nil {
		return QueueStatus{}, classify(qctx, err)
	}
	defer rows.Close()

	var qs QueueStatus
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStatus{}, classify(qctx, err)
		}
		switch status {
		case StatusPending:
			qs.Pending = count
		case StatusProcessing:
			qs.Processing = count
		case StatusCompleted:
			qs.Completed = count
		case StatusFailed:
			qs.Failed = count
		}
		qs.Total += count
	}
	return qs, rows.Err()
}

// StatusByFlow returns a per-flow breakdown, used by system_health
// when no single flow is requested.
func (e *Engine) StatusByFlow(ctx context.Context) (map[string]QueueStatus, error) {
	qctx, cancel := e.ctx(ctx)
	defer cancel()

	rows, err := e.db.QueryxContext(qctx,
		`SELECT flow_name, status, count(*) FROM processing_queue GROUP BY flow_name, status`)
	if err != nil {
		return nil, classify(qctx, err)
	}
	defer rows.Close()

	out := make(map[string]QueueStatus)
	for rows.Next() {
		var flow string
		var status Status
		var count int64
		if err := rows.Scan(&flow, &status, &count); err != nil {
			return nil, classify(qctx, err)
		}
		qs := out[flow]
		switch status {
		case StatusPending:
			qs.Pending = count
		case StatusProcessing:
			qs.Processing = count
		case StatusCompleted:
			qs.Completed = count
		case StatusFailed:
			qs.Failed = count
		}
		qs.Total += count
		out[flow] = qs
	}
	return out, rows.Err()
}
