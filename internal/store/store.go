// Package store owns the two named backing connections: queue_store,
// the read-write Postgres pool the queue engine claims and mutates
// records against, and source_store, a read-only pool (MySQL by
// default) handlers may query for reference data. Both are opened as
// sqlx pools; every statement Access runs carries the query timeout,
// while QueueDB and SourceDB hand out the raw pools without one.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/gorax/flowqueue/internal/errs"
	"github.com/gorax/flowqueue/internal/metrics"
)

// Name identifies one of the two named pools for logging, metrics, and
// health reporting.
type Name string

const (
	QueueStore  Name = "queue_store"
	SourceStore Name = "source_store"
)

// Driver names the SQL dialect behind a pool, since the two stores are
// not required to use the same one.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// PoolConfig resolves one store's pool.* option group.
type PoolConfig struct {
	DSN            string
	Driver         Driver
	Size           int
	MaxOverflow    int
	AcquireTimeout time.Duration
	MaxLifetime    time.Duration
}

func (c PoolConfig) maxOpen() int {
	return c.Size + c.MaxOverflow
}

// Access wraps the queue_store and source_store pools behind a single
// handle, enforcing the read-only contract on source_store and
// attaching query_timeout to every statement it runs.
type Access struct {
	queue        *sqlx.DB
	source       *sqlx.DB
	queryTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger

	// steady records each pool's configured steady-state size, so
	// callers can tell overflow connections apart from the base pool.
	steady map[Name]int
}

// Open connects both pools. A failure connecting queue_store is
// fatal; source_store is optional in deployments with no reference
// data to join against, so a nil sourceCfg skips it entirely.
func Open(ctx context.Context, queueCfg PoolConfig, sourceCfg *PoolConfig, queryTimeout time.Duration, m *metrics.Metrics, logger *slog.Logger) (*Access, error) {
	queueDB, err := connect(ctx, queueCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: queue_store: %v", errs.ErrStoreUnavailable, err)
	}

	var sourceDB *sqlx.DB
	if sourceCfg != nil {
		sourceDB, err = connect(ctx, *sourceCfg)
		if err != nil {
			_ = queueDB.Close()
			return nil, fmt.Errorf("%w: source_store: %v", errs.ErrStoreUnavailable, err)
		}
	}

	a := NewAccess(queueDB, sourceDB, queryTimeout, m, logger)
	a.steady[QueueStore] = queueCfg.Size
	if sourceCfg != nil {
		a.steady[SourceStore] = sourceCfg.Size
	}
	return a, nil
}

// NewAccess wraps already-connected pools as an Access, the seam Open
// delegates to and tests use to substitute mock-backed pools without
// dialing a real database.
func NewAccess(queueDB, sourceDB *sqlx.DB, queryTimeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Access {
	return &Access{
		queue:        queueDB,
		source:       sourceDB,
		queryTimeout: queryTimeout,
		metrics:      m,
		logger:       logger,
		steady:       make(map[Name]int),
	}
}

// SteadySize reports the configured steady-state size of a pool, or
// zero when the pool was attached without one.
func (a *Access) SteadySize(name Name) int { return a.steady[name] }

func connect(ctx context.Context, cfg PoolConfig) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.maxOpen())
	db.SetMaxIdleConns(cfg.Size)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	return db, nil
}

// QueueDB returns the read-write queue_store pool for the Queue Engine.
func (a *Access) QueueDB() *sqlx.DB { return a.queue }

// SourceDB returns the read-only source_store pool, or nil when none
// is configured, for callers (metrics collectors, diagnostics) that
// need the raw *sqlx.DB rather than SourceQuery's guarded access.
func (a *Access) SourceDB() *sqlx.DB { return a.source }

// pool resolves a named store to its sqlx pool, and guard rejects a
// statement the store's contract does not permit: source_store is
// read-only, so anything but a SELECT fails with ErrReadOnlyStore.
func (a *Access) pool(name Name) (*sqlx.DB, error) {
	switch name {
	case QueueStore:
		return a.queue, nil
	case SourceStore:
		if a.source == nil {
			return nil, fmt.Errorf("%w: source_store not configured", errs.ErrUnsupportedStore)
		}
		return a.source, nil
	default:
		return nil, fmt.Errorf("%w: unknown store %q", errs.ErrUnsupportedStore, name)
	}
}

func (a *Access) guard(name Name, query string) error {
	if name == SourceStore && !isSelect(query) {
		return fmt.Errorf("%w: source_store accepts only SELECT", errs.ErrReadOnlyStore)
	}
	return nil
}

func classifyStoreErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", errs.ErrQueryTimeout, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrQueryFailed, err)
}

func operationOf(query string) string {
	fields := strings.Fields(strings.ToLower(query))
	if len(fields) == 0 {
		return "exec"
	}
	switch fields[0] {
	case "select", "with", "insert", "update", "delete":
		return fields[0]
	default:
		return "exec"
	}
}

// Statement pairs one query with its parameters for ExecuteTx.
type Statement struct {
	Query string
	Args  []interface{}
}

// Execute runs a single parameterized statement against the named
// store with the configured per-query deadline attached, committing
// implicitly on success. SELECTs return their rows as generic maps;
// mutations return nil rows.
func (a *Access) Execute(ctx context.Context, name Name, query string, args ...interface{}) ([]map[string]interface{}, error) {
	db, err := a.pool(name)
	if err != nil {
		return nil, err
	}
	if err := a.guard(name, query); err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := runStatement(qctx, db, query, args)
	a.recordQuery(name, operationOf(query), time.Since(start), err)
	if err != nil {
		return nil, classifyStoreErr(qctx, err)
	}
	return rows, nil
}

// ExecuteTx runs every statement in one transaction against the named
// store, rolling back on the first failure and returning per-statement
// rows on success.
func (a *Access) ExecuteTx(ctx context.Context, name Name, stmts []Statement) ([][]map[string]interface{}, error) {
	db, err := a.pool(name)
	if err != nil {
		return nil, err
	}
	for _, st := range stmts {
		if err := a.guard(name, st.Query); err != nil {
			return nil, err
		}
	}
	if len(stmts) == 0 {
		return nil, nil
	}

	qctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	tx, err := db.BeginTxx(qctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	out := make([][]map[string]interface{}, 0, len(stmts))
	for _, st := range stmts {
		start := time.Now()
		rows, err := runStatement(qctx, tx, st.Query, st.Args)
		a.recordQuery(name, operationOf(st.Query), time.Since(start), err)
		if err != nil {
			return nil, classifyStoreErr(qctx, err)
		}
		out = append(out, rows)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyStoreErr(qctx, err)
	}
	return out, nil
}

func runStatement(ctx context.Context, db sqlx.ExtContext, query string, args []interface{}) ([]map[string]interface{}, error) {
	if isSelect(query) {
		rows, err := db.QueryxContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []map[string]interface{}
		for rows.Next() {
			row := map[string]interface{}{}
			if err := rows.MapScan(row); err != nil {
				return nil, err
			}
			out = append(out, row)
		}
		return out, rows.Err()
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	return nil, nil
}

// SourceQuery runs a SELECT against source_store, rejecting anything
// that isn't a read.
func (a *Access) SourceQuery(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	if a.source == nil {
		return nil, fmt.Errorf("%w: source_store not configured", errs.ErrUnsupportedStore)
	}
	if err := a.guard(SourceStore, query); err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := a.source.QueryxContext(qctx, query, args...)
	a.recordQuery(SourceStore, "select", time.Since(start), err)
	if err != nil {
		return nil, classifyStoreErr(qctx, err)
	}
	return rows, nil
}

func (a *Access) recordQuery(pool Name, operation string, dur time.Duration, err error) {
	if a.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	a.metrics.RecordDBQuery(string(pool), operation, status, dur.Seconds())
}

func isSelect(query string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	return strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH")
}

// ProbeResult is one named store's health answer: whether a
// connection could be established, whether the trivial probe query
// ran, and how long the round trip took.
type ProbeResult struct {
	Connected  bool
	QueryOK    bool
	ResponseMS int64
	Err        error
}

// Probe pings every configured pool, runs SELECT 1 against it, and
// times the round trip.
func (a *Access) Probe(ctx context.Context) map[Name]ProbeResult {
	out := map[Name]ProbeResult{
		QueueStore: a.probeOne(ctx, a.queue),
	}
	if a.source != nil {
		out[SourceStore] = a.probeOne(ctx, a.source)
	}
	return out
}

func (a *Access) probeOne(ctx context.Context, db *sqlx.DB) ProbeResult {
	qctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	start := time.Now()
	if err := db.PingContext(qctx); err != nil {
		return ProbeResult{ResponseMS: time.Since(start).Milliseconds(), Err: err}
	}

	var one int
	err := db.GetContext(qctx, &one, "SELECT 1")
	return ProbeResult{
		Connected:  true,
		QueryOK:    err == nil,
		ResponseMS: time.Since(start).Milliseconds(),
		Err:        err,
	}
}

// PoolStats reports database/sql.DBStats for every configured pool.
func (a *Access) PoolStats() map[Name]sql.DBStats {
	out := map[Name]sql.DBStats{
		QueueStore: a.queue.Stats(),
	}
	if a.source != nil {
		out[SourceStore] = a.source.Stats()
	}
	return out
}

// Close closes every configured pool, returning the first error.
func (a *Access) Close() error {
	var firstErr error
	if err := a.queue.Close(); err != nil {
		firstErr = err
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
