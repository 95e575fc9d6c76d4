package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/gorax/flowqueue/internal/config"
	"github.com/gorax/flowqueue/internal/errs"
	"github.com/gorax/flowqueue/internal/events"
	"github.com/gorax/flowqueue/internal/metrics"
	"github.com/gorax/flowqueue/internal/queue"
	"github.com/gorax/flowqueue/internal/store"
)

const maxErrorMessageBytes = 1024

// Loop owns one instance identity, runs the claim/process/report
// cycle for a single flow, and drains in-flight handlers on shutdown.
type Loop struct {
	engine  *queue.Engine
	handler Handler
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  *events.Sink

	instanceID string
	sem        semaphore
	wg         sync.WaitGroup
	cron       *cron.Cron

	onOutcome func(ok bool, duration time.Duration, errMsg string)

	stopClaiming chan struct{}
	stopOnce     sync.Once
}

// New builds a worker loop bound to a single flow. The instance_id is
// generated once here and held for the loop's entire lifetime.
func New(engine *queue.Engine, handler Handler, cfg *config.Config, m *metrics.Metrics, sink *events.Sink, logger *slog.Logger) *Loop {
	return &Loop{
		engine:       engine,
		handler:      handler,
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		events:       sink,
		instanceID:   newInstanceID(),
		sem:          newSemaphore(cfg.MaxInflight),
		stopClaiming: make(chan struct{}),
	}
}

// OnOutcome registers a callback invoked after every completed or
// failed record report, used to feed the Health Composer's
// performance/diagnostics window without the worker package depending
// on it directly.
func (l *Loop) OnOutcome(fn func(ok bool, duration time.Duration, errMsg string)) {
	l.onOutcome = fn
}

// newInstanceID builds host_token + "-" + random8. The host token
// alone is never assumed unique, since two containers on one node can
// share it.
func newInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%s-%s", host, suffix)
}

// InstanceID returns this loop's generated instance identity.
func (l *Loop) InstanceID() string { return l.instanceID }

// Run drives the claim/process/report cycle until ctx is canceled or
// Shutdown is called. It also starts the periodic orphan reaper and,
// when reset_failed_interval is set, the opt-in reset-failed sweep,
// both independent of the claim path.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("worker loop starting",
		"flow", l.cfg.FlowName, "instance_id", l.instanceID, "max_inflight", l.cfg.MaxInflight)

	l.startReaper(ctx)
	if l.cfg.ResetFailedInterval > 0 {
		l.startResetFailedSweep(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return ctx.Err()
		case <-l.stopClaiming:
			l.wg.Wait()
			return nil
		default:
		}

		records, err := l.engine.ClaimBatch(ctx, l.cfg.FlowName, l.instanceID, l.cfg.BatchSize)
		if err != nil {
			l.logger.Error("claim_batch failed, treating as empty batch", "error", err, "flow", l.cfg.FlowName)
			records = nil
		}

		if len(records) == 0 {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return ctx.Err()
			case <-l.stopClaiming:
				l.wg.Wait()
				return nil
			case <-time.After(l.cfg.IdleBackoff):
			}
			continue
		}

		if l.metrics != nil {
			l.metrics.RecordClaim(l.cfg.FlowName, len(records))
		}

		for _, rec := range records {
			rec := rec
			l.sem.acquire()
			l.wg.Add(1)
			if l.metrics != nil {
				l.metrics.SetActiveHandlers(float64(len(l.sem)))
			}
			go func() {
				defer l.wg.Done()
				defer func() {
					l.sem.release()
					if l.metrics != nil {
						l.metrics.SetActiveHandlers(float64(len(l.sem)))
					}
				}()
				l.process(ctx, rec)
			}()
		}
	}
}

func (l *Loop) process(ctx context.Context, rec queue.Record) {
	recordID := rec.ID
	start := time.Now()

	result, err := l.invoke(ctx, rec.Payload)
	duration := time.Since(start)

	if err != nil {
		msg := errs.Truncate(err.Error(), maxErrorMessageBytes)
		if reportErr := l.engine.Fail(ctx, recordID, msg); reportErr != nil {
			l.logger.Error("failed to report handler failure; record left processing for reaper",
				"error", reportErr, "record_id", recordID, "flow", l.cfg.FlowName)
			return
		}
		if l.metrics != nil {
			l.metrics.RecordFail(l.cfg.FlowName, rec.RetryCount+1 >= l.cfg.MaxRetries, duration.Seconds())
		}
		if l.onOutcome != nil {
			l.onOutcome(false, duration, msg)
		}
		l.events.EmitWarn(events.Event{
			Component: "worker", Name: "record_failed", Flow: l.cfg.FlowName,
			InstanceID: l.instanceID, RecordID: &recordID,
			Fields: map[string]any{"error": msg},
		})
		return
	}

	if reportErr := l.engine.Complete(ctx, recordID, result); reportErr != nil {
		l.logger.Error("failed to report completion; record left processing for reaper",
			"error", reportErr, "record_id", recordID, "flow", l.cfg.FlowName)
		return
	}
	if l.metrics != nil {
		l.metrics.RecordComplete(l.cfg.FlowName, duration.Seconds())
	}
	if l.onOutcome != nil {
		l.onOutcome(true, duration, "")
	}
	l.events.Emit(events.Event{
		Component: "worker", Name: "record_completed", Flow: l.cfg.FlowName,
		InstanceID: l.instanceID, RecordID: &recordID,
	})
}

// invoke runs the handler, converting a panic into an ordinary
// handler error. A raising handler is a record failure, never a
// process crash: one bad record must not take down the other
// in-flight records or the reaper.
func (l *Loop) invoke(ctx context.Context, payload store.JSONMap) (result store.JSONMap, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return l.handler(ctx, payload)
}

func (l *Loop) startReaper(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.ReapInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopClaiming:
				return
			case <-ticker.C:
				n, err := l.engine.ReapOrphans(ctx, l.cfg.OrphanTimeout)
				if err != nil {
					l.logger.Error("reap_orphans failed", "error", err, "flow", l.cfg.FlowName)
					continue
				}
				if n > 0 {
					if l.metrics != nil {
						l.metrics.RecordOrphansReaped(l.cfg.FlowName, n)
					}
					l.events.EmitWarn(events.Event{
						Component: "worker", Name: "orphans_reaped", Flow: l.cfg.FlowName,
						InstanceID: l.instanceID, Fields: map[string]any{"count": n},
					})
				}
			}
		}
	}()
}

// startResetFailedSweep schedules the opt-in reset-failed pass at the
// configured interval, separate from both the claim loop and the
// reaper goroutine so maintenance never competes with the hot path. By default failed
// records stay failed until an operator resets them; this sweep
// recycles them unattended, so it is off unless reset_failed_interval
// is set. When several instances of the same flow enable it they all
// contend on the same failed rows; at most one wins each pass.
func (l *Loop) startResetFailedSweep(ctx context.Context) {
	l.cron = cron.New()
	_, err := l.cron.AddFunc(fmt.Sprintf("@every %s", l.cfg.ResetFailedInterval), func() {
		l.sweepOnce(ctx)
	})
	if err != nil {
		l.logger.Error("failed to schedule reset_failed sweep", "error", err)
		return
	}
	l.cron.Start()
}

func (l *Loop) sweepOnce(ctx context.Context) {
	n, err := l.engine.ResetFailed(ctx, l.cfg.FlowName, l.cfg.MaxRetries)
	if err != nil {
		l.logger.Error("reset_failed sweep failed", "error", err, "flow", l.cfg.FlowName)
		return
	}
	if n > 0 {
		l.logger.Info("reset_failed sweep recovered records", "count", n, "flow", l.cfg.FlowName)
	}
}

// Shutdown begins graceful drain: claiming stops immediately, and
// in-flight handlers get up to shutdown_grace to finish. Handlers
// still running past the deadline are abandoned in place; their
// records are recovered by the next reaper pass.
func (l *Loop) Shutdown(ctx context.Context) {
	l.stopOnce.Do(func() { close(l.stopClaiming) })

	if l.cron != nil {
		cronCtx := l.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-time.After(l.cfg.ShutdownGrace):
		}
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("worker loop drained cleanly", "flow", l.cfg.FlowName, "instance_id", l.instanceID)
	case <-time.After(l.cfg.ShutdownGrace):
		l.logger.Warn("shutdown_grace elapsed with handlers still in flight; abandoning in place",
			"flow", l.cfg.FlowName, "instance_id", l.instanceID)
	case <-ctx.Done():
	}
}
