// Package health composes system health, queue health, performance
// windows, and diagnostics, and serves them over HTTP: a three-tier
// /health, /health/live, /health/ready split plus /health/detailed
// and /metrics.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/gorax/flowqueue/internal/queue"
	"github.com/gorax/flowqueue/internal/store"
)

// Assessment is the three-tier health verdict.
type Assessment string

const (
	Healthy   Assessment = "healthy"
	Degraded  Assessment = "degraded"
	Unhealthy Assessment = "unhealthy"
)

// Thresholds tune queue_health's degraded/unhealthy boundaries.
// DefaultThresholds returns the stock values; fields are used as given,
// so a zero threshold trips on any non-zero count.
type Thresholds struct {
	FailedCritical   int64
	PendingWarning   int64
	SuccessWarningPct float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FailedCritical:    1000,
		PendingWarning:    10000,
		SuccessWarningPct: 90.0,
	}
}

// StoreHealth is the result of probing one named store.
type StoreHealth struct {
	Connected  bool          `json:"connected"`
	QueryOK    bool          `json:"query_ok"`
	ResponseMS int64         `json:"response_ms"`
	Error      string        `json:"error,omitempty"`
	PoolStats  *PoolStatsDTO `json:"pool_stats,omitempty"`
}

// PoolStatsDTO is the serializable shape of a pool's counters.
type PoolStatsDTO struct {
	Size      int `json:"size"`
	InUse     int `json:"in_use"`
	Idle      int `json:"idle"`
	Overflow  int `json:"overflow"`
	WaitCount int `json:"wait_count"`
}

// SystemHealth is the response shape of system_health().
type SystemHealth struct {
	Overall   Assessment             `json:"overall"`
	Stores    map[string]StoreHealth `json:"stores"`
	Queue     queue.QueueStatus      `json:"queue"`
	Timestamp time.Time              `json:"timestamp"`
}

// QueueHealth is the response shape of queue_health().
type QueueHealth struct {
	queue.QueueStatus
	Assessment Assessment `json:"assessment"`
}

// Performance is the response shape of performance(window).
type Performance struct {
	SuccessRatePct        float64  `json:"success_rate_pct"`
	AvgProcessingTimeMS    float64  `json:"avg_processing_time_ms"`
	ProcessingRatePerHour  float64  `json:"processing_rate_per_hour"`
	TopErrors              []string `json:"top_errors"`
}

// Issue is one entry in diagnostics()'s structured issue list.
type Issue struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// sample is one completed or failed record's timing, retained for the
// performance(window) rolling computation.
type sample struct {
	at       time.Time
	ok       bool
	duration time.Duration
	errMsg   string
}

// Composer answers system_health/queue_health/performance/diagnostics
// by combining store probes, queue status, and an in-memory window of
// recently reported outcomes. It holds no persistent state; the
// window is advisory telemetry and losing it affects nothing but
// reporting.
type Composer struct {
	access     *store.Access
	engine     *queue.Engine
	thresholds Thresholds

	mu        sync.Mutex
	window    []sample
	windowCap int

	orphanTimeout time.Duration
}

func NewComposer(access *store.Access, engine *queue.Engine, thresholds Thresholds, orphanTimeout time.Duration) *Composer {
	return &Composer{
		access:        access,
		engine:        engine,
		thresholds:    thresholds,
		windowCap:     4096,
		orphanTimeout: orphanTimeout,
	}
}

// RecordOutcome feeds the performance/diagnostics window. Call this
// from the Worker Loop after every complete/fail report.
func (c *Composer) RecordOutcome(ok bool, duration time.Duration, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = append(c.window, sample{at: time.Now(), ok: ok, duration: duration, errMsg: errMsg})
	if len(c.window) > c.windowCap {
		c.window = c.window[len(c.window)-c.windowCap:]
	}
}

func (c *Composer) snapshotWindow(since time.Time) []sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sample, 0, len(c.window))
	for _, s := range c.window {
		if s.at.After(since) {
			out = append(out, s)
		}
	}
	return out
}

// SystemHealth probes every configured store and folds in overall
// queue status.
func (c *Composer) SystemHealth(ctx context.Context) SystemHealth {
	stores := make(map[string]StoreHealth)
	overall := Healthy

	for name, probe := range c.access.Probe(ctx) {
		sh := StoreHealth{
			Connected:  probe.Connected,
			QueryOK:    probe.QueryOK,
			ResponseMS: probe.ResponseMS,
		}
		if probe.Err != nil {
			sh.Error = probe.Err.Error()
			overall = Unhealthy
		}
		stores[string(name)] = sh
	}

	stats := c.access.PoolStats()
	for name, s := range stats {
		sh := stores[string(name)]
		steady := c.access.SteadySize(name)
		size := steady
		if size == 0 {
			size = s.MaxOpenConnections
		}
		overflow := 0
		if steady > 0 && s.OpenConnections > steady {
			overflow = s.OpenConnections - steady
		}
		sh.PoolStats = &PoolStatsDTO{
			Size:      size,
			InUse:     s.InUse,
			Idle:      s.Idle,
			Overflow:  overflow,
			WaitCount: int(s.WaitCount),
		}
		stores[string(name)] = sh
	}

	qs, err := c.engine.Status(ctx, "")
	if err != nil && overall == Healthy {
		overall = Degraded
	}

	if overall == Healthy && qs.Failed > c.thresholds.FailedCritical {
		overall = Unhealthy
	}
	if overall == Healthy && qs.Pending > c.thresholds.PendingWarning {
		overall = Degraded
	}

	return SystemHealth{Overall: overall, Stores: stores, Queue: qs, Timestamp: time.Now()}
}

// QueueHealth returns queue totals for flowName (or every flow when
// empty) with a degraded/unhealthy assessment applied.
func (c *Composer) QueueHealth(ctx context.Context, flowName string) (QueueHealth, error) {
	qs, err := c.engine.Status(ctx, flowName)
	if err != nil {
		return QueueHealth{}, err
	}

	assessment := Healthy
	if qs.Failed > c.thresholds.FailedCritical {
		assessment = Unhealthy
	} else if qs.Pending > c.thresholds.PendingWarning {
		assessment = Degraded
	} else if rate := c.successRate(time.Hour); rate < c.thresholds.SuccessWarningPct && rate >= 0 {
		assessment = Degraded
	} else if orphans, err := c.engine.OrphanCount(ctx, c.orphanTimeout); err == nil && orphans > 0 {
		assessment = Degraded
	}

	return QueueHealth{QueueStatus: qs, Assessment: assessment}, nil
}

// FlowBreakdown returns per-flow queue totals, the breakdown
// system_health exposes when no single flow is requested.
func (c *Composer) FlowBreakdown(ctx context.Context) (map[string]queue.QueueStatus, error) {
	return c.engine.StatusByFlow(ctx)
}

func (c *Composer) successRate(window time.Duration) float64 {
	samples := c.snapshotWindow(time.Now().Add(-window))
	if len(samples) == 0 {
		return -1
	}
	var ok int
	for _, s := range samples {
		if s.ok {
			ok++
		}
	}
	return 100 * float64(ok) / float64(len(samples))
}

// Performance answers performance(window).
func (c *Composer) Performance(window time.Duration) Performance {
	samples := c.snapshotWindow(time.Now().Add(-window))
	if len(samples) == 0 {
		return Performance{}
	}

	var ok int
	var totalDuration time.Duration
	errCounts := make(map[string]int)
	for _, s := range samples {
		if s.ok {
			ok++
		} else if s.errMsg != "" {
			errCounts[s.errMsg]++
		}
		totalDuration += s.duration
	}

	hours := window.Hours()
	if hours <= 0 {
		hours = 1
	}

	return Performance{
		SuccessRatePct:       100 * float64(ok) / float64(len(samples)),
		AvgProcessingTimeMS:  float64(totalDuration.Milliseconds()) / float64(len(samples)),
		ProcessingRatePerHour: float64(len(samples)) / hours,
		TopErrors:            topErrors(errCounts, 5),
	}
}

func topErrors(counts map[string]int, n int) []string {
	type kv struct {
		k string
		v int
	}
	kvs := make([]kv, 0, len(counts))
	for k, v := range counts {
		kvs = append(kvs, kv{k, v})
	}
	for i := 0; i < len(kvs); i++ {
		for j := i + 1; j < len(kvs); j++ {
			if kvs[j].v > kvs[i].v {
				kvs[i], kvs[j] = kvs[j], kvs[i]
			}
		}
	}
	out := make([]string, 0, n)
	for i := 0; i < len(kvs) && i < n; i++ {
		out = append(out, kvs[i].k)
	}
	return out
}

// Diagnostics surfaces operational warnings. It includes the Open
// Question #5 aid: a warning when observed processing durations
// approach orphan_timeout, in lieu of a heartbeat protocol.
func (c *Composer) Diagnostics(ctx context.Context) []Issue {
	var issues []Issue

	for name, probe := range c.access.Probe(ctx) {
		if probe.Err != nil {
			issues = append(issues, Issue{Severity: "critical", Message: string(name) + " unreachable: " + probe.Err.Error()})
		}
	}

	samples := c.snapshotWindow(time.Now().Add(-time.Hour))
	var maxDuration time.Duration
	for _, s := range samples {
		if s.duration > maxDuration {
			maxDuration = s.duration
		}
	}
	if c.orphanTimeout > 0 && maxDuration > c.orphanTimeout*8/10 {
		issues = append(issues, Issue{
			Severity: "warning",
			Message:  "observed handler duration is within 20% of orphan_timeout; records may be falsely reaped",
		})
	}

	return issues
}
