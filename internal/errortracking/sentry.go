// Package errortracking optionally reports fatal startup failures and
// repeated handler errors to Sentry. Captured events are tagged with
// the flow, instance, and record they belong to.
package errortracking

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config resolves the optional Sentry wiring; a zero-value Config
// (Enabled false) yields a no-op Tracker.
type Config struct {
	Enabled     bool
	DSN         string
	Environment string
	SampleRate  float64
}

// Tracker wraps the Sentry SDK. All methods are no-ops when disabled,
// so callers never need to branch on whether tracking is configured.
type Tracker struct {
	enabled bool
	client  sentryHub
}

// sentryHub is the subset of *sentry.Hub used here, kept as an
// interface so tests can substitute a fake.
type sentryHub interface {
	CaptureException(exception error) *sentry.EventID
	WithScope(f func(*sentry.Scope))
	Flush(timeout time.Duration) bool
}

// Initialize sets up Sentry error tracking, or returns a disabled
// Tracker when cfg.Enabled is false.
func Initialize(cfg Config) (*Tracker, error) {
	if !cfg.Enabled {
		return &Tracker{enabled: false}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.SampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}

	return &Tracker{enabled: true, client: sentry.CurrentHub()}, nil
}

// Tags is the flow/instance/record tag set every captured event
// carries, mirroring the structured-event attribute set.
type Tags struct {
	Flow       string
	InstanceID string
	RecordID   string
}

func (t Tags) apply(scope *sentry.Scope) {
	if t.Flow != "" {
		scope.SetTag("flow", t.Flow)
	}
	if t.InstanceID != "" {
		scope.SetTag("instance_id", t.InstanceID)
	}
	if t.RecordID != "" {
		scope.SetTag("record_id", t.RecordID)
	}
}

// CaptureError reports err with the given tags. Intended for repeated
// HandlerErrors the operator wants surfaced outside the structured
// event log.
func (t *Tracker) CaptureError(_ context.Context, err error, tags Tags) string {
	if !t.enabled || err == nil {
		return ""
	}

	var eventID *sentry.EventID
	t.client.WithScope(func(scope *sentry.Scope) {
		tags.apply(scope)
		eventID = t.client.CaptureException(err)
	})

	if eventID != nil {
		return string(*eventID)
	}
	return ""
}

// CaptureFatal reports a fatal startup error (ConfigInvalid,
// UnsupportedStore, MigrationChecksumMismatch) and flushes
// immediately, since the process is about to exit.
func (t *Tracker) CaptureFatal(err error) {
	if !t.enabled || err == nil {
		return
	}
	t.client.CaptureException(err)
	t.client.Flush(2 * time.Second)
}

// Close flushes any buffered events.
func (t *Tracker) Close() {
	if !t.enabled {
		return
	}
	t.client.Flush(5 * time.Second)
}
