package errortracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantError bool
	}{
		{
			name: "successful initialization with valid config",
			cfg: Config{
				Enabled:     true,
				DSN:         "https://examplePublicKey@o0.ingest.sentry.io/0",
				Environment: "test",
				SampleRate:  1.0,
			},
			wantError: false,
		},
		{
			name:      "disabled sentry skips initialization",
			cfg:       Config{Enabled: false},
			wantError: false,
		},
		{
			name: "invalid DSN returns error",
			cfg: Config{
				Enabled:     true,
				DSN:         "invalid-dsn",
				Environment: "test",
				SampleRate:  1.0,
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sentry.Flush(time.Second)

			tracker, err := Initialize(tt.cfg)
			defer func() {
				if tracker != nil {
					tracker.Close()
				}
			}()

			if tt.wantError {
				assert.Error(t, err)
				assert.Nil(t, tracker)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, tracker)
			}
		})
	}
}

func TestTracker_CaptureError(t *testing.T) {
	tracker := &Tracker{enabled: true, client: &mockSentryHub{}}

	eventID := tracker.CaptureError(context.Background(), errors.New("test error"), Tags{
		Flow: "survey-scoring", InstanceID: "host-abc123", RecordID: "42",
	})
	assert.NotEmpty(t, eventID)
}

func TestTracker_CaptureError_NilErrorIsNoop(t *testing.T) {
	tracker := &Tracker{enabled: true, client: &mockSentryHub{}}
	assert.Empty(t, tracker.CaptureError(context.Background(), nil, Tags{}))
}

func TestTracker_CaptureError_DisabledIsNoop(t *testing.T) {
	tracker := &Tracker{enabled: false}
	assert.Empty(t, tracker.CaptureError(context.Background(), errors.New("x"), Tags{}))
}

func TestTracker_CaptureFatal(t *testing.T) {
	tracker := &Tracker{enabled: true, client: &mockSentryHub{}}
	// Should not panic.
	tracker.CaptureFatal(errors.New("config invalid: missing queue_store.dsn"))
}

func TestTracker_Close(t *testing.T) {
	tracker := &Tracker{enabled: true, client: &mockSentryHub{}}
	tracker.Close()
}

// mockSentryHub implements the subset of *sentry.Hub used by Tracker.
type mockSentryHub struct{}

func (m *mockSentryHub) CaptureException(exception error) *sentry.EventID {
	id := sentry.EventID("mock-event-id")
	return &id
}

func (m *mockSentryHub) WithScope(f func(*sentry.Scope)) {
	scope := sentry.NewScope()
	f(scope)
}

func (m *mockSentryHub) Flush(timeout time.Duration) bool {
	return true
}
