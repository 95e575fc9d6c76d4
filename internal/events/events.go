// Package events implements the structured event sink: one JSON
// object per line, attributes fixed to {ts, component, event, flow,
// instance_id, record_id, fields...}. It is a thin layer over
// log/slog, the same logger every component already uses, so JSON
// lines to stderr and leveled structured logging are one mechanism.
package events

import (
	"io"
	"log/slog"
)

// NewLogger builds the JSON-lines logger whose records carry a "ts"
// timestamp attribute, the wire shape consumers of the event stream
// expect. Point it at os.Stderr for the default sink.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				a.Key = "ts"
			}
			return a
		},
	}))
}

// Sink emits queue lifecycle events. Loss of an event must never
// affect queue correctness; callers fire-and-forget.
type Sink struct {
	logger *slog.Logger
}

// NewSink wraps logger as an event sink.
func NewSink(logger *slog.Logger) *Sink {
	return &Sink{logger: logger}
}

// Event is one state-transition notification.
type Event struct {
	Component  string
	Name       string
	Flow       string
	InstanceID string
	RecordID   *int64
	Fields     map[string]any
}

// Emit writes ev as a structured log line. The component/event/flow/
// instance_id attributes are always present; record_id is added only
// when RecordID is set; Fields are appended as additional key-value
// attributes.
func (s *Sink) Emit(ev Event) {
	if s == nil || s.logger == nil {
		return
	}

	attrs := make([]any, 0, 10+2*len(ev.Fields))
	attrs = append(attrs,
		"component", ev.Component,
		"event", ev.Name,
		"flow", ev.Flow,
		"instance_id", ev.InstanceID,
	)
	if ev.RecordID != nil {
		attrs = append(attrs, "record_id", *ev.RecordID)
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}

	s.logger.Info("queue event", attrs...)
}

// EmitWarn is Emit at warn level, for degraded conditions such as a
// reap pass recovering orphans.
func (s *Sink) EmitWarn(ev Event) {
	if s == nil || s.logger == nil {
		return
	}

	attrs := make([]any, 0, 10+2*len(ev.Fields))
	attrs = append(attrs,
		"component", ev.Component,
		"event", ev.Name,
		"flow", ev.Flow,
		"instance_id", ev.InstanceID,
	)
	if ev.RecordID != nil {
		attrs = append(attrs, "record_id", *ev.RecordID)
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}

	s.logger.Warn("queue event", attrs...)
}
