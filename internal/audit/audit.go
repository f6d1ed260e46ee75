// Package audit records every authentication decision. Events fan out to a
// set of sinks (an in-memory ring buffer, the structured log, optionally
// Kafka); LOGIN_FAILED and AUTH_ERROR are also sent to an alert sink.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/inkpad/server/internal/reqmeta"
)

// Action classifies an audit event.
type Action string

const (
	ActionLoginSuccess   Action = "LOGIN_SUCCESS"
	ActionLoginFailed    Action = "LOGIN_FAILED"
	ActionTokenExpired   Action = "TOKEN_EXPIRED"
	ActionTokenInvalid   Action = "TOKEN_INVALID"
	ActionUserNotFound   Action = "USER_NOT_FOUND"
	ActionAuthError      Action = "AUTH_ERROR"
	ActionTokenRefreshed Action = "TOKEN_REFRESHED"
	ActionLogout         Action = "LOGOUT"
)

// Escalated reports whether events with this action go to the alert sink.
func (a Action) Escalated() bool {
	return a == ActionAuthError || a == ActionLoginFailed
}

// Event is a single auth decision.
type Event struct {
	Action    Action    `json:"action"`
	UserID    string    `json:"userId,omitempty"`
	Email     string    `json:"email,omitempty"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent returns an event for action populated with the request metadata.
func NewEvent(action Action, meta reqmeta.Metadata) Event {
	return Event{
		Action:    action,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		URL:       meta.URL,
		Method:    meta.Method,
	}
}

// Sink receives audit events.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Recorder is what the auth components depend on.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Logger implements Recorder. Recording is best-effort: sink failures are
// logged and never reach the caller.
type Logger struct {
	sinks []Sink
	alert Sink
	now   func() time.Time
}

// NewLogger returns a Logger writing every event to sinks and escalated events to alert.
// alert may be nil.
func NewLogger(alert Sink, sinks ...Sink) *Logger {
	return &Logger{sinks: sinks, alert: alert, now: time.Now}
}

// Record stamps e and writes it to every sink.
func (l *Logger) Record(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	for _, s := range l.sinks {
		if err := s.Write(ctx, e); err != nil {
			slog.Error("audit: sink write failed", "action", e.Action, "error", err)
		}
	}
	if l.alert != nil && e.Action.Escalated() {
		if err := l.alert.Write(ctx, e); err != nil {
			slog.Error("audit: alert write failed", "action", e.Action, "error", err)
		}
	}
}

// Nop discards events.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Event) {}
