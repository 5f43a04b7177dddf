package audit

import (
	"context"
	"time"
)

// Action names a security-relevant event in the session lifecycle.
type Action string

const (
	ActionRegister             Action = "register"
	ActionLoginSuccess         Action = "login_success"
	ActionLoginFailure         Action = "login_failure"
	ActionRefreshRotated       Action = "refresh_rotated"
	ActionRefreshReuseDetected Action = "refresh_reuse_detected"
	ActionLogout               Action = "logout"
	ActionLogoutAll            Action = "logout_all"
	ActionProfileUpdated       Action = "profile_updated"
)

// Event is one security event. Token material is never part of an event.
type Event struct {
	Action     Action    `json:"action"`
	UserID     string    `json:"userId,omitempty"`
	Username   string    `json:"username,omitempty"`
	IP         string    `json:"ip,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// AuditLogger records security events. LogEvent is best-effort: failures are
// logged and never affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, ev Event)
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) LogEvent(context.Context, Event) {}
