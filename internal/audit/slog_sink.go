package audit

import (
	"context"
	"log/slog"
)

// SlogSink writes events to a structured logger. Reuse detection is logged at WARN.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log.With("component", "audit")}
}

func (s *SlogSink) Name() string { return "slog" }

func (s *SlogSink) Write(ctx context.Context, ev Event) error {
	s.log.Log(ctx, severity(ev.Action), "security event",
		"action", string(ev.Action),
		"user_id", ev.UserID,
		"username", ev.Username,
		"ip", ev.IP,
		"reason", ev.Reason,
		"occurred_at", ev.OccurredAt,
	)
	return nil
}

func (s *SlogSink) Close() error { return nil }

func severity(a Action) slog.Level {
	switch a {
	case ActionRefreshReuseDetected, ActionLoginFailure:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
