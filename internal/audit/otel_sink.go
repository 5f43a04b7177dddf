package audit

import (
	"context"
	"log/slog"

	otellog "go.opentelemetry.io/otel/log"
)

const otelScope = "postboard/auth/audit"

// OTelSink emits events as OpenTelemetry log records.
type OTelSink struct {
	logger otellog.Logger
}

// NewOTelSink returns a sink on provider. If provider is nil, returns nil.
func NewOTelSink(provider otellog.LoggerProvider) *OTelSink {
	if provider == nil {
		return nil
	}
	return &OTelSink{logger: provider.Logger(otelScope)}
}

func (s *OTelSink) Name() string { return "otel" }

func (s *OTelSink) Write(ctx context.Context, ev Event) error {
	rec := otellog.Record{}
	rec.SetTimestamp(ev.OccurredAt)
	rec.SetBody(otellog.StringValue(string(ev.Action)))
	if severity(ev.Action) >= slog.LevelWarn {
		rec.SetSeverity(otellog.SeverityWarn)
		rec.SetSeverityText("WARN")
	} else {
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetSeverityText("INFO")
	}
	rec.AddAttributes(otellog.String("event.action", string(ev.Action)))
	if ev.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", ev.UserID))
	}
	if ev.Username != "" {
		rec.AddAttributes(otellog.String("username", ev.Username))
	}
	if ev.IP != "" {
		rec.AddAttributes(otellog.String("client.address", ev.IP))
	}
	if ev.Reason != "" {
		rec.AddAttributes(otellog.String("reason", ev.Reason))
	}
	s.logger.Emit(ctx, rec)
	return nil
}

func (s *OTelSink) Close() error { return nil }
