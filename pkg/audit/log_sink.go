package audit

import (
	"context"
	"log/slog"

	"github.com/polisai/directived/pkg/domain"
)

// LogSink writes each event as one structured log record.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink logs at level through logger (slog.Default when nil).
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) Write(ctx context.Context, events []domain.AuditEvent) error {
	for _, e := range events {
		attrs := []slog.Attr{
			slog.String("type", e.Type),
			slog.Time("at", e.At),
		}
		if e.TraceID != "" {
			attrs = append(attrs, slog.String("trace_id", e.TraceID))
		}
		if e.Directive != "" {
			attrs = append(attrs, slog.String("directive", e.Directive))
		}
		if e.Outcome != "" {
			attrs = append(attrs, slog.String("outcome", e.Outcome))
		}
		if len(e.Fields) > 0 {
			fields := make([]any, 0, len(e.Fields))
			for k, v := range e.Fields {
				fields = append(fields, slog.String(k, v))
			}
			attrs = append(attrs, slog.Group("fields", fields...))
		}
		msg := e.Message
		if msg == "" {
			msg = "audit"
		}
		s.logger.LogAttrs(ctx, s.level, msg, attrs...)
	}
	return nil
}
