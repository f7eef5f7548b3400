package handlers

import (
	"context"

	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/runtime"
)

// AuditHandler records an audit event for the directive. It never blocks:
// the sink queues asynchronously.
type AuditHandler struct {
	sink domain.AuditSink
}

// NewAuditHandler creates the handler over sink.
func NewAuditHandler(sink domain.AuditSink) *AuditHandler {
	return &AuditHandler{sink: sink}
}

// Handle records the event and continues. Every string-valued attribute
// other than event and message becomes an event field.
func (h *AuditHandler) Handle(ctx context.Context, ec *domain.ExecutionContext, attrs *runtime.Attributes) runtime.Outcome {
	eventType, err := attrs.StringOr(ctx, "event", "directive")
	if err != nil {
		return runtime.Fail(err)
	}
	message, err := attrs.StringOr(ctx, "message", "")
	if err != nil {
		return runtime.Fail(err)
	}
	fields := make(map[string]string)
	for _, key := range attrs.Directive().Attributes.Keys() {
		if key == "event" || key == "message" {
			continue
		}
		v, _, err := attrs.Lookup(ctx, key)
		if err != nil {
			return runtime.Fail(err)
		}
		fields[key] = v.String()
	}
	if p, ok := ec.Identity(); ok {
		fields["subject"] = p.Subject
	}
	h.sink.Record(domain.AuditEvent{
		Type:      eventType,
		TraceID:   ec.TraceID(),
		Directive: attrs.Directive().ID(),
		Outcome:   "recorded",
		Message:   message,
		Fields:    fields,
	})
	return runtime.Continue()
}
