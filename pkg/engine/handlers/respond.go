package handlers

import (
	"context"
	"net/http"

	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/runtime"
)

// RespondHandler sets the pipeline response from the status, body and
// headers attributes.
type RespondHandler struct{}

// NewRespondHandler creates the respond handler.
func NewRespondHandler() *RespondHandler { return &RespondHandler{} }

// Handle stores the response and continues.
func (RespondHandler) Handle(ctx context.Context, ec *domain.ExecutionContext, attrs *runtime.Attributes) runtime.Outcome {
	status, err := attrs.IntOr(ctx, "status", http.StatusOK)
	if err != nil {
		return runtime.Fail(err)
	}
	if status < 100 || status > 599 {
		return runtime.Failf("status %d out of range", status)
	}
	body, _, err := attrs.Lookup(ctx, "body")
	if err != nil {
		return runtime.Fail(err)
	}
	resp := map[string]domain.Value{
		"status": domain.Int(status),
		"body":   body,
	}
	headers, ok, err := attrs.Lookup(ctx, "headers")
	if err != nil {
		return runtime.Fail(err)
	}
	if ok {
		if headers.Type() != domain.TypeMap {
			return runtime.Fail(domain.NewTypeError("headers must be map, got %s", headers.Type()))
		}
		resp["headers"] = headers
	}
	ec.SetResponse(domain.Map(resp))
	return runtime.Continue()
}
