// Package runtime defines the contract between the pipeline executor and
// directive handlers, keeping handler logic decoupled from execution
// mechanics.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/polisai/directived/pkg/domain"
)

// OutcomeKind classifies what a handler asks the executor to do next.
type OutcomeKind uint8

const (
	// OutcomeContinue proceeds to the next directive.
	OutcomeContinue OutcomeKind = iota
	// OutcomeShortCircuit stops the pipeline and emits the response.
	OutcomeShortCircuit
	// OutcomeRetry re-runs the same directive after a delay.
	OutcomeRetry
	// OutcomeFail aborts the directive; on_failure decides what follows.
	OutcomeFail
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeShortCircuit:
		return "short_circuit"
	case OutcomeRetry:
		return "retry"
	case OutcomeFail:
		return "fail"
	}
	return fmt.Sprintf("outcome(%d)", uint8(k))
}

// Outcome is the result of one handler invocation.
type Outcome struct {
	Kind     OutcomeKind
	Response domain.Value
	After    time.Duration
	Err      error
}

// Continue proceeds to the next directive.
func Continue() Outcome { return Outcome{Kind: OutcomeContinue} }

// ShortCircuit stops the pipeline with resp.
func ShortCircuit(resp domain.Value) Outcome {
	return Outcome{Kind: OutcomeShortCircuit, Response: resp}
}

// Retry asks for the directive to run again after d.
func Retry(after time.Duration) Outcome { return Outcome{Kind: OutcomeRetry, After: after} }

// Fail reports err. A nil err is replaced so a failure is never silent.
func Fail(err error) Outcome {
	if err == nil {
		err = fmt.Errorf("handler failed without an error")
	}
	return Outcome{Kind: OutcomeFail, Err: err}
}

// Failf is Fail with a formatted error.
func Failf(format string, args ...any) Outcome {
	return Fail(fmt.Errorf(format, args...))
}

// Handler executes one directive. Handlers read their attributes through
// attrs so that only the attributes they touch are resolved.
type Handler interface {
	Handle(ctx context.Context, ec *domain.ExecutionContext, attrs *Attributes) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ec *domain.ExecutionContext, attrs *Attributes) Outcome

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ec *domain.ExecutionContext, attrs *Attributes) Outcome {
	return f(ctx, ec, attrs)
}

// Response builds the conventional response map used by built-in handlers.
func Response(status int, body domain.Value) domain.Value {
	return domain.Map(map[string]domain.Value{
		"status": domain.Int(int64(status)),
		"body":   body,
	})
}
