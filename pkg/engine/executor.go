package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/directived/internal/governance"
	"github.com/polisai/directived/pkg/directive"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/runtime"
	"github.com/polisai/directived/pkg/operators"
	"github.com/polisai/directived/pkg/telemetry"
)

// ErrNoTable is returned when a unit arrives before any table was published.
var ErrNoTable = errors.New("no directive table loaded")

// maxRedirectDepth bounds redirect_to hops. The compiler rejects redirect
// cycles, so this only guards hand-built tables.
const maxRedirectDepth = 16

// State is the lifecycle position of one pipeline invocation.
type State uint8

const (
	StateBuilding State = iota
	StateEvaluating
	StateExecuting
	StateCompleted
	StateFailed
	StateShortCircuited
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateEvaluating:
		return "evaluating"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateShortCircuited:
		return "short_circuited"
	}
	return "unknown"
}

// Terminal reports whether s ends an invocation.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateShortCircuited
}

// UnitKind distinguishes requests from scheduled events.
type UnitKind uint8

const (
	UnitRequest UnitKind = iota
	UnitCron
)

func (k UnitKind) String() string {
	if k == UnitCron {
		return "cron"
	}
	return "request"
}

// Unit is one piece of work handed to the executor.
type Unit struct {
	Kind    UnitKind
	TraceID string // generated when empty
	Input   map[string]domain.Value
	// Route is the ID of the matched route or api directive, if any.
	Route string
	// Cron is the ID of the triggering cron directive.
	Cron string
	// Timeout, when positive, overrides the executor default.
	Timeout time.Duration
}

// Step records one directive execution.
type Step struct {
	Directive string
	Outcome   string
	Attempts  int
	Duration  time.Duration
	Err       error
}

// Result is the structured outcome of one invocation. Every failure is
// reported here; Execute never panics and never returns a nil Result.
type Result struct {
	TraceID     string
	State       State
	Response    domain.Value
	HasResponse bool
	Err         error
	Steps       []Step
	Recovered   []error
	Generation  uint64
	Duration    time.Duration
}

// Executed lists the directive IDs that ran, in order.
func (r *Result) Executed() []string {
	ids := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		ids[i] = s.Directive
	}
	return ids
}

// ExecutorConfig holds the executor's dependencies.
type ExecutorConfig struct {
	Store    *TableStore
	Handlers *HandlerRegistry
	Resolver *operators.Resolver
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Audit    domain.AuditSink
	// DefaultTimeout applies to units without their own timeout. Zero
	// means no deadline.
	DefaultTimeout time.Duration
	// Backoff computes the delay for Retry outcomes that carry none.
	Backoff governance.BackoffConfig
	Now     func() time.Time
}

// Executor runs directive pipelines. It is safe for concurrent use; each
// Execute call owns its own execution context.
type Executor struct {
	store    *TableStore
	handlers *HandlerRegistry
	resolver *operators.Resolver
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	audit    domain.AuditSink
	timeout  time.Duration
	backoff  governance.BackoffConfig
	now      func() time.Time
	tracer   trace.Tracer
}

// NewExecutor validates cfg and creates an executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Store == nil {
		return nil, errors.New("executor: table store is required")
	}
	if cfg.Handlers == nil {
		return nil, errors.New("executor: handler registry is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("executor: resolver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.Backoff
	if backoff.Initial <= 0 {
		backoff = governance.DefaultBackoffConfig()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		store:    cfg.Store,
		handlers: cfg.Handlers,
		resolver: cfg.Resolver,
		logger:   logger,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		timeout:  cfg.DefaultTimeout,
		backoff:  backoff,
		now:      now,
		tracer:   otel.Tracer(telemetry.TracerName),
	}, nil
}

// invocation is the mutable state of one Execute call.
type invocation struct {
	snap   *Snapshot
	ec     *domain.ExecutionContext
	result *Result
}

// nodeResult is what a directive, after its failure policy, leaves for the
// pipeline: continue, stop with a response, stop after a redirect, or fail.
type nodeResult struct {
	outcome runtime.Outcome
	stop    bool
}

// Execute runs the pipeline for u against the live table snapshot.
func (e *Executor) Execute(ctx context.Context, u Unit) *Result {
	start := e.now()
	traceID := u.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	res := &Result{TraceID: traceID, State: StateBuilding}

	snap := e.store.Load()
	if snap == nil {
		return e.finish(nil, nil, res, start, ErrNoTable)
	}
	res.Generation = snap.Generation

	ec := domain.NewExecutionContext(traceID, u.Input)
	timeout := e.timeout
	if u.Timeout > 0 {
		timeout = u.Timeout
	}
	if timeout > 0 {
		deadline := start.Add(timeout)
		ec.SetDeadline(deadline)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	} else if deadline, ok := ctx.Deadline(); ok {
		ec.SetDeadline(deadline)
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("pipeline.trace_id", traceID),
		attribute.String("pipeline.unit", u.Kind.String()),
		attribute.String("table.digest", snap.Table.Digest()),
		attribute.Int64("table.generation", int64(snap.Generation)),
	))
	defer span.End()

	inv := &invocation{snap: snap, ec: ec, result: res}

	candidates, err := Candidates(snap.Table, u)
	if err != nil {
		return e.finish(inv, span, res, start, err)
	}

	res.State = StateEvaluating
	pipeline, err := e.build(ctx, inv, candidates)
	if err != nil {
		return e.finish(inv, span, res, start, err)
	}
	span.SetAttributes(attribute.Int("pipeline.length", len(pipeline)))

	res.State = StateExecuting
	for _, d := range pipeline {
		if err := e.checkDeadline(ctx, ec, d); err != nil {
			return e.finish(inv, span, res, start, err)
		}
		nr := e.runNode(ctx, inv, d, 0)
		if nr.outcome.Kind == runtime.OutcomeFail {
			return e.finish(inv, span, res, start, nr.outcome.Err)
		}
		if nr.outcome.Kind == runtime.OutcomeShortCircuit {
			ec.SetResponse(nr.outcome.Response)
			res.State = StateShortCircuited
			return e.finish(inv, span, res, start, nil)
		}
		if nr.stop {
			break
		}
	}
	res.State = StateCompleted
	return e.finish(inv, span, res, start, nil)
}

// Candidates selects the directives that may take part in u's pipeline,
// before conditions are evaluated. Chain members only run through their
// chain.
func Candidates(t *directive.Table, u Unit) ([]*domain.Directive, error) {
	var route, cronDirective *domain.Directive
	switch u.Kind {
	case UnitRequest:
		if u.Route != "" {
			d, ok := t.Get(u.Route)
			if !ok || !d.Kind.Routable() {
				return nil, fmt.Errorf("%w: route %s", domain.ErrDirectiveNotFound, u.Route)
			}
			route = d
		}
	case UnitCron:
		d, ok := t.Get(u.Cron)
		if !ok || d.Kind != domain.KindCron {
			return nil, fmt.Errorf("%w: cron %s", domain.ErrDirectiveNotFound, u.Cron)
		}
		cronDirective = d
	}

	var out []*domain.Directive
	for _, d := range t.Directives() {
		if t.IsChainMember(d) {
			continue
		}
		switch {
		case d.Kind.Routable():
			if d != route {
				continue
			}
		case d.Kind == domain.KindCron:
			if d != cronDirective {
				continue
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// build evaluates each candidate's condition once and orders the active
// directives by priority, then declaration order.
func (e *Executor) build(ctx context.Context, inv *invocation, candidates []*domain.Directive) ([]*domain.Directive, error) {
	active := make([]*domain.Directive, 0, len(candidates))
	for _, d := range candidates {
		ok, err := e.active(ctx, inv.ec, d)
		if err != nil {
			if errors.Is(err, domain.ErrTimeout) || d.OnFailure != domain.FailContinue {
				return nil, e.asTimeout(err, d)
			}
			inv.ec.RecordError(err)
			continue
		}
		if ok {
			active = append(active, d)
		}
	}
	return directive.Ordered(active), nil
}

func (e *Executor) active(ctx context.Context, ec *domain.ExecutionContext, d *domain.Directive) (bool, error) {
	if d.Condition == nil {
		return true, nil
	}
	v, err := e.resolver.Resolve(ctx, d.Condition, ec)
	if err != nil {
		return false, fmt.Errorf("%s condition: %w", d.ID(), err)
	}
	b, ok := v.AsBool()
	if !ok {
		return false, fmt.Errorf("%s condition: %w", d.ID(), domain.NewTypeError("condition evaluated to %s", v.Type()))
	}
	return b, nil
}

// runNode executes d (or its chain) and applies d's on_failure policy.
func (e *Executor) runNode(ctx context.Context, inv *invocation, d *domain.Directive, depth int) nodeResult {
	var out runtime.Outcome
	if len(d.Chain) > 0 {
		var stop bool
		out, stop = e.runChain(ctx, inv, d, depth)
		if stop || out.Kind != runtime.OutcomeContinue {
			return e.applyPolicy(ctx, inv, d, nodeResult{outcome: out, stop: stop}, depth)
		}
		if d.HandlerRef == "" {
			return nodeResult{outcome: out}
		}
	}
	out = e.runDirective(ctx, inv, d)
	return e.applyPolicy(ctx, inv, d, nodeResult{outcome: out}, depth)
}

// runChain runs the members of a middleware chain in declaration order.
func (e *Executor) runChain(ctx context.Context, inv *invocation, d *domain.Directive, depth int) (runtime.Outcome, bool) {
	if depth > maxRedirectDepth {
		return runtime.Fail(fmt.Errorf("%s: chain nesting too deep", d.ID())), false
	}
	for _, id := range d.Chain {
		member, ok := inv.snap.Table.Get(id)
		if !ok {
			return runtime.Fail(fmt.Errorf("%w: %s", domain.ErrDirectiveNotFound, id)), false
		}
		if err := e.checkDeadline(ctx, inv.ec, member); err != nil {
			return runtime.Fail(err), false
		}
		active, err := e.active(ctx, inv.ec, member)
		if err != nil {
			if errors.Is(err, domain.ErrTimeout) || member.OnFailure != domain.FailContinue {
				return runtime.Fail(e.asTimeout(err, member)), false
			}
			inv.ec.RecordError(err)
			continue
		}
		if !active {
			continue
		}
		nr := e.runNode(ctx, inv, member, depth+1)
		if nr.stop || nr.outcome.Kind != runtime.OutcomeContinue {
			return nr.outcome, nr.stop
		}
	}
	return runtime.Continue(), false
}

// applyPolicy routes a failure through on_failure. Timeouts always fail.
func (e *Executor) applyPolicy(ctx context.Context, inv *invocation, d *domain.Directive, nr nodeResult, depth int) nodeResult {
	if nr.outcome.Kind != runtime.OutcomeFail {
		return nr
	}
	err := nr.outcome.Err
	if errors.Is(err, domain.ErrTimeout) {
		return nr
	}
	switch d.OnFailure {
	case domain.FailContinue:
		e.logger.Warn("directive failed, continuing",
			"trace_id", inv.ec.TraceID(),
			"directive", d.ID(),
			"error", err,
		)
		inv.ec.RecordError(err)
		return nodeResult{outcome: runtime.Continue()}
	case domain.FailRedirect:
		target, ok := inv.snap.Table.Get(d.RedirectTo)
		if !ok || depth >= maxRedirectDepth {
			return nodeResult{outcome: runtime.Fail(fmt.Errorf("%s: redirect to %s: %w", d.ID(), d.RedirectTo, err))}
		}
		e.logger.Info("directive failed, redirecting",
			"trace_id", inv.ec.TraceID(),
			"directive", d.ID(),
			"redirect_to", target.ID(),
			"error", err,
		)
		inv.ec.RecordError(err)
		if derr := e.checkDeadline(ctx, inv.ec, target); derr != nil {
			return nodeResult{outcome: runtime.Fail(derr)}
		}
		redirected := e.runNode(ctx, inv, target, depth+1)
		redirected.stop = true
		return redirected
	}
	return nr
}

// runDirective invokes d's handler, retrying on Retry outcomes up to
// d.MaxRetries, and records the step.
func (e *Executor) runDirective(ctx context.Context, inv *invocation, d *domain.Directive) runtime.Outcome {
	ctx, span := e.tracer.Start(ctx, "pipeline.directive", trace.WithAttributes(
		attribute.String("directive.id", d.ID()),
		attribute.String("directive.kind", d.Kind.String()),
		attribute.String("directive.handler", d.HandlerRef),
		attribute.Int("directive.priority", d.Priority),
	))
	defer span.End()

	start := e.now()
	attempts := 0
	handler, canonical, ok := e.handlers.Resolve(d.HandlerRef)
	var out runtime.Outcome
	if !ok {
		out = runtime.Fail(&domain.HandlerError{Directive: d.ID(), Err: fmt.Errorf("%w: %s", domain.ErrHandlerNotFound, d.HandlerRef)})
	} else {
		attrs := runtime.NewAttributes(d, inv.snap.Table, e.resolver, inv.ec)
		for {
			attempts++
			out = e.invoke(ctx, handler, inv.ec, attrs)
			if err := e.checkDeadline(ctx, inv.ec, d); err != nil {
				out = runtime.Fail(err)
				break
			}
			if out.Kind != runtime.OutcomeRetry {
				break
			}
			if attempts > d.MaxRetries {
				out = runtime.Fail(fmt.Errorf("%w: %d attempts", domain.ErrRetriesExhausted, attempts))
				break
			}
			delay := out.After
			if delay <= 0 {
				delay = e.backoff.Backoff(attempts - 1)
			}
			span.AddEvent("directive.retry", trace.WithAttributes(
				attribute.Int("retry.attempt", attempts),
				attribute.Int64("retry.delay_ms", delay.Milliseconds()),
			))
			if err := sleepContext(ctx, delay); err != nil {
				out = runtime.Fail(err)
				break
			}
		}
	}
	if out.Kind == runtime.OutcomeFail {
		out.Err = e.classify(d, out.Err)
	}
	duration := e.now().Sub(start)
	inv.ec.AddTimer(d.ID(), duration)

	step := Step{Directive: d.ID(), Outcome: out.Kind.String(), Attempts: attempts, Duration: duration, Err: out.Err}
	inv.result.Steps = append(inv.result.Steps, step)

	timedOut := out.Kind == runtime.OutcomeFail && errors.Is(out.Err, domain.ErrTimeout)
	span.SetAttributes(
		attribute.String("directive.outcome", step.Outcome),
		attribute.Int("directive.attempts", attempts),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	telemetry.RecordDirectiveMetrics(ctx, telemetry.DirectiveMetrics{
		TableDigest: inv.snap.Table.Digest(),
		Directive:   d.ID(),
		Kind:        d.Kind.String(),
		Handler:     canonical,
		Outcome:     step.Outcome,
		Duration:    duration,
		Retries:     retries,
		TimedOut:    timedOut,
	})
	e.metrics.RecordDirective(d.Kind.String(), step.Outcome)

	e.logger.Debug("directive executed",
		"trace_id", inv.ec.TraceID(),
		"directive", d.ID(),
		"outcome", step.Outcome,
		"attempts", attempts,
		"duration", duration,
	)
	return out
}

// invoke calls the handler, converting a panic into a failure.
func (e *Executor) invoke(ctx context.Context, h runtime.Handler, ec *domain.ExecutionContext, attrs *runtime.Attributes) (out runtime.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("directive handler panicked",
				"trace_id", ec.TraceID(),
				"directive", attrs.Directive().ID(),
				"panic", r,
			)
			out = runtime.Fail(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Handle(ctx, ec, attrs)
}

// classify wraps a handler failure so callers can tell timeouts from
// handler errors.
func (e *Executor) classify(d *domain.Directive, err error) error {
	if errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return e.asTimeout(err, d)
	}
	var he *domain.HandlerError
	if errors.As(err, &he) {
		return err
	}
	return &domain.HandlerError{Directive: d.ID(), Err: err}
}

func (e *Executor) asTimeout(err error, d *domain.Directive) error {
	var te *domain.TimeoutError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.TimeoutError{Directive: d.ID()}
	}
	return err
}

func (e *Executor) checkDeadline(ctx context.Context, ec *domain.ExecutionContext, d *domain.Directive) error {
	deadline, _ := ec.Deadline()
	if err := ec.CheckDeadline(e.now()); err != nil {
		return &domain.TimeoutError{Directive: d.ID(), Deadline: deadline}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.TimeoutError{Directive: d.ID(), Deadline: deadline}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", d.ID(), err)
	}
	return nil
}

// finish decides the terminal state, runs completion hooks and emits
// telemetry and audit events.
func (e *Executor) finish(inv *invocation, span trace.Span, res *Result, start time.Time, err error) *Result {
	if err != nil {
		res.State = StateFailed
		res.Err = err
	}
	var ec *domain.ExecutionContext
	if inv != nil {
		ec = inv.ec
		ec.RunCompletionHooks(res.State.String())
		if v, ok := ec.Response(); ok {
			res.Response, res.HasResponse = v, true
		}
		res.Recovered = ec.Errors()
	}
	res.Duration = e.now().Sub(start)

	if span != nil {
		span.SetAttributes(attribute.String("pipeline.state", res.State.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	e.metrics.RecordPipeline(res.State.String(), res.Duration)

	logArgs := []any{
		"trace_id", res.TraceID,
		"state", res.State.String(),
		"steps", len(res.Steps),
		"duration", res.Duration,
	}
	if err != nil {
		e.logger.Error("pipeline failed", append(logArgs, "error", err)...)
	} else {
		e.logger.Debug("pipeline finished", logArgs...)
	}

	if e.audit != nil {
		event := domain.AuditEvent{
			Type:    "pipeline." + res.State.String(),
			TraceID: res.TraceID,
			Outcome: res.State.String(),
			Fields: map[string]string{
				"generation": fmt.Sprint(res.Generation),
				"steps":      fmt.Sprint(len(res.Steps)),
			},
		}
		if n := len(res.Steps); n > 0 {
			event.Directive = res.Steps[n-1].Directive
		}
		if err != nil {
			event.Message = err.Error()
		}
		e.audit.Record(event)
	}
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
