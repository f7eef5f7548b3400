package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/polisai/directived/pkg/domain"
)

// HeaderTraceID carries the trace identifier in and out of the HTTP host.
const HeaderTraceID = "X-Trace-Id"

// DefaultMaxBodyBytes bounds request bodies read into the unit input.
const DefaultMaxBodyBytes = 1 << 20

// HTTPHandlerConfig wires an HTTPHandler.
type HTTPHandlerConfig struct {
	Store        *TableStore
	Executor     *Executor
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// HTTPHandler serves the #route and #api directives of the live table. The
// router is rebuilt on every swap; requests already routed keep the router
// they started with.
type HTTPHandler struct {
	executor *Executor
	logger   *slog.Logger
	maxBody  int64
	router   atomic.Pointer[routerSnapshot]
}

type routerSnapshot struct {
	mux        chi.Router
	generation uint64
	routes     int
}

// NewHTTPHandler creates the handler and subscribes it to store.
func NewHTTPHandler(cfg HTTPHandlerConfig) (*HTTPHandler, error) {
	if cfg.Store == nil {
		return nil, errors.New("http handler: table store is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("http handler: executor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	h := &HTTPHandler{executor: cfg.Executor, logger: logger, maxBody: maxBody}
	cfg.Store.Subscribe(h.rebuild)
	return h, nil
}

// ServeHTTP dispatches to the router of the live generation.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rs := h.router.Load()
	if rs == nil {
		h.writeError(w, "", http.StatusServiceUnavailable, "NOT_READY", ErrNoTable.Error())
		return
	}
	rs.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) rebuild(snap *Snapshot) {
	mux, routes, err := h.buildRouter(snap)
	if err != nil {
		h.logger.Error("route table rejected, keeping previous router",
			"generation", snap.Generation,
			"error", err,
		)
		return
	}
	h.router.Store(&routerSnapshot{mux: mux, generation: snap.Generation, routes: routes})
	h.logger.Info("http routes rebuilt", "generation", snap.Generation, "routes", routes)
}

func (h *HTTPHandler) buildRouter(snap *Snapshot) (mux chi.Router, routes int, err error) {
	// chi panics on conflicting patterns
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build router: %v", r)
		}
	}()

	m := chi.NewRouter()
	for _, d := range snap.Table.Directives() {
		if !d.Kind.Routable() {
			continue
		}
		path, ok := d.Static("path")
		if !ok {
			continue
		}
		method := http.MethodGet
		if v, ok := d.Static("method"); ok {
			method = v.String()
		}
		m.Method(method, path.String(), h.serve(d.ID()))
		routes++
	}
	m.NotFound(h.serve(""))
	m.MethodNotAllowed(h.serve(""))
	return m, routes, nil
}

// serve runs the pipeline for route. Unrouted requests still run the
// table's global directives so they can short-circuit.
func (h *HTTPHandler) serve(route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		input, err := h.requestInput(r)
		if err != nil {
			h.writeError(w, "", http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
			return
		}
		res := h.executor.Execute(r.Context(), Unit{
			Kind:    UnitRequest,
			TraceID: r.Header.Get(HeaderTraceID),
			Route:   route,
			Input:   map[string]domain.Value{"request": input},
		})
		h.writeResult(w, route, res)
	}
}

func (h *HTTPHandler) requestInput(r *http.Request) (domain.Value, error) {
	req := map[string]domain.Value{
		"method": domain.String(r.Method),
		"path":   domain.String(r.URL.Path),
		"host":   domain.String(r.Host),
	}

	params := map[string]domain.Value{}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			if key == "*" || i >= len(rctx.URLParams.Values) {
				continue
			}
			params[key] = domain.String(rctx.URLParams.Values[i])
			// route params are also addressable as request.<name>
			if _, reserved := req[key]; !reserved {
				req[key] = domain.String(rctx.URLParams.Values[i])
			}
		}
	}
	req["params"] = domain.Map(params)
	req["query"] = multiValues(r.URL.Query())

	headers := make(map[string][]string, len(r.Header))
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = values
	}
	req["headers"] = multiValues(headers)

	body, err := h.readBody(r)
	if err != nil {
		return domain.Value{}, err
	}
	req["body"] = body
	return domain.Map(req), nil
}

// multiValues keeps single values as strings and repeated ones as lists.
func multiValues(in map[string][]string) domain.Value {
	out := make(map[string]domain.Value, len(in))
	for k, vs := range in {
		switch len(vs) {
		case 0:
			continue
		case 1:
			out[k] = domain.String(vs[0])
		default:
			items := make([]domain.Value, len(vs))
			for i, v := range vs {
				items[i] = domain.String(v)
			}
			out[k] = domain.List(items...)
		}
	}
	return domain.Map(out)
}

// readBody decodes a JSON body into a value. Other bodies are kept as a
// string.
func (h *HTTPHandler) readBody(r *http.Request) (domain.Value, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return domain.Null(), nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		return domain.Value{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > h.maxBody {
		return domain.Value{}, fmt.Errorf("request body exceeds %d bytes", h.maxBody)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.Null(), nil
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var native any
		if err := json.Unmarshal(data, &native); err == nil {
			if v, err := domain.FromNative(native); err == nil {
				return v, nil
			}
		}
	}
	return domain.String(string(data)), nil
}

func (h *HTTPHandler) writeResult(w http.ResponseWriter, route string, res *Result) {
	w.Header().Set(HeaderTraceID, res.TraceID)
	switch res.State {
	case StateFailed:
		status, code := statusFor(res.Err)
		h.writeError(w, res.TraceID, status, code, publicMessage(res.Err))
		return
	case StateCompleted, StateShortCircuited:
	default:
		h.writeError(w, res.TraceID, http.StatusInternalServerError, "INTERNAL", "pipeline did not finish")
		return
	}

	if !res.HasResponse {
		if route == "" {
			h.writeError(w, res.TraceID, http.StatusNotFound, "NOT_FOUND", "no route matched")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status, body, headers := unpackResponse(res.Response)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	if s, ok := body.AsString(); ok {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, s)
		return
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body.Native()); err != nil {
		h.logger.Warn("write response failed", "trace_id", res.TraceID, "error", err)
	}
}

// unpackResponse reads a {status, body, headers} response map. Any other
// value is a 200 body.
func unpackResponse(v domain.Value) (int, domain.Value, map[string]string) {
	statusValue, ok := v.Field("status")
	if !ok {
		return http.StatusOK, v, nil
	}
	status, ok := statusValue.AsInt()
	if !ok || status < 100 || status > 599 {
		return http.StatusOK, v, nil
	}
	body, _ := v.Field("body")
	var headers map[string]string
	if hv, ok := v.Field("headers"); ok {
		if m, ok := hv.AsMap(); ok {
			headers = make(map[string]string, len(m))
			for k, hv := range m {
				headers[k] = hv.String()
			}
		}
	}
	return int(status), body, headers
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, ErrNoTable):
		return http.StatusServiceUnavailable, "NOT_READY"
	case errors.Is(err, domain.ErrDirectiveNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrCacheUnavailable):
		return http.StatusServiceUnavailable, "CACHE_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "DIRECTIVE_FAILED"
	}
}

// publicMessage names the failing directive without leaking handler
// internals.
func publicMessage(err error) string {
	var te *domain.TimeoutError
	if errors.As(err, &te) {
		return "deadline exceeded at " + te.Directive
	}
	var he *domain.HandlerError
	if errors.As(err, &he) {
		return "directive " + he.Directive + " failed"
	}
	if errors.Is(err, ErrNoTable) {
		return ErrNoTable.Error()
	}
	return "pipeline failed"
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, traceID string, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	if traceID != "" {
		w.Header().Set(HeaderTraceID, traceID)
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(domain.ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: traceID,
	})
}

// Routes reports the generation and route count of the live router.
func (h *HTTPHandler) Routes() (generation uint64, routes int) {
	rs := h.router.Load()
	if rs == nil {
		return 0, 0
	}
	return rs.generation, rs.routes
}

