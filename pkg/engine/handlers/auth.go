package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/directived/pkg/directive"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/runtime"
	"github.com/polisai/directived/pkg/telemetry"
)

var (
	errMissingCredentials = errors.New("missing credentials")
	errInvalidCredentials = errors.New("invalid credentials")
	errPolicyDenied       = errors.New("denied by policy")
)

// AuthHandler serves #auth directives. On success it attaches the principal
// to the execution context; on failure it short-circuits with 401, or 403
// when a policy denies an authenticated identity.
type AuthHandler struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	prepared *lru.Cache[preparedKey, *rego.PreparedEvalQuery]
}

// preparedKey identifies a prepared policy query. Modules are owned by one
// table generation, so entries of replaced tables age out of the cache.
type preparedKey struct {
	module *ast.Module
	query  string
}

const preparedCacheSize = 256

// NewAuthHandler creates the auth handler.
func NewAuthHandler(logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	prepared, _ := lru.New[preparedKey, *rego.PreparedEvalQuery](preparedCacheSize)
	return &AuthHandler{
		logger:   logger,
		now:      time.Now,
		prepared: prepared,
	}
}

// Handle authenticates the unit with the directive's strategy.
func (h *AuthHandler) Handle(ctx context.Context, ec *domain.ExecutionContext, attrs *runtime.Attributes) runtime.Outcome {
	strategy, err := attrs.StringOr(ctx, "strategy", "")
	if err != nil {
		return runtime.Fail(err)
	}

	var principal *domain.Principal
	switch strategy {
	case directive.StrategyJWT:
		principal, err = h.jwt(ctx, ec, attrs)
	case directive.StrategyAPIKey:
		principal, err = h.apiKey(ctx, ec, attrs)
	case directive.StrategyBasic:
		principal, err = h.basic(ctx, ec, attrs)
	case directive.StrategyOPA:
		principal, err = h.opa(ctx, ec, attrs)
	default:
		return runtime.Failf("unknown auth strategy %q", strategy)
	}

	span := trace.SpanFromContext(ctx)
	if err != nil {
		if !errors.Is(err, errMissingCredentials) && !errors.Is(err, errInvalidCredentials) && !errors.Is(err, errPolicyDenied) {
			// resolution and policy evaluation errors go to on_failure
			return runtime.Fail(err)
		}
		telemetry.RecordAuthDecision(span, strategy, false, "", err.Error())
		h.logger.Info("authentication rejected",
			"trace_id", ec.TraceID(),
			"directive", attrs.Directive().ID(),
			"strategy", strategy,
			"reason", err.Error(),
		)
		status := http.StatusUnauthorized
		if errors.Is(err, errPolicyDenied) {
			status = http.StatusForbidden
		}
		return runtime.ShortCircuit(runtime.Response(status, errorBody("unauthorized", err.Error())))
	}

	subject := ""
	if principal != nil {
		ec.SetIdentity(principal)
		subject = principal.Subject
	} else if p, ok := ec.Identity(); ok {
		subject = p.Subject
	}
	telemetry.RecordAuthDecision(span, strategy, true, subject, "")
	return runtime.Continue()
}

func (h *AuthHandler) jwt(ctx context.Context, ec *domain.ExecutionContext, attrs *runtime.Attributes) (*domain.Principal, error) {
	secret, err := attrs.StringOr(ctx, "secret", "")
	if err != nil {
		return nil, err
	}
	raw, err := attrs.StringOr(ctx, "token", "")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		header, ok := requestHeader(ec, "authorization")
		if !ok {
			return nil, errMissingCredentials
		}
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "bearer") {
			return nil, fmt.Errorf("%w: expected a bearer token", errInvalidCredentials)
		}
		raw = strings.TrimSpace(token)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(h.now),
	}
	issuer, err := attrs.StringOr(ctx, "issuer", "")
	if err != nil {
		return nil, err
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	audience, err := attrs.StringOr(ctx, "audience", "")
	if err != nil {
		return nil, err
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidCredentials, err)
	}

	subject, _ := claims.GetSubject()
	p := &domain.Principal{
		Subject:  subject,
		Strategy: directive.StrategyJWT,
		Claims:   make(map[string]domain.Value, len(claims)),
	}
	for k, v := range claims {
		if cv, err := domain.FromNative(v); err == nil {
			p.Claims[k] = cv
		}
	}
	if roles, ok := claims["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				p.Roles = append(p.Roles, s)
			}
		}
	}
	return p, nil
}

func (h *AuthHandler) apiKey(ctx context.Context, ec *domain.ExecutionContext, attrs *runtime.Attributes) (*domain.Principal, error) {
	secret, err := attrs.StringOr(ctx, "secret", "")
	if err != nil {
		return nil, err
	}
	header, err := attrs.StringOr(ctx, "header", "x-api-key")
	if err != nil {
		return nil, err
	}
	presented, ok := requestHeader(ec, header)
	if !ok || presented == "" {
		return nil, errMissingCredentials
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
		return nil, errInvalidCredentials
	}
	subject, err := attrs.StringOr(ctx, "subject", "api_key")
	if err != nil {
		return nil, err
	}
	return &domain.Principal{Subject: subject, Strategy: directive.StrategyAPIKey}, nil
}

func (h *AuthHandler) basic(ctx context.Context, ec *domain.ExecutionContext, attrs *runtime.Attributes) (*domain.Principal, error) {
	users, err := attrs.Require(ctx, "users")
	if err != nil {
		return nil, err
	}
	header, ok := requestHeader(ec, "authorization")
	if !ok {
		return nil, errMissingCredentials
	}
	scheme, encoded, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "basic") {
		return nil, fmt.Errorf("%w: expected basic credentials", errInvalidCredentials)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed basic credentials", errInvalidCredentials)
	}
	user, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return nil, fmt.Errorf("%w: malformed basic credentials", errInvalidCredentials)
	}
	want, ok := users.Field(user)
	wantPassword, isString := want.AsString()
	// compare even for unknown users so timing does not reveal them
	match := subtle.ConstantTimeCompare([]byte(password), []byte(wantPassword)) == 1
	if !ok || !isString || !match {
		return nil, errInvalidCredentials
	}
	return &domain.Principal{Subject: user, Strategy: directive.StrategyBasic}, nil
}

// opa evaluates the directive's policy with the request and the current
// identity as input. It authorizes, it does not authenticate: the identity
// set by an earlier auth directive is kept.
func (h *AuthHandler) opa(ctx context.Context, ec *domain.ExecutionContext, attrs *runtime.Attributes) (*domain.Principal, error) {
	d := attrs.Directive()
	module, ok := attrs.Table().Policy(d)
	if !ok {
		return nil, fmt.Errorf("%s: no compiled policy", d.ID())
	}
	query, err := attrs.StringOr(ctx, "query", directive.DefaultOPAQuery)
	if err != nil {
		return nil, err
	}
	prepared, err := h.prepare(ctx, module, query)
	if err != nil {
		return nil, err
	}

	input := map[string]any{"trace_id": ec.TraceID()}
	if req, ok := ec.Lookup([]string{"request"}); ok {
		input["request"] = req.Native()
	}
	if p, ok := ec.Identity(); ok {
		input["identity"] = p.Value().Native()
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("opa decision: %w", err)
	}
	if !results.Allowed() {
		return nil, errPolicyDenied
	}
	return nil, nil
}

func (h *AuthHandler) prepare(ctx context.Context, module *ast.Module, query string) (*rego.PreparedEvalQuery, error) {
	key := preparedKey{module: module, query: query}
	h.mu.Lock()
	defer h.mu.Unlock()
	if pq, ok := h.prepared.Get(key); ok {
		return pq, nil
	}
	pq, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
		rego.SetRegoVersion(ast.RegoV1),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	h.prepared.Add(key, &pq)
	return &pq, nil
}
