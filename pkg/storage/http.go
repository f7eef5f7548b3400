package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/directived/pkg/domain"
)

// HTTPExecutor performs @http calls. The result is a map with status, the
// response headers and the body, decoded when the response is JSON.
type HTTPExecutor struct {
	client   *http.Client
	maxBytes int64
}

// HTTPOptions tunes NewHTTPExecutor.
type HTTPOptions struct {
	Timeout  time.Duration
	MaxBytes int64
	// Transport defaults to http.DefaultTransport. It is always wrapped for
	// tracing.
	Transport http.RoundTripper
}

// NewHTTPExecutor builds a traced client.
func NewHTTPExecutor(opts HTTPOptions) *HTTPExecutor {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 4 << 20
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &HTTPExecutor{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(base),
		},
		maxBytes: opts.MaxBytes,
	}
}

func (h *HTTPExecutor) Execute(ctx context.Context, spec domain.QuerySpec) (domain.Value, error) {
	if spec.Kind != domain.QueryHTTP {
		return domain.Null(), fmt.Errorf("%w: %s", ErrUnsupportedQuery, spec.Kind)
	}
	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return domain.Null(), fmt.Errorf("build request: %w", err)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return domain.Null(), fmt.Errorf("%s %s: %w", method, spec.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return domain.Null(), fmt.Errorf("read response: %w", err)
	}
	if int64(len(raw)) > h.maxBytes {
		return domain.Null(), fmt.Errorf("%s %s: response exceeds %d bytes", method, spec.URL, h.maxBytes)
	}

	headers := make(map[string]domain.Value, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = domain.String(resp.Header.Get(k))
	}
	return domain.Map(map[string]domain.Value{
		"status":  domain.Int(int64(resp.StatusCode)),
		"headers": domain.Map(headers),
		"body":    decodeBody(resp.Header.Get("Content-Type"), raw),
	}), nil
}

func decodeBody(contentType string, raw []byte) domain.Value {
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt == "application/json" || strings.HasSuffix(mt, "+json") {
		var x any
		if err := json.Unmarshal(raw, &x); err == nil {
			if v, err := domain.FromNative(x); err == nil {
				return v
			}
		}
	}
	return domain.String(string(raw))
}
