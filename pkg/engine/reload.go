package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/directived/pkg/directive"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/telemetry"
)

// SourceExt is the file extension of directive sources read from a
// directory.
const SourceExt = ".dsl"

// ReloaderConfig wires a Reloader.
type ReloaderConfig struct {
	Compiler *directive.Compiler
	Handlers *HandlerRegistry
	Store    *TableStore
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Audit    domain.AuditSink
}

// Reloader compiles directive sources and publishes them. A source that
// fails to compile or references unknown handlers leaves the live table in
// place.
type Reloader struct {
	compiler *directive.Compiler
	handlers *HandlerRegistry
	store    *TableStore
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	audit    domain.AuditSink

	mu sync.Mutex
}

// NewReloader validates cfg and creates a reloader.
func NewReloader(cfg ReloaderConfig) (*Reloader, error) {
	if cfg.Compiler == nil {
		return nil, errors.New("reloader: compiler is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("reloader: table store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		compiler: cfg.Compiler,
		handlers: cfg.Handlers,
		store:    cfg.Store,
		logger:   logger,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
	}, nil
}

// Reload compiles src and swaps it in. When src has the digest of the
// live table the live snapshot is returned unchanged.
func (r *Reloader) Reload(src string) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, err := r.compiler.Compile(src)
	if err == nil && r.handlers != nil {
		err = r.handlers.Validate(table)
	}
	if err != nil {
		r.rejected(err)
		return nil, err
	}

	if live := r.store.Load(); live != nil && live.Table.Digest() == table.Digest() {
		r.logger.Debug("directive source unchanged", "digest", table.Digest(), "generation", live.Generation)
		return live, nil
	}

	snap := r.store.Swap(table)
	r.metrics.RecordReload("ok", snap.Generation)
	r.logger.Info("directive table published",
		"generation", snap.Generation,
		"directives", table.Len(),
		"digest", table.Digest(),
	)
	if r.audit != nil {
		r.audit.Record(domain.AuditEvent{
			Type:    "reload.ok",
			Outcome: "published",
			Fields: map[string]string{
				"generation": fmt.Sprint(snap.Generation),
				"digest":     table.Digest(),
			},
		})
	}
	return snap, nil
}

// ReloadPath reads the source at path and reloads it.
func (r *Reloader) ReloadPath(path string) (*Snapshot, error) {
	src, err := ReadSource(path)
	if err != nil {
		r.rejected(err)
		return nil, err
	}
	return r.Reload(src)
}

func (r *Reloader) rejected(err error) {
	var generation uint64
	if live := r.store.Load(); live != nil {
		generation = live.Generation
	}
	r.metrics.RecordReload("error", generation)
	r.logger.Error("directive reload rejected, keeping live table",
		"generation", generation,
		"error", err,
	)
	if r.audit != nil {
		event := domain.AuditEvent{
			Type:    "reload.failed",
			Outcome: "rejected",
			Message: err.Error(),
			Fields:  map[string]string{"generation": fmt.Sprint(generation)},
		}
		var ce *domain.CompileError
		if errors.As(err, &ce) {
			event.Directive = ce.Directive
			event.Fields["rule"] = ce.Rule
		}
		r.audit.Record(event)
	}
}

// ReadSource reads a directive source. A directory contributes every
// SourceExt file in it, concatenated in lexical order.
func ReadSource(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("read directive source: %w", err)
	}
	if !info.IsDir() {
		// #nosec G304 -- path comes from configuration
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read directive source: %w", err)
		}
		return string(data), nil
	}

	matches, err := filepath.Glob(filepath.Join(path, "*"+SourceExt))
	if err != nil {
		return "", fmt.Errorf("list directive sources: %w", err)
	}
	sort.Strings(matches)
	var b strings.Builder
	for _, m := range matches {
		// #nosec G304 -- path comes from configuration
		data, err := os.ReadFile(m)
		if err != nil {
			return "", fmt.Errorf("read directive source: %w", err)
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
