package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/directived/pkg/engine"
	"github.com/polisai/directived/pkg/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the directive source over HTTP",
		Long: `Compile the configured source, serve route and api directives on the data
address and expose health, metrics and reload endpoints on the admin address.
The source is recompiled when it changes on disk or on SIGHUP; a source that
fails to compile leaves the running table in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Source, "source", "s", "", "Directive source file or directory (overrides config)")
	return cmd
}

func runServe(parent context.Context, opts *rootOptions) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()
	svc, err := engine.NewService(ctx, engine.ServiceConfig{Config: cfg, Logger: logger, Metrics: metrics})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("Failed to close service", "error", err)
		}
	}()
	if err := svc.Start(ctx); err != nil {
		return err
	}

	tlsConfig, err := cfg.Server.TLS.Build()
	if err != nil {
		return fmt.Errorf("server TLS: %w", err)
	}

	data := &http.Server{
		Addr:         cfg.Server.DataAddress,
		Handler:      otelhttp.NewHandler(svc.HTTP, "directived.data"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
		TLSConfig:    tlsConfig,
	}
	servers := []*http.Server{data}
	if cfg.Server.AdminAddress != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.Server.AdminAddress,
			Handler:           adminRouter(svc, metrics, cfg.Source.Path, logger),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, server := range servers {
		listener, err := net.Listen("tcp", server.Addr)
		if err != nil {
			return fmt.Errorf("bind %s: %w", server.Addr, err)
		}
		logger.Info("Server listening", "addr", listener.Addr().String(), "tls", server.TLSConfig != nil)
		go func(server *http.Server, listener net.Listener) {
			var err error
			if server.TLSConfig != nil {
				err = server.ServeTLS(listener, "", "")
			} else {
				err = server.Serve(listener)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(server, listener)
	}

	go reloadOnHangup(ctx, svc, cfg.Source.Path, logger)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-errCh:
		logger.Error("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("Shutdown error", "addr", server.Addr, "error", shutdownErr)
		}
	}
	return err
}

func reloadOnHangup(ctx context.Context, svc *engine.Service, path string, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if snap, err := svc.Reloader.ReloadPath(path); err == nil {
				logger.Info("Directives reloaded", "generation", snap.Generation)
			}
		}
	}
}

type directiveInfo struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Handler  string `json:"handler,omitempty"`
}

type tableInfo struct {
	Generation uint64          `json:"generation"`
	Digest     string          `json:"digest"`
	LoadedAt   time.Time       `json:"loaded_at"`
	Directives []directiveInfo `json:"directives"`
}

// adminRouter serves the operational endpoints next to the data listener.
func adminRouter(svc *engine.Service, metrics *telemetry.Metrics, source string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if svc.Store.Load() == nil {
			http.Error(w, "no directive table", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Get("/directives", func(w http.ResponseWriter, _ *http.Request) {
		snap := svc.Store.Load()
		if snap == nil {
			http.Error(w, "no directive table", http.StatusServiceUnavailable)
			return
		}
		info := tableInfo{
			Generation: snap.Generation,
			Digest:     snap.Table.Digest(),
			LoadedAt:   snap.LoadedAt,
		}
		for _, d := range snap.Table.Directives() {
			info.Directives = append(info.Directives, directiveInfo{ID: d.ID(), Priority: d.Priority, Handler: d.HandlerRef})
		}
		writeJSON(w, http.StatusOK, info, logger)
	})
	r.Get("/cache/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.Cache.Stats(), logger)
	})
	r.Get("/ratelimits", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.Limiter.Stats(), logger)
	})
	r.Post("/reload", func(w http.ResponseWriter, _ *http.Request) {
		snap, err := svc.Reloader.ReloadPath(source)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()}, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]uint64{"generation": snap.Generation}, logger)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("Failed to write admin response", "error", err)
	}
}
