package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/directived/pkg/config"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine"
)

// offline points every shared backend at process memory so authoring
// commands never reach Redis, databases or brokers.
func offline(cfg *config.Config) {
	if cfg.Cache.L2.Driver != "" {
		cfg.Cache.L2 = config.L2Config{Driver: "memory"}
	}
	if cfg.Cache.L3.Driver != "" {
		cfg.Cache.L3 = config.L3Config{Driver: "memory"}
	}
	cfg.Query.SQL = false
	cfg.Audit.Log = false
	cfg.Audit.Kafka = config.KafkaConfig{}
	cfg.Source.Watch = false
}

func newOfflineService(ctx context.Context, opts *rootOptions, source string) (*engine.Service, error) {
	opts.Source = source
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	offline(cfg)
	return engine.NewService(ctx, engine.ServiceConfig{Config: cfg, Logger: logger})
}

func newCompileCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "compile <source>",
		Short: "Compile a directive source and print its table",
		Long: `Compile a directive file, or a directory of .dsl files, and print the
resulting table in execution order. The first violated rule is reported with
the directive and position it was found at.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd.Context(), opts, args[0], format, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text|json)")
	return cmd
}

func runCompile(ctx context.Context, opts *rootOptions, source, format string, out io.Writer) error {
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid format %q: must be text or json", format)
	}
	svc, err := newOfflineService(ctx, opts, source)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	snap, err := svc.Reloader.ReloadPath(source)
	if err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}

	if format == "json" {
		info := tableInfo{Generation: snap.Generation, Digest: snap.Table.Digest(), LoadedAt: snap.LoadedAt}
		for _, d := range snap.Table.Directives() {
			info.Directives = append(info.Directives, directiveInfo{ID: d.ID(), Priority: d.Priority, Handler: d.HandlerRef})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	_, err = fmt.Fprintf(out, "digest: %s\n%s", snap.Table.Digest(), snap.Table.Describe())
	return err
}

// runOutput is the JSON shape printed by the run command.
type runOutput struct {
	TraceID    string   `json:"trace_id"`
	State      string   `json:"state"`
	Executed   []string `json:"executed"`
	Response   any      `json:"response,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		route   string
		cron    string
		input   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <source>",
		Short: "Run one unit through a directive source",
		Long: `Compile the source and run a single request or cron unit through its
pipeline, printing the terminal state, the directives that ran and the
response. Shared cache and storage tiers are replaced by in-memory ones.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := buildUnit(route, cron, input, timeout)
			if err != nil {
				return err
			}
			return runUnit(cmd.Context(), opts, args[0], unit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&route, "route", "", "ID of the route or api directive the request matched")
	cmd.Flags().StringVar(&cron, "cron", "", "ID of the cron directive to fire")
	cmd.Flags().StringVar(&input, "input", "{}", "Input roots as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Pipeline deadline (default from config)")
	return cmd
}

func buildUnit(route, cron, input string, timeout time.Duration) (engine.Unit, error) {
	if route != "" && cron != "" {
		return engine.Unit{}, errors.New("--route and --cron are mutually exclusive")
	}
	var roots map[string]any
	if err := json.Unmarshal([]byte(input), &roots); err != nil {
		return engine.Unit{}, fmt.Errorf("parse --input: %w", err)
	}
	unit := engine.Unit{Kind: engine.UnitRequest, Route: route, Timeout: timeout, Input: make(map[string]domain.Value, len(roots))}
	if cron != "" {
		unit.Kind = engine.UnitCron
		unit.Cron = cron
	}
	for name, raw := range roots {
		v, err := domain.FromNative(raw)
		if err != nil {
			return engine.Unit{}, fmt.Errorf("input %s: %w", name, err)
		}
		unit.Input[name] = v
	}
	return unit, nil
}

func runUnit(ctx context.Context, opts *rootOptions, source string, unit engine.Unit, out io.Writer) error {
	svc, err := newOfflineService(ctx, opts, source)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if _, err := svc.Reloader.ReloadPath(source); err != nil {
		return err
	}
	res := svc.Executor.Execute(ctx, unit)

	output := runOutput{
		TraceID:    res.TraceID,
		State:      res.State.String(),
		Executed:   res.Executed(),
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.HasResponse {
		output.Response = res.Response.Native()
	}
	if res.Err != nil {
		output.Error = res.Err.Error()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(output); err != nil {
		return err
	}
	if res.State == engine.StateFailed {
		return fmt.Errorf("pipeline failed: %w", res.Err)
	}
	return nil
}
