package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/directived/internal/governance"
	"github.com/polisai/directived/pkg/audit"
	"github.com/polisai/directived/pkg/cache"
	"github.com/polisai/directived/pkg/config"
	"github.com/polisai/directived/pkg/directive"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/handlers"
	"github.com/polisai/directived/pkg/engine/runtime"
	"github.com/polisai/directived/pkg/operators"
	"github.com/polisai/directived/pkg/storage"
	"github.com/polisai/directived/pkg/telemetry"
)

// ServiceConfig wires a Service from loaded configuration.
type ServiceConfig struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// Handlers adds application handlers next to the built-ins.
	Handlers map[string]runtime.Handler
	// Secrets is consulted before the environment provider.
	Secrets domain.SecretProvider
}

// Service owns every runtime component built from configuration: cache
// tiers, storage backends, the audit dispatcher, the operator registry, the
// executor and its surfaces.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	Cache     *cache.Engine
	Audit     *audit.Dispatcher
	Registry  *operators.Registry
	Store     *TableStore
	Handlers  *HandlerRegistry
	Limiter   *governance.RateLimiter
	Executor  *Executor
	Reloader  *Reloader
	HTTP      *HTTPHandler
	Scheduler *Scheduler

	watcher *SourceWatcher
	closers []func() error
}

// NewService builds the runtime. Nothing runs in the background and no
// source is loaded before Start.
func NewService(ctx context.Context, sc ServiceConfig) (svc *Service, err error) {
	if sc.Config == nil {
		return nil, errors.New("service: config is required")
	}
	cfg := sc.Config
	logger := sc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = s.closeResources()
		}
	}()

	l2, err := s.buildL2(ctx)
	if err != nil {
		return nil, err
	}
	l3, sqlExec, err := s.buildL3(ctx)
	if err != nil {
		return nil, err
	}

	s.Cache, err = cache.New(cache.Config{
		L1Size:             cfg.Cache.L1.Size,
		L1MaxTTL:           cfg.Cache.L1.MaxTTL,
		PopulateTTL:        cfg.Cache.PopulateTTL,
		SweepInterval:      cfg.Cache.L1.SweepInterval,
		WriteBehindQueue:   cfg.Cache.WriteBehind.Queue,
		WriteBehindWorkers: cfg.Cache.WriteBehind.Workers,
		Logger:             logger,
		Metrics:            sc.Metrics,
	}, l2, l3)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	s.closers = append(s.closers, s.Cache.Close)

	sinks, err := s.buildSinks()
	if err != nil {
		return nil, err
	}
	s.Audit = audit.NewDispatcher(audit.Config{
		QueueSize:     cfg.Audit.QueueSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		Logger:        logger,
		Metrics:       sc.Metrics,
	}, sinks...)
	// the dispatcher flushes before the sinks it writes to are closed
	s.closers = append(s.closers, s.Audit.Close)

	query, err := s.buildQuery(sqlExec)
	if err != nil {
		return nil, err
	}
	secrets := storage.ChainSecrets{storage.NewEnvSecrets(cfg.Secrets.EnvPrefix)}
	if sc.Secrets != nil {
		secrets = append(storage.ChainSecrets{sc.Secrets}, secrets...)
	}

	s.Registry = operators.NewRegistry()
	if err := operators.RegisterDataOperators(s.Registry, operators.Backends{
		Cache:     s.Cache,
		Query:     query,
		Secrets:   secrets,
		EnableEnv: cfg.Secrets.EnableEnv,
	}); err != nil {
		return nil, fmt.Errorf("register data operators: %w", err)
	}
	s.Registry.Seal()

	s.Handlers = NewHandlerRegistry()
	s.Limiter = governance.NewRateLimiter(cfg.Pipeline.RateLimitBuckets)
	if err := handlers.Register(s.Handlers, handlers.Deps{
		Cache:       s.Cache,
		Audit:       s.Audit,
		Logger:      logger,
		RateLimiter: s.Limiter,
	}); err != nil {
		return nil, fmt.Errorf("register built-in handlers: %w", err)
	}
	for name, h := range sc.Handlers {
		if err := s.Handlers.Register(name, h); err != nil {
			return nil, err
		}
	}

	s.Store = NewTableStore()
	// Buckets of directives that left the table are never used again.
	s.Store.Subscribe(func(snap *Snapshot) {
		live := make(map[string]bool, snap.Table.Len())
		for _, d := range snap.Table.Directives() {
			live[d.ID()] = true
		}
		if n := s.Limiter.Forget(live); n > 0 {
			logger.Debug("Dropped rate limit buckets", "count", n, "generation", snap.Generation)
		}
	})
	s.Executor, err = NewExecutor(ExecutorConfig{
		Store:          s.Store,
		Handlers:       s.Handlers,
		Resolver:       operators.NewResolver(s.Registry),
		Logger:         logger,
		Metrics:        sc.Metrics,
		Audit:          s.Audit,
		DefaultTimeout: cfg.Pipeline.DefaultTimeout,
		Backoff: governance.BackoffConfig{
			Initial:    cfg.Pipeline.RetryInitial,
			Max:        cfg.Pipeline.RetryMax,
			Multiplier: 2,
			Jitter:     true,
		},
	})
	if err != nil {
		return nil, err
	}

	s.Reloader, err = NewReloader(ReloaderConfig{
		Compiler: directive.NewCompiler(s.Registry, directive.Options{
			MinPriority:     cfg.Compiler.MinPriority,
			MaxPriority:     cfg.Compiler.MaxPriority,
			MinSecretLength: cfg.Compiler.MinSecretLength,
			Logger:          logger,
		}),
		Handlers: s.Handlers,
		Store:    s.Store,
		Logger:   logger,
		Metrics:  sc.Metrics,
		Audit:    s.Audit,
	})
	if err != nil {
		return nil, err
	}

	s.HTTP, err = NewHTTPHandler(HTTPHandlerConfig{
		Store:        s.Store,
		Executor:     s.Executor,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	if err != nil {
		return nil, err
	}
	s.Scheduler = NewScheduler(SchedulerConfig{
		Store:    s.Store,
		Executor: s.Executor,
		Logger:   logger,
		Timeout:  cfg.Pipeline.CronTimeout,
	})
	return s, nil
}

func (s *Service) buildL2(ctx context.Context) (domain.CacheBackend, error) {
	l2 := s.cfg.Cache.L2
	switch l2.Driver {
	case "":
		return nil, nil
	case "memory":
		return cache.NewMemoryBackend(), nil
	case "redis":
		client, err := cache.NewRedisClient(ctx, cache.RedisOptions{
			Addr:     l2.Addr,
			Username: l2.Username,
			Password: l2.Password,
			DB:       l2.DB,
			PoolSize: l2.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("l2 redis: %w", err)
		}
		backend := cache.NewRedisBackend(client, l2.Prefix)
		s.closers = append(s.closers, backend.Close)
		return backend, nil
	default:
		return nil, fmt.Errorf("l2: unsupported driver %q", l2.Driver)
	}
}

// buildL3 returns the authoritative tier and, for SQL databases, the
// executor @query sql statements run against.
func (s *Service) buildL3(ctx context.Context) (domain.Authority, domain.QueryExecutor, error) {
	l3 := s.cfg.Cache.L3
	switch l3.Driver {
	case "":
		return nil, nil, nil
	case "memory":
		return storage.NewMemoryAuthority(), nil, nil
	case "sqlite":
		store, err := storage.OpenSQLite(l3.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("l3 sqlite: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		return store, store, nil
	case "postgres":
		pool, err := storage.NewPostgresPool(ctx, storage.PostgresOptions{DSN: l3.DSN, MaxConns: l3.MaxConns})
		if err != nil {
			return nil, nil, fmt.Errorf("l3 postgres: %w", err)
		}
		store, err := storage.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("l3 postgres: %w", err)
		}
		s.closers = append(s.closers, func() error {
			store.Close()
			return nil
		})
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("l3: unsupported driver %q", l3.Driver)
	}
}

func (s *Service) buildSinks() ([]audit.Sink, error) {
	var sinks []audit.Sink
	if s.cfg.Audit.Log {
		sinks = append(sinks, audit.NewLogSink(s.logger.With("component", "audit"), slog.LevelInfo))
	}
	if k := s.cfg.Audit.Kafka; len(k.Brokers) > 0 {
		sink, err := audit.NewKafkaSink(audit.KafkaConfig{
			Brokers:      k.Brokers,
			Topic:        k.Topic,
			BatchTimeout: k.BatchTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("audit kafka: %w", err)
		}
		s.closers = append(s.closers, sink.Close)
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func (s *Service) buildQuery(sqlExec domain.QueryExecutor) (domain.QueryExecutor, error) {
	q := s.cfg.Query
	router := storage.NewRouter().Handle(domain.QueryHTTP, storage.NewHTTPExecutor(storage.HTTPOptions{
		Timeout:  q.HTTPTimeout,
		MaxBytes: q.HTTPMaxBytes,
	}))
	if q.SQL && sqlExec != nil {
		router.Handle(domain.QuerySQL, sqlExec)
	}
	if q.FileRoot != "" {
		files, err := storage.NewFileExecutor(q.FileRoot, q.FileMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("query files: %w", err)
		}
		router.Handle(domain.QueryFile, files)
	}
	return router, nil
}

// Start launches the background components and publishes the configured
// source. A source that does not compile fails Start.
func (s *Service) Start(ctx context.Context) error {
	s.Audit.Start()
	s.Cache.Start(ctx)

	path := s.cfg.Source.Path
	snap, err := s.Reloader.ReloadPath(path)
	if err != nil {
		return fmt.Errorf("load directives from %s: %w", path, err)
	}
	s.logger.Info("directives loaded", "path", path, "generation", snap.Generation, "directives", snap.Table.Len())

	s.Scheduler.Start(ctx)

	if s.cfg.Source.Watch {
		w, err := NewSourceWatcher(path, s.Reloader, s.cfg.Source.Debounce, s.logger)
		if err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		w.Start(ctx)
		s.watcher = w
	}
	return nil
}

// Close stops the watcher and scheduler, then flushes and releases the
// cache, audit and storage resources.
func (s *Service) Close() error {
	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Close())
	}
	if s.Scheduler != nil {
		<-s.Scheduler.Stop().Done()
	}
	errs = append(errs, s.closeResources())
	return errors.Join(errs...)
}

func (s *Service) closeResources() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
