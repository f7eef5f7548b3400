package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/polisai/directived/pkg/domain"
)

// Scheduler fires #cron directives. Its job set is rebuilt from every
// published table; jobs of a replaced table finish but do not fire again.
type Scheduler struct {
	store    *TableStore
	executor *Executor
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	mu         sync.Mutex
	ctx        context.Context
	cron       *cron.Cron
	entries    map[string]cron.EntryID
	generation uint64
	stopped    bool
	// onResult, when set, receives the result of every scheduled run
	onResult func(*Result)
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Store    *TableStore
	Executor *Executor
	Logger   *slog.Logger
	// Timeout bounds each scheduled run. Zero uses the executor default.
	Timeout  time.Duration
	OnResult func(*Result)
}

// NewScheduler creates a scheduler. Nothing fires before Start.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		executor: cfg.Executor,
		logger:   logger,
		timeout:  cfg.Timeout,
		now:      time.Now,
		onResult: cfg.OnResult,
	}
}

// Start schedules the live table's cron directives and follows every later
// swap until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.store.Subscribe(s.rebuild)
}

// Stop halts scheduling. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	ctx := s.cron.Stop()
	s.cron = nil
	s.entries = nil
	return ctx
}

// Scheduled lists the IDs of the cron directives currently scheduled.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Next reports when the cron directive id fires next.
func (s *Scheduler) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entries[id]
	if !ok || s.cron == nil {
		return time.Time{}, false
	}
	return s.cron.Entry(entryID).Next, true
}

func (s *Scheduler) rebuild(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || snap.Generation < s.generation {
		return
	}
	if s.cron != nil {
		s.cron.Stop()
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.logger}),
		cron.SkipIfStillRunning(cronLogger{s.logger}),
	))
	entries := make(map[string]cron.EntryID)
	for _, d := range snap.Table.Directives() {
		if d.Kind != domain.KindCron {
			continue
		}
		schedule, ok := snap.Table.Schedule(d)
		if !ok {
			continue
		}
		id := d.ID()
		entries[id] = c.Schedule(schedule, cron.FuncJob(func() { s.fire(id) }))
	}
	c.Start()

	s.cron = c
	s.entries = entries
	s.generation = snap.Generation
	s.logger.Info("cron directives scheduled", "generation", snap.Generation, "jobs", len(entries))
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	res := s.Run(ctx, id)
	if s.onResult != nil {
		s.onResult(res)
	}
}

// Run executes the cron directive id once, as if it had fired now.
func (s *Scheduler) Run(ctx context.Context, id string) *Result {
	firedAt := s.now()
	res := s.executor.Execute(ctx, Unit{
		Kind:    UnitCron,
		Cron:    id,
		Timeout: s.timeout,
		Input: map[string]domain.Value{
			"cron": domain.Map(map[string]domain.Value{
				"id":       domain.String(id),
				"fired_at": domain.String(firedAt.UTC().Format(time.RFC3339Nano)),
			}),
		},
	})
	if res.Err != nil {
		s.logger.Warn("scheduled run failed", "cron", id, "trace_id", res.TraceID, "error", res.Err)
	}
	return res
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(fmt.Sprintf("cron: %s", msg), append(keysAndValues, "error", err)...)
}
