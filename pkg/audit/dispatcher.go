// Package audit fans audit events out to sinks without ever blocking the
// pipeline. Events are buffered in a bounded queue that drops the oldest
// entry when full; the number of dropped events is counted and exported.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/telemetry"
)

// Sink delivers a batch of events somewhere durable.
type Sink interface {
	Write(ctx context.Context, events []domain.AuditEvent) error
}

// Config tunes a Dispatcher.
type Config struct {
	// QueueSize bounds buffered events (default 1024).
	QueueSize int
	// BatchSize caps events handed to a sink per write (default 100).
	BatchSize int
	// FlushInterval is the longest an event waits for a batch (default 1s).
	FlushInterval time.Duration
	// WriteTimeout bounds one sink write (default 5s).
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
	Now          func() time.Time
}

// Dispatcher implements domain.AuditSink.
type Dispatcher struct {
	cfg     Config
	ring    *ring
	sinks   []Sink
	logger  *slog.Logger
	metrics *telemetry.Metrics

	notify  chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher delivering to sinks.
func NewDispatcher(cfg Config, sinks ...Sink) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		cfg:     cfg,
		ring:    newRing(cfg.QueueSize),
		sinks:   sinks,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Record queues e. It never blocks; when the queue is full the oldest event
// is dropped.
func (d *Dispatcher) Record(e domain.AuditEvent) {
	if e.At.IsZero() {
		e.At = d.cfg.Now()
	}
	if d.ring.push(e) {
		d.dropped.Add(1)
		d.metrics.RecordAudit("dropped", 1)
	}
	if d.ring.len() >= d.cfg.BatchSize {
		select {
		case d.notify <- struct{}{}:
		default:
		}
	}
}

// Start runs the delivery loop until Close.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.loop()
	})
}

// Close stops the loop and delivers whatever is still queued.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	d.startOnce.Do(func() {})
	d.wg.Wait()
	d.Flush()
	return nil
}

// Flush delivers every queued event now.
func (d *Dispatcher) Flush() {
	for {
		batch := d.ring.popAll(d.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		d.deliver(batch)
	}
}

// Dropped returns how many events were evicted before delivery.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed returns how many events a sink rejected.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int { return d.ring.len() }

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.Flush()
		case <-d.notify:
			d.Flush()
		}
	}
}

func (d *Dispatcher) deliver(batch []domain.AuditEvent) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		err := sink.Write(ctx, batch)
		cancel()
		if err != nil {
			d.failed.Add(int64(len(batch)))
			d.metrics.RecordAudit("failed", len(batch))
			d.logger.Warn("audit sink write failed", "events", len(batch), "error", err)
			continue
		}
		d.metrics.RecordAudit("delivered", len(batch))
	}
}

// ErrNoSinks is returned by Validate for a dispatcher without sinks.
var ErrNoSinks = errors.New("audit: no sinks configured")

// Validate reports configuration problems that would make every event
// disappear silently.
func (d *Dispatcher) Validate() error {
	if len(d.sinks) == 0 {
		return ErrNoSinks
	}
	return nil
}
