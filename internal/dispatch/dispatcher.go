// Package dispatch runs the bounded worker pool that posts parsed emails to
// their webhook targets, with signing, in-worker retry, and deferred
// re-enqueue for tasks that exhaust their attempts.
package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mailhook-dev/mailhook/internal/model"
	"github.com/mailhook-dev/mailhook/internal/observability"
	"github.com/mailhook-dev/mailhook/internal/queue"
	"github.com/mailhook-dev/mailhook/internal/router"
	"github.com/mailhook-dev/mailhook/internal/scheduler"
)

// Default configuration values.
const (
	DefaultConcurrency = 5
	DefaultTimeout     = 5 * time.Second
	DefaultMaxRetries  = 3
)

// TaskQueue is the durable store the dispatcher reads from and settles into.
type TaskQueue interface {
	Get(id string) (*model.Task, error)
	Update(id string, patch queue.Patch) error
	Remove(id string) error
}

// Config holds the dispatcher settings.
type Config struct {
	Concurrency int
	Timeout     time.Duration
	MaxRetries  int           // in-worker delivery attempts per cycle
	RetryDelay  time.Duration // deferred re-enqueue delay after exhaustion
	Secret      string        // HMAC secret; empty disables signing
	UserAgent   string
	QueueDepth  int // id channel buffer
}

// Dispatcher consumes task ids and performs webhook delivery.
type Dispatcher struct {
	tasks   TaskQueue
	router  *router.Router
	sched   *scheduler.Scheduler
	client  *http.Client
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	ids     chan string
	pending atomic.Int64
	wg      sync.WaitGroup
}

// New creates a Dispatcher. Zero config values fall back to defaults.
func New(tasks TaskQueue, rt *router.Router, sched *scheduler.Scheduler, cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "mailhook/dev"
	}

	return &Dispatcher{
		tasks:   tasks,
		router:  rt,
		sched:   sched,
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		logger:  logger.With("component", "dispatch"),
		metrics: metrics,
		tracer:  otel.Tracer("mailhook/dispatch"),
		ids:     make(chan string, cfg.QueueDepth),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Concurrency; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-d.ids:
					d.process(ctx, id)
				}
			}
		}()
	}
	d.logger.Info("dispatcher started", "concurrency", d.cfg.Concurrency)
}

// Enqueue pushes a task id into the work queue. It never blocks: when the
// channel is full the id is dropped here and recovered by replay on next
// start, since the task stays durable.
func (d *Dispatcher) Enqueue(id string) bool {
	d.pending.Add(1)
	d.metrics.SetTasksPending(int(d.pending.Load()))
	select {
	case d.ids <- id:
		return true
	default:
		d.pending.Add(-1)
		d.metrics.SetTasksPending(int(d.pending.Load()))
		d.logger.Error("work queue full, task left for replay", "task_id", id)
		return false
	}
}

// Pending returns the number of tasks enqueued or in flight.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// AwaitDrain polls the pending count every second until it reaches zero or
// the timeout elapses. Returns true when fully drained.
func (d *Dispatcher) AwaitDrain(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if d.Pending() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return d.Pending() == 0
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) done() {
	d.pending.Add(-1)
	d.metrics.SetTasksPending(int(d.pending.Load()))
}
