package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"partner-ledger/internal/metrics"
)

const defaultTimeout = 3 * time.Second

// Config tunes the dispatcher.
type Config struct {
	// Workers bounds the number of jobs running at once.
	Workers int
	// Timeout bounds each job.
	Timeout time.Duration
}

// Dispatcher runs best-effort side jobs off the request path. When every
// worker is busy new jobs are dropped rather than queued.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	sem     *semaphore.Weighted
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Dispatcher.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:  logger.With("component", "dispatch"),
		metrics: metricRegistry,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		timeout: cfg.Timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go schedules job. It returns false when the job was dropped.
func (d *Dispatcher) Go(name string, job func(ctx context.Context)) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || !d.sem.TryAcquire(1) {
		d.drop(name)
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("side job panicked", "job", name, "panic", r)
				if d.metrics != nil {
					d.metrics.Errors.WithLabelValues("dispatch").Inc()
				}
			}
		}()
		ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
		defer cancel()
		job(ctx)
	}()
	return true
}

// Close stops accepting jobs and waits for running ones until ctx ends, after
// which their contexts are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) drop(name string) {
	if d.metrics != nil {
		d.metrics.AsyncJobsDropped.WithLabelValues(name).Inc()
	}
	d.logger.Warn("side job dropped", "job", name)
}
