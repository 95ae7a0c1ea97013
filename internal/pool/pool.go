package pool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/developingchet/identity-isolator/internal/metrics"
	"github.com/rs/zerolog"
)

// ActionDeleteSession removes a retired browser profile directory.
const ActionDeleteSession = "delete_session"

// Job is a unit of work for the worker pool.
type Job struct {
	Action    string
	UserID    string
	SessionID string
	Path      string
}

// JobHandler processes a single Job. Returns an error if the job should be retried.
type JobHandler func(ctx context.Context, job Job) error

// Config holds worker pool configuration.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
}

// Pool is a configurable worker pool with bounded retry logic.
type Pool struct {
	cfg      Config
	jobs     chan Job
	handler  JobHandler
	log      zerolog.Logger
	wg       sync.WaitGroup
	pending  sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New creates a Pool with the given config and handler.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("POOL_WORKERS must be 1–64, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1024
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	return &Pool{
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueDepth),
		handler: handler,
		log:     log.With().Str("component", "pool").Logger(),
	}, nil
}

// Start launches the worker goroutines. ctx controls worker lifetime.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue attempts a non-blocking send. Returns false if the buffer is full
// or the pool has been stopped.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		metrics.JobsDropped.WithLabelValues("stopped").Inc()
		p.log.Warn().Str("user_id", job.UserID).Str("action", job.Action).Msg("job rejected: pool stopped")
		return false
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job:
		metrics.JobsEnqueued.WithLabelValues(job.Action).Inc()
		return true
	default:
		p.pending.Done()
		metrics.JobsDropped.WithLabelValues("buffer_full").Inc()
		p.log.Warn().Str("user_id", job.UserID).Str("action", job.Action).Msg("job dropped: queue full")
		return false
	}
}

// Stop closes the job channel and waits for all workers to drain. Later
// Enqueue calls return false. Safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Wait blocks until every accepted job has finished, including retries.
// Workers must be running.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Depth returns the current number of pending jobs.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

// worker dequeues jobs and processes them with inline retry (no re-enqueue).
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			p.discard()
			return
		case job, ok := <-p.jobs:
			if !ok {
				return // channel closed by Stop()
			}
			metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
			p.processWithRetry(ctx, job, log)
			p.pending.Done()
		}
	}
}

// discard releases jobs still queued at shutdown so Wait cannot hang.
func (p *Pool) discard() {
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			metrics.JobsDropped.WithLabelValues("shutdown").Inc()
			p.log.Warn().Str("user_id", job.UserID).Str("path", job.Path).Msg("job discarded at shutdown")
			p.pending.Done()
		default:
			return
		}
	}
}

// processWithRetry runs the handler inline with exponential backoff.
func (p *Pool) processWithRetry(ctx context.Context, job Job, log zerolog.Logger) {
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.backoff(attempt - 1)
			log.Warn().Str("path", job.Path).Int("attempt", attempt).
				Dur("backoff", backoff).Msg("retrying job")
			select {
			case <-ctx.Done():
				metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
				return
			case <-time.After(backoff):
			}
		}

		if err := p.handler(ctx, job); err != nil {
			if attempt < p.cfg.MaxRetries {
				metrics.JobsProcessed.WithLabelValues(job.Action, "retried").Inc()
				continue
			}
			metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
			log.Error().Err(err).Str("path", job.Path).
				Int("max_retries", p.cfg.MaxRetries).Msg("job failed: max retries exceeded")
			return
		}

		metrics.JobsProcessed.WithLabelValues(job.Action, "success").Inc()
		return
	}
}

// backoff computes exponential backoff with a max cap.
func (p *Pool) backoff(retries int) time.Duration {
	multiplier := math.Pow(2, float64(retries))
	d := time.Duration(float64(p.cfg.RetryBase) * multiplier)
	if max := 5 * time.Minute; d > max {
		d = max
	}
	return d
}
