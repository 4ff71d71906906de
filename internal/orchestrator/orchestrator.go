// Package orchestrator bounds heartbeat ingestion with a fixed-size
// worker pool and a token-bucket limiter, so a burst of reporting
// instances cannot exhaust the process: once the queue is full,
// additional heartbeats are rejected immediately with a "retry later"
// signal rather than piling up unbounded. Dropping a heartbeat is safe
// because the next ping cycle resends it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/heartbeat"
	"github.com/configplane/controlplane/internal/platform/config"
	"github.com/configplane/controlplane/internal/platform/metrics"
)

// Ingestor is the subset of heartbeat.Service the orchestrator depends on.
type Ingestor interface {
	Ingest(ctx context.Context, payload heartbeat.Payload) (heartbeat.IngestResult, error)
}

// job couples a heartbeat payload with the channel its caller is
// waiting on for the result.
type job struct {
	ctx     context.Context
	payload heartbeat.Payload
	resultC chan jobResult
}

type jobResult struct {
	result heartbeat.IngestResult
	err    error
}

// Orchestrator is the bounded ingest worker pool.
type Orchestrator struct {
	ingestor Ingestor
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.OrchestratorMetrics

	workers  int
	jobQueue chan job
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New constructs an Orchestrator. cfg.Concurrency <= 0 defaults to
// 2xNumCPU; cfg.QueueSize <= 0 defaults to 10x concurrency.
func New(ingestor Ingestor, cfg config.IngestConfig, m *metrics.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2 * runtime.NumCPU()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = concurrency * 10
	}
	var om *metrics.OrchestratorMetrics
	if m != nil {
		om = m.Orchestrator()
	}
	return &Orchestrator{
		ingestor: ingestor,
		limiter:  rate.NewLimiter(rate.Limit(concurrency*20), concurrency*20),
		logger:   logger,
		metrics:  om,
		workers:  concurrency,
		jobQueue: make(chan job, queueSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker pool. Safe to call once; a second call is a
// no-op.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	o.logger.Info("ingest orchestrator started", "workers", o.workers, "queue_size", cap(o.jobQueue))
}

// Stop signals the workers to exit and waits for them to return. A job a
// worker has already picked up runs to completion; jobs still waiting in
// the queue are not guaranteed to be processed.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()

	o.wg.Wait()
}

// ErrQueueFull is returned by Submit when the worker pool's queue has no
// room for another job; the caller should signal the client to retry on
// its next heartbeat cycle rather than block.
var ErrQueueFull = fmt.Errorf("ingest queue full")

// ErrNotRunning is returned by Submit before Start has been called.
var ErrNotRunning = fmt.Errorf("ingest orchestrator not running")

// Submit enqueues payload and blocks until a worker has produced a
// result, ctx is cancelled, or the queue is full (returned immediately,
// never blocking on a full queue).
func (o *Orchestrator) Submit(ctx context.Context, payload heartbeat.Payload) (heartbeat.IngestResult, error) {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return heartbeat.IngestResult{}, ErrNotRunning
	}

	if !o.limiter.Allow() {
		o.recordSubmitted("rate_limited")
		return heartbeat.IngestResult{}, ErrQueueFull
	}

	j := job{ctx: ctx, payload: payload, resultC: make(chan jobResult, 1)}
	queuedAt := time.Now()

	select {
	case o.jobQueue <- j:
	case <-ctx.Done():
		return heartbeat.IngestResult{}, domainerr.FromContext(ctx)
	default:
		o.recordSubmitted("queue_full")
		return heartbeat.IngestResult{}, ErrQueueFull
	}
	o.recordSubmitted("accepted")
	o.recordQueueDepth(len(o.jobQueue))

	select {
	case res := <-j.resultC:
		o.recordQueueWait(queuedAt)
		return res.result, res.err
	case <-ctx.Done():
		return heartbeat.IngestResult{}, domainerr.FromContext(ctx)
	}
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case j, ok := <-o.jobQueue:
			if !ok {
				return
			}
			o.recordQueueDepth(len(o.jobQueue))
			result, err := o.ingestor.Ingest(j.ctx, j.payload)
			j.resultC <- jobResult{result: result, err: err}
		}
	}
}

func (o *Orchestrator) recordSubmitted(outcome string) {
	if o.metrics != nil {
		o.metrics.SubmittedTotal.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) recordQueueDepth(n int) {
	if o.metrics != nil {
		o.metrics.QueueDepth.Set(float64(n))
	}
}

func (o *Orchestrator) recordQueueWait(queuedAt time.Time) {
	if o.metrics != nil {
		o.metrics.QueueWaitSeconds.Observe(time.Since(queuedAt).Seconds())
	}
}
