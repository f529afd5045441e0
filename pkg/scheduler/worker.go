package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/store"
	"github.com/swparkaust/chat-with-ai/pkg/telemetry"
)

type JobStore interface {
	ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (store.Job, bool, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	RetryJob(ctx context.Context, id, errMsg string, runAfterMS int64) error
	RequeueExpiredJobs(ctx context.Context, nowMS int64) (int, error)
	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// Handler executes one claimed job. A returned error retries the job until
// its attempts run out.
type Handler func(ctx context.Context, job store.Job) error

// ExhaustedFunc runs after a job failed for the last time.
type ExhaustedFunc func(ctx context.Context, job store.Job, err error)

type WorkerConfig struct {
	Poll        time.Duration
	Lease       time.Duration
	Concurrency int
	// RetryBase is the first retry delay; each further attempt doubles it.
	RetryBase time.Duration
	BatchSize int
}

// Worker claims due jobs and runs each on its own goroutine, at most
// Concurrency at a time.
type Worker struct {
	store     JobStore
	cfg       WorkerConfig
	metrics   *telemetry.Instruments
	tracer    trace.Tracer
	sem       *semaphore.Weighted
	now       func() time.Time
	jitter    func(n int64) int64
	mu        sync.RWMutex
	handlers  map[string]Handler
	exhausted map[string]ExhaustedFunc

	stopCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	inflight  sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func NewWorker(s JobStore, cfg WorkerConfig, metrics *telemetry.Instruments) *Worker {
	if cfg.Poll <= 0 {
		cfg.Poll = 100 * time.Millisecond
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 300 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 32
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Worker{
		store:     s,
		cfg:       cfg,
		metrics:   metrics,
		tracer:    telemetry.Tracer("scheduler.worker"),
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		now:       time.Now,
		jitter:    rand.Int64N,
		handlers:  map[string]Handler{},
		exhausted: map[string]ExhaustedFunc{},
		stopCh:    make(chan struct{}),
	}
}

// SetClock replaces the worker's time source.
func (w *Worker) SetClock(now func() time.Time) { w.now = now }

func (w *Worker) Handle(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) OnExhausted(jobType string, fn ExhaustedFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exhausted[jobType] = fn
}

// Start launches the polling loop. Jobs run under a context that Stop
// cancels.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		w.cancel = cancel
		w.wg.Add(1)
		go w.loop(runCtx)
	})
}

// Stop ends polling, cancels running jobs and waits for them to return.
func (w *Worker) Stop() {
	w.closeOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
		if w.cancel != nil {
			w.cancel()
		}
		w.inflight.Wait()
	})
}

// Wait blocks until every job dispatched so far has finished.
func (w *Worker) Wait() { w.inflight.Wait() }

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Poll)
	defer ticker.Stop()

	// Jobs left by a previous process start right away.
	w.poll(ctx)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
		logger.WarnCF("worker", "Job poll failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// RunOnce requeues expired leases and dispatches up to one batch of due
// jobs without waiting for them. It returns how many were claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if n, err := w.store.RequeueExpiredJobs(ctx, w.now().UnixMilli()); err != nil {
		return 0, err
	} else if n > 0 {
		logger.InfoCF("worker", "Requeued expired jobs", map[string]interface{}{"count": n})
	}

	claimed := 0
	for claimed < w.cfg.BatchSize {
		if !w.sem.TryAcquire(1) {
			break
		}
		job, ok, err := w.store.ClaimNextJob(ctx, w.now().UnixMilli(), w.cfg.Lease.Milliseconds())
		if err != nil || !ok {
			w.sem.Release(1)
			if err != nil {
				return claimed, err
			}
			break
		}
		claimed++
		w.inflight.Add(1)
		go func(job store.Job) {
			defer w.inflight.Done()
			defer w.sem.Release(1)
			w.run(ctx, job)
		}(job)
	}
	return claimed, nil
}

func (w *Worker) run(ctx context.Context, job store.Job) {
	ctx, span := w.tracer.Start(ctx, "job."+job.JobType, trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("scope", job.Scope),
		attribute.Int("attempt", job.Attempts),
	))
	defer span.End()

	started := time.Now()
	err := w.execute(ctx, job)
	took := time.Since(started)
	labels := map[string]string{"type": job.JobType}
	// Bookkeeping outlives a cancelled job context.
	bg := context.WithoutCancel(ctx)

	if err == nil {
		if cerr := w.store.CompleteJob(bg, job.ID); cerr != nil {
			logger.ErrorCF("worker", "Complete job failed", map[string]interface{}{"job_id": job.ID, "error": cerr.Error()})
		}
		_ = w.store.AddMetric(bg, "job.completed", 1, labels)
		w.metrics.Job(ctx, job.JobType, "completed", took)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if job.Attempts < job.MaxAttempts {
		delay := w.backoff(job.Attempts)
		if rerr := w.store.RetryJob(bg, job.ID, err.Error(), w.now().Add(delay).UnixMilli()); rerr != nil {
			logger.ErrorCF("worker", "Retry job failed", map[string]interface{}{"job_id": job.ID, "error": rerr.Error()})
		}
		_ = w.store.AddMetric(bg, "job.retried", 1, labels)
		w.metrics.Job(ctx, job.JobType, "retried", took)
		logger.WarnCF("worker", "Job failed, retrying", map[string]interface{}{
			"job_id":        job.ID,
			"type":          job.JobType,
			"scope":         job.Scope,
			"attempt":       job.Attempts,
			"retry_seconds": delay.Seconds(),
			"error":         err.Error(),
		})
		return
	}

	if ferr := w.store.FailJob(bg, job.ID, err.Error()); ferr != nil {
		logger.ErrorCF("worker", "Fail job failed", map[string]interface{}{"job_id": job.ID, "error": ferr.Error()})
	}
	_ = w.store.AddMetric(bg, "job.failed", 1, labels)
	w.metrics.Job(ctx, job.JobType, "failed", took)
	logger.ErrorCF("worker", "Job failed", map[string]interface{}{
		"job_id":   job.ID,
		"type":     job.JobType,
		"scope":    job.Scope,
		"attempts": job.Attempts,
		"error":    err.Error(),
	})

	w.mu.RLock()
	fn := w.exhausted[job.JobType]
	w.mu.RUnlock()
	if fn != nil {
		fn(bg, job, err)
	}
}

func (w *Worker) execute(ctx context.Context, job store.Job) (err error) {
	w.mu.RLock()
	h, ok := w.handlers[job.JobType]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.JobType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.JobType, r)
		}
	}()
	return h(ctx, job)
}

// backoff doubles RetryBase per attempt and adds up to one base of jitter.
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	base := w.cfg.RetryBase << (attempt - 1)
	return base + time.Duration(w.jitter(int64(w.cfg.RetryBase)))
}
