// Package queue dispatches queued processing jobs to a handler with
// bounded concurrency.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/thoughtd/internal/storage"
)

// JobStore abstracts the job queue operations the worker needs.
type JobStore interface {
	LeaseQueuedJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]storage.Job, error)
	FailStaleJobs(ctx context.Context, now time.Time, msg string) ([]storage.Job, error)
}

// Handler runs one leased job to a terminal state. Errors are logged only;
// the handler is responsible for recording the outcome on the job.
type Handler interface {
	HandleJob(ctx context.Context, job storage.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job storage.Job) error

func (f HandlerFunc) HandleJob(ctx context.Context, job storage.Job) error { return f(ctx, job) }

// StaleJobMessage is recorded on jobs whose lease ran out mid-processing.
const StaleJobMessage = "processing timed out"

// Options tune the worker. Zero values pick the defaults.
type Options struct {
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
}

// Worker polls the store for queued jobs and runs them on the handler.
type Worker struct {
	store       JobStore
	handler     Handler
	concurrency int
	poll        time.Duration
	lease       time.Duration
	sem         *semaphore.Weighted
	now         func() time.Time
	logger      *slog.Logger

	wg sync.WaitGroup
}

// NewWorker creates a Worker. Defaults: 4 concurrent jobs, 500ms poll
// interval, 1m claim lease.
func NewWorker(store JobStore, handler Handler, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	return &Worker{
		store:       store,
		handler:     handler,
		concurrency: opts.Concurrency,
		poll:        opts.PollInterval,
		lease:       opts.Lease,
		sem:         semaphore.NewWeighted(int64(opts.Concurrency)),
		now:         time.Now,
		logger:      slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) {
	defer w.wg.Wait()
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce fails stale jobs, then leases as many queued jobs as there are
// free slots and starts them. It returns the number of jobs started.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	stale, err := w.store.FailStaleJobs(ctx, now, StaleJobMessage)
	if err != nil {
		return 0, fmt.Errorf("failing stale jobs: %w", err)
	}
	for _, j := range stale {
		w.logger.Warn("job lease expired", "job_id", j.ID, "thought_id", j.ThoughtID)
	}

	slots := 0
	for slots < w.concurrency && w.sem.TryAcquire(1) {
		slots++
	}
	if slots == 0 {
		return 0, nil
	}

	jobs, err := w.store.LeaseQueuedJobs(ctx, now, w.lease, slots)
	if err != nil {
		w.sem.Release(int64(slots))
		return 0, fmt.Errorf("leasing jobs: %w", err)
	}
	if unused := slots - len(jobs); unused > 0 {
		w.sem.Release(int64(unused))
	}

	for _, job := range jobs {
		w.wg.Add(1)
		go w.dispatch(ctx, job)
	}
	return len(jobs), nil
}

// Wait blocks until every started job has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) dispatch(ctx context.Context, job storage.Job) {
	defer w.wg.Done()
	defer w.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	start := time.Now()
	if err := w.handler.HandleJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "thought_id", job.ThoughtID, "error", err, "elapsed", time.Since(start))
		return
	}
	w.logger.Debug("job finished", "job_id", job.ID, "thought_id", job.ThoughtID, "elapsed", time.Since(start))
}
