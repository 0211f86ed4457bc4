package upsell

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/pkg/logging"
)

const claimBatchSize = 20

// Worker drains due delayed-offer jobs. Claiming moves a job to processing
// with the attempt counter bumped, so a crash mid-delivery surfaces as a
// stuck processing row rather than a double send.
type Worker struct {
	store     *Store
	scheduler *Scheduler
	interval  time.Duration
	logger    *logging.Logger
	metrics   *metrics.UpsellMetrics
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	started   atomic.Bool
}

// NewWorker builds a worker polling at interval (default 1m).
func NewWorker(store *Store, scheduler *Scheduler, interval time.Duration, logger *logging.Logger, m *metrics.UpsellMetrics) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		store:     store,
		scheduler: scheduler,
		interval:  interval,
		logger:    logger,
		metrics:   m,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the polling loop. Stop with Stop or by cancelling ctx.
// Repeat calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce claims every due job and delivers it, retrying failures until the
// attempt budget runs out. Returns the number of jobs processed.
func (w *Worker) RunOnce(ctx context.Context) int {
	jobs, err := w.store.ClaimDueJobs(ctx, w.scheduler.now(), claimBatchSize)
	if err != nil {
		w.logger.Warn("upsell job claim failed", "error", err)
		return 0
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
	return len(jobs)
}

func (w *Worker) process(ctx context.Context, job Job) {
	err := w.scheduler.deliverJob(ctx, job)
	if err == nil {
		if err := w.store.CompleteJob(ctx, job.ID); err != nil {
			w.logger.Warn("upsell job not marked complete", "job_id", job.ID, "error", err)
		}
		w.metrics.ObserveJob(JobCompleted)
		return
	}

	if job.Attempts < job.MaxAttempts {
		nextAt := w.scheduler.now().Add(w.scheduler.cfg.RetryDelay)
		if rerr := w.store.RescheduleJob(ctx, job.ID, nextAt, err.Error()); rerr != nil {
			w.logger.Warn("upsell job not rescheduled", "job_id", job.ID, "error", rerr)
		}
		w.metrics.ObserveJob(JobPending)
		w.logger.Warn("upsell job retry scheduled",
			"job_id", job.ID,
			"attempt", job.Attempts,
			"run_at", nextAt,
			"error", err)
		return
	}

	if ferr := w.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
		w.logger.Warn("upsell job not marked failed", "job_id", job.ID, "error", ferr)
	}
	w.metrics.ObserveJob(JobFailed)
	w.logger.Error("upsell job exhausted",
		"job_id", job.ID,
		"attempts", job.Attempts,
		"error", err)
}

// Stop halts the loop and waits for it to exit. Safe to call more than once
// or on a worker that never started.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}
