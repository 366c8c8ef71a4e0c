// Package jobrunner pulls tasks off the queue and executes them with registered handlers.
package jobrunner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/taskqueue/internal/core"
	"github.com/target/taskqueue/internal/domain/job"
	"github.com/target/taskqueue/internal/domain/model"
	"github.com/target/taskqueue/internal/observability/metrics"
	"github.com/target/taskqueue/internal/observability/statsd"
)

// RunnerOptions configures the worker runner.
type RunnerOptions struct {
	Queue    core.QueueStore
	Results  core.ResultStore
	Registry *Registry
	Logger   *slog.Logger

	// Concurrency is the number of independent worker loops; defaults to 1.
	Concurrency int
	// Backoff paces retries after store failures; defaults to job.NewBackoffPolicy(0, 0).
	Backoff *job.BackoffPolicy
	Metrics statsd.Sink
	Now     func() time.Time
}

// Runner executes tasks one at a time per worker loop.
type Runner struct {
	queue    core.QueueStore
	results  core.ResultStore
	registry *Registry
	logger   *slog.Logger
	workers  int
	backoff  *job.BackoffPolicy
	metrics  statsd.Sink
	now      func() time.Time
}

// storeError marks a failure of the queue or result store. The current iteration is
// abandoned without acknowledgement and the loop backs off.
type storeError struct {
	op  string
	err error
}

func (e *storeError) Error() string { return e.op + ": " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// NewRunner validates options and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue store is required")
	}
	if opts.Results == nil {
		return nil, errors.New("result store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("handler registry is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	backoff := opts.Backoff
	if backoff == nil {
		var err error
		if backoff, err = job.NewBackoffPolicy(0, 0); err != nil {
			return nil, err
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Runner{
		queue:    opts.Queue,
		results:  opts.Results,
		registry: opts.Registry,
		logger:   logger.With("component", "job_runner"),
		workers:  workers,
		backoff:  backoff,
		metrics:  opts.Metrics,
		now:      now,
	}, nil
}

// Run recovers stranded tasks once, then runs the worker loops until ctx is cancelled.
// Cancellation is a clean shutdown and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner",
		"workers", r.workers,
		"job_types", r.registry.JobTypes(),
	)

	if err := r.recoverStranded(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		g.Go(func() error {
			r.workerLoop(gctx, i)
			return nil
		})
	}
	err := g.Wait()
	r.logger.InfoContext(ctx, "job runner stopped")
	return err
}

// recoverStranded retries the startup sweep with backoff until it succeeds or ctx ends.
func (r *Runner) recoverStranded(ctx context.Context) error {
	failures := 0
	for {
		n, err := r.queue.RecoverStranded(ctx)
		if err == nil {
			metrics.EmitQueueRecovery(r.metrics, n)
			if n > 0 {
				r.logger.WarnContext(ctx, "requeued stranded tasks", "count", n)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		metrics.EmitStoreFailure(r.metrics, "recover", err)
		r.logger.ErrorContext(ctx, "recover stranded tasks", "error", err, "attempt", failures)
		if !r.sleep(ctx, r.backoff.Delay(failures)) {
			return ctx.Err()
		}
	}
}

func (r *Runner) workerLoop(ctx context.Context, worker int) {
	logger := r.logger.With("worker", worker)
	failures := 0
	for ctx.Err() == nil {
		err := r.processNext(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		var se *storeError
		op := "unknown"
		if errors.As(err, &se) {
			op = se.op
		}
		failures++
		delay := r.backoff.Delay(failures)
		metrics.EmitStoreFailure(r.metrics, op, err)
		logger.ErrorContext(ctx, "queue store unavailable",
			"op", op,
			"error", err,
			"consecutive_failures", failures,
			"retry_in", delay,
		)
		if !r.sleep(ctx, delay) {
			return
		}
	}
}

// processNext runs one Fetching -> Executing -> Resolving pass.
func (r *Runner) processNext(ctx context.Context) error {
	id, err := r.queue.Dequeue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &storeError{op: "dequeue", err: err}
	}
	start := r.now()

	task, err := r.queue.Load(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrTaskNotFound):
		// Removed by a producer while queued; nothing left to run or report.
		r.logger.WarnContext(ctx, "task record missing, dropping entry", "task_id", id)
		if err := r.queue.Acknowledge(ctx, id); err != nil {
			return &storeError{op: "acknowledge", err: err}
		}
		metrics.EmitTaskLifecycle(r.metrics, metrics.TaskMetric{
			Transition: metrics.TransitionDropped,
			Result:     metrics.ResultNoop,
		})
		return nil
	case errors.Is(err, model.ErrMalformedTask):
		r.logger.ErrorContext(ctx, "malformed task record", "task_id", id, "error", err)
		return r.resolve(ctx, resolution{
			id:         id,
			outcome:    model.Failedf("malformed task record: %v", err),
			transition: metrics.TransitionPoisoned,
			start:      start,
			cause:      err,
		})
	default:
		return &storeError{op: "load", err: err}
	}

	out, err := r.registry.Dispatch(ctx, task)
	if err != nil {
		r.logger.WarnContext(ctx, "no handler for task", "task_id", id, "job_type", task.JobType)
		out = model.Failedf("%s", err.Error())
	}
	if ctx.Err() != nil {
		// Shutdown interrupted the handler; the entry stays in processing and is
		// requeued by the next startup sweep.
		r.logger.WarnContext(ctx, "task interrupted by shutdown", "task_id", id, "job_type", task.JobType)
		return ctx.Err()
	}

	var cause error
	switch {
	case err != nil:
		cause = err
	case out.Failed():
		cause = errors.New(out.Error)
	}
	return r.resolve(ctx, resolution{
		id:         id,
		task:       task,
		outcome:    out,
		transition: metrics.TransitionResolved,
		start:      start,
		cause:      cause,
	})
}

type resolution struct {
	id         string
	task       *model.Task
	outcome    model.Outcome
	transition string
	start      time.Time
	cause      error
}

// resolve persists the result and then acknowledges the entry. A crash in between
// re-runs the task after recovery and the first stored result wins.
func (r *Runner) resolve(ctx context.Context, in resolution) error {
	res := model.NewResult(in.id, in.task, in.outcome, r.now())
	stored, err := r.results.Save(ctx, res)
	if err != nil {
		return &storeError{op: "save_result", err: err}
	}
	if !stored {
		r.logger.InfoContext(ctx, "result already recorded, keeping first", "task_id", in.id)
	}
	if err := r.queue.Acknowledge(ctx, in.id); err != nil {
		return &storeError{op: "acknowledge", err: err}
	}

	jobType := ""
	if in.task != nil {
		jobType = in.task.JobType
	}
	result := metrics.ResultSuccess
	if res.Status == model.TaskStatusError {
		result = metrics.ResultError
	}
	metrics.EmitTaskLifecycle(r.metrics, metrics.TaskMetric{
		JobType:    jobType,
		Transition: in.transition,
		Result:     result,
		Duration:   r.now().Sub(in.start),
		Err:        in.cause,
	})
	r.logger.InfoContext(ctx, "task resolved",
		"task_id", in.id,
		"job_type", jobType,
		"status", res.Status,
	)
	return nil
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
