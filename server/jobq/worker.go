// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package jobq

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WorkerConfig tunes job processing.
type WorkerConfig struct {
	Concurrency  int           `help:"number of jobs processed in parallel" default:"2"`
	MaxAttempts  int           `help:"deliveries before a retryable job is dead lettered" default:"5"`
	RetryInitial time.Duration `help:"initial retry backoff" default:"1s"`
	RetryMax     time.Duration `help:"maximum retry backoff" default:"5m"`
}

// HandlerFunc processes a single job. Handlers run at least once per job and
// must tolerate redelivery.
type HandlerFunc func(ctx context.Context, job Job) error

// Worker consumes queues from a Source and dispatches jobs to registered
// handlers by task name.
//
// A handler error marked with Retryable re-publishes the job with exponential
// backoff. Once MaxAttempts deliveries are exhausted, or on an error not
// marked retryable, the job is dead lettered after logging the failure.
type Worker struct {
	log      *zap.Logger
	source   Source
	queues   []string
	config   WorkerConfig
	handlers map[string]HandlerFunc
}

// NewWorker constructs a Worker consuming the named queues.
func NewWorker(log *zap.Logger, source Source, queues []string, config WorkerConfig) *Worker {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Worker{
		log:      log,
		source:   source,
		queues:   queues,
		config:   config,
		handlers: map[string]HandlerFunc{},
	}
}

// Register binds a handler to a task name. Must be called before Run.
func (worker *Worker) Register(task string, handler HandlerFunc) {
	worker.handlers[task] = handler
}

// Run processes jobs until the context is canceled.
func (worker *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < worker.config.Concurrency; i++ {
		group.Go(func() error {
			return worker.loop(ctx)
		})
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (worker *Worker) loop(ctx context.Context) error {
	for {
		job, err := worker.source.Receive(ctx, worker.queues)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			worker.log.Error("receive failed", zap.Error(err))
			if !sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		worker.process(ctx, job)
	}
}

func (worker *Worker) process(ctx context.Context, job *Job) {
	log := worker.log.With(
		zap.String("queue", job.Queue),
		zap.String("task", job.Task),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt))

	handler, ok := worker.handlers[job.Task]
	if !ok {
		log.Error("no handler for task, dead lettering job")
		jobsProcessedCounter.WithLabelValues(job.Task, "dead").Inc()
		worker.deadLetter(ctx, log, job)
		return
	}

	err := handler(ctx, *job)
	if err == nil {
		jobsProcessedCounter.WithLabelValues(job.Task, "ok").Inc()
		worker.ack(ctx, log, job)
		return
	}

	if IsRetryable(err) && job.Attempt+1 < worker.config.MaxAttempts {
		delay := worker.retryDelay(job.Attempt)
		log.Warn("job failed, retrying", zap.Duration("delay", delay), zap.Error(err))
		jobsProcessedCounter.WithLabelValues(job.Task, "retried").Inc()
		worker.retryLater(ctx, log, job, delay)
		return
	}

	log.Error("job failed, dead lettering", zap.Error(err))
	jobsProcessedCounter.WithLabelValues(job.Task, "dead").Inc()
	worker.deadLetter(ctx, log, job)
}

func (worker *Worker) ack(ctx context.Context, log *zap.Logger, job *Job) {
	if err := worker.source.Ack(ctx, job); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}

// deadLetter parks the job. On failure the delivery is left unacknowledged,
// so it is claimed and attempted again after the idle window.
func (worker *Worker) deadLetter(ctx context.Context, log *zap.Logger, job *Job) {
	if err := worker.source.DeadLetter(ctx, job); err != nil {
		log.Error("dead letter failed", zap.Error(err))
	}
}

// retryLater waits out the backoff delay before re-publishing. If the process
// dies first the original delivery stays unacknowledged and is claimed by
// another worker.
func (worker *Worker) retryLater(ctx context.Context, log *zap.Logger, job *Job, delay time.Duration) {
	if !sleep(ctx, delay) {
		return
	}
	if err := worker.source.Retry(ctx, job); err != nil {
		log.Error("retry publish failed", zap.Error(err))
	}
}

func (worker *Worker) retryDelay(attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = worker.config.RetryInitial
	policy.MaxInterval = worker.config.RetryMax
	policy.MaxElapsedTime = 0

	delay := policy.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type retryableError struct{ err error }

// Retryable marks err as safe to retry with backoff.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

// IsRetryable reports whether err or any error it wraps is marked retryable.
func IsRetryable(err error) bool {
	var marker *retryableError
	return errors.As(err, &marker)
}
