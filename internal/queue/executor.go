package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/metrics"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	"go.uber.org/zap"
)

type Options struct {
	Queues     []string
	MaxTries   int
	Timeout    time.Duration
	RetryAfter time.Duration
	Backoff    time.Duration
}

func DefaultOptions() Options {
	return Options{
		Queues:     []string{QueueTextSessions, QueueCallSessions},
		MaxTries:   3,
		Timeout:    60 * time.Second,
		RetryAfter: 90 * time.Second,
		Backoff:    5 * time.Second,
	}
}

// Executor reserves jobs and runs them through their registered handlers.
// The worker pool and the degraded-mode poller share one Executor.
type Executor struct {
	store    Store
	handlers map[string]Handler
	opts     Options
	clock    session.Clock
	log      *zap.Logger
}

func NewExecutor(store Store, opts Options, clock session.Clock, logger *zap.Logger) *Executor {
	return &Executor{
		store:    store,
		handlers: make(map[string]Handler),
		opts:     opts,
		clock:    clock,
		log:      logger,
	}
}

// Register binds a job name to its handler. Not safe after Drain has started.
func (e *Executor) Register(name string, handler Handler) {
	e.handlers[name] = handler
}

// Drain reserves up to limit due jobs and runs them one after another. It
// returns how many jobs were reserved.
func (e *Executor) Drain(ctx context.Context, limit int) (int, error) {
	jobs, err := e.store.Reserve(ctx, e.opts.Queues, e.clock.Now(), e.opts.RetryAfter, limit)
	if err != nil {
		return 0, fmt.Errorf("reserve jobs: %w", err)
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			// Unfinished reservations expire after RetryAfter and are picked up again.
			return len(jobs), ctx.Err()
		}
		if err := e.Execute(ctx, job); err != nil {
			e.log.Error("job bookkeeping failed",
				zap.Int64(logging.KeyJobID, job.ID),
				zap.String(logging.KeyJobUUID, job.UUID),
				zap.Error(err),
			)
		}
	}
	return len(jobs), nil
}

// Execute runs one reserved job and records the outcome: delete on success,
// release with backoff on failure, move to failed_jobs once tries run out.
func (e *Executor) Execute(ctx context.Context, job models.Job) error {
	payload, err := DecodePayload(job.Payload)
	if err != nil {
		return e.fail(ctx, job, Payload{}, Permanent(fmt.Errorf("decode payload: %w", err)))
	}

	handler, ok := e.handlers[payload.DisplayName]
	if !ok {
		return e.fail(ctx, job, payload, Permanent(fmt.Errorf("no handler for job %q", payload.DisplayName)))
	}

	start := time.Now()
	runErr := e.run(ctx, handler, payload.Data)
	metrics.JobDuration.WithLabelValues(payload.DisplayName).Observe(time.Since(start).Seconds())

	if runErr == nil {
		metrics.JobsProcessed.WithLabelValues(payload.DisplayName, "done").Inc()
		return e.store.Delete(ctx, job.ID)
	}

	if IsPermanent(runErr) || job.Attempts >= e.opts.MaxTries {
		return e.fail(ctx, job, payload, runErr)
	}

	metrics.JobsProcessed.WithLabelValues(payload.DisplayName, "retried").Inc()
	e.log.Warn("job attempt failed, will retry",
		zap.String(logging.KeyJob, payload.DisplayName),
		zap.Int64(logging.KeyJobID, job.ID),
		zap.Int(logging.KeyAttempt, job.Attempts),
		zap.Int64(logging.KeySessionID, payload.Data.SessionID),
		zap.String(logging.KeySessionKind, string(payload.Data.SessionKind)),
		zap.Error(runErr),
	)
	backoff := e.opts.Backoff * time.Duration(job.Attempts)
	return e.store.Release(ctx, job.ID, e.clock.Now().Add(backoff))
}

func (e *Executor) run(ctx context.Context, handler Handler, data Data) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()

	err = handler.Handle(runCtx, data)
	if err == nil && runCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("job exceeded timeout of %s", e.opts.Timeout)
	}
	return err
}

func (e *Executor) fail(ctx context.Context, job models.Job, payload Payload, cause error) error {
	name := payload.DisplayName
	if name == "" {
		name = "unknown"
	}
	metrics.JobsProcessed.WithLabelValues(name, "failed").Inc()
	e.log.Error("job failed permanently",
		zap.String(logging.KeyJob, name),
		zap.Int64(logging.KeyJobID, job.ID),
		zap.String(logging.KeyJobUUID, job.UUID),
		zap.Int(logging.KeyAttempt, job.Attempts),
		zap.Int64(logging.KeySessionID, payload.Data.SessionID),
		zap.String(logging.KeySessionKind, string(payload.Data.SessionKind)),
		zap.String(logging.KeyReason, payload.Data.Reason),
		zap.Error(cause),
	)
	return e.store.Fail(ctx, job, cause.Error())
}
