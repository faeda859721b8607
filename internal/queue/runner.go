package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-grader/internal/observability"
)

// Broker is the storage side of the queue consumed by Runner.
type Broker interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	Retry(ctx context.Context, job Job, delay time.Duration) error
	PromoteDue(ctx context.Context) (int, error)
}

type registration struct {
	handler Handler
	policy  RetryPolicy
}

// Runner consumes jobs with a fixed number of workers and applies each job's
// retry policy around its handler.
type Runner struct {
	broker          Broker
	workers         int
	pollTimeout     time.Duration
	promoteInterval time.Duration
	logger          zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRunner constructs a runner with the given worker count.
func NewRunner(broker Broker, workers int, logger zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		broker:          broker,
		workers:         workers,
		pollTimeout:     minBlockTimeout,
		promoteInterval: 500 * time.Millisecond,
		logger:          logger.With().Str("component", "queue_runner").Logger(),
		handlers:        make(map[string]registration),
	}
}

// Register binds a handler and its retry policy to a job name.
func (r *Runner) Register(name string, policy RetryPolicy, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = registration{handler: handler, policy: policy.normalised()}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for i := 0; i < r.workers; i++ {
		worker := i
		group.Go(func() error {
			r.work(groupCtx, worker)
			return nil
		})
	}
	group.Go(func() error {
		r.promote(groupCtx)
		return nil
	})

	r.logger.Info().Int("workers", r.workers).Msg("queue runner started")
	err := group.Wait()
	r.logger.Info().Msg("queue runner stopped")
	return err
}

func (r *Runner) work(ctx context.Context, worker int) {
	logger := r.logger.With().Int("worker", worker).Logger()
	for ctx.Err() == nil {
		job, err := r.broker.Dequeue(ctx, r.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("dequeue failed")
			sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}
		r.process(ctx, *job)
	}
}

func (r *Runner) promote(ctx context.Context) {
	ticker := time.NewTicker(r.promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.broker.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("promote delayed jobs failed")
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, job Job) {
	r.mu.RLock()
	reg, ok := r.handlers[job.Name]
	r.mu.RUnlock()

	logger := r.logger.With().Str("job", job.Name).Str("job_id", job.ID).Int("attempt", job.Attempt).Logger()
	if !ok {
		logger.Error().Msg("no handler registered, dropping job")
		observability.Jobs().WithLabelValues(job.Name, "dropped").Inc()
		return
	}

	job.MaxAttempts = reg.policy.MaxAttempts

	jobCtx := ctx
	if reg.policy.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, reg.policy.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := runSafely(jobCtx, reg.handler, job)
	observability.JobDuration().WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		observability.Jobs().WithLabelValues(job.Name, "succeeded").Inc()
		logger.Debug().Msg("job succeeded")
	case IsPermanent(err) || job.LastAttempt():
		observability.Jobs().WithLabelValues(job.Name, "failed").Inc()
		logger.Error().Err(err).Bool("permanent", IsPermanent(err)).Msg("job failed")
	default:
		if retryErr := r.broker.Retry(context.WithoutCancel(ctx), job, reg.policy.Delay); retryErr != nil {
			observability.Jobs().WithLabelValues(job.Name, "dropped").Inc()
			logger.Error().Err(retryErr).AnErr("job_error", err).Msg("schedule retry failed")
			return
		}
		observability.Jobs().WithLabelValues(job.Name, "retried").Inc()
		logger.Warn().Err(err).Dur("delay", reg.policy.Delay).Msg("job failed, retry scheduled")
	}
}

var errHandlerPanic = errors.New("job handler panicked")

func runSafely(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = errHandlerPanic
		}
	}()
	return handler(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
