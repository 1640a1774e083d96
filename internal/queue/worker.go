// Package queue polls the store for eligible jobs and feeds them to the
// pipeline, and hosts the cancel/retry control operations.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dedox/dedox/internal/store"
)

// Runner executes a claimed job. The pipeline orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, job *store.Job) error
}

// Pool is a fixed-size set of workers polling for pending jobs.
type Pool struct {
	store        store.Store
	runner       Runner
	logger       *slog.Logger
	concurrency  int
	pollInterval time.Duration

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates a worker pool. Concurrency and poll interval fall back to
// sane values when unset.
func NewPool(st store.Store, runner Runner, logger *slog.Logger, concurrency int, pollInterval time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 2
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Pool{
		store:        st,
		runner:       runner,
		logger:       logger,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
	}
}

// Wake nudges an idle worker to poll immediately instead of waiting out
// the poll interval. Used by the webhook intake path after enqueueing.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start launches the workers. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.work(ctx, id)
		}(i)
	}
	p.logger.Info("worker pool started", slog.Int("concurrency", p.concurrency))
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context, id int) {
	logger := p.logger.With(slog.Int("worker", id))
	for {
		if ctx.Err() != nil {
			logger.Debug("worker stopping")
			return
		}

		job, err := p.store.NextPending(ctx, time.Now().UTC())
		if err != nil {
			logger.Error("failed to poll for work", slog.String("error", err.Error()))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}

		if err := p.runner.Run(ctx, job); err != nil {
			logger.Error("job run failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
			p.sleep(ctx)
		}
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-p.wake:
	case <-time.After(p.pollInterval):
	}
}

// Controller implements the job control operations exposed by the API.
type Controller struct {
	store store.Store
}

// NewController creates a controller over the job store.
func NewController(st store.Store) *Controller {
	return &Controller{store: st}
}

// Cancel stops a job. Pending jobs are cancelled immediately; running jobs
// get the cooperative cancel flag and stop at the next stage boundary.
// Terminal jobs return ErrBadTransition.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return store.ErrBadTransition
	}

	if job.Status == store.StatusPending {
		cancelled, err := c.store.Transition(ctx, id, store.StatusPending, store.StatusCancelled)
		if err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		if cancelled {
			return nil
		}
		// A worker claimed it in the meantime; fall through to the flag.
	}
	return c.store.RequestCancel(ctx, id)
}

// Retry re-enqueues a failed job as a new cycle. Retry counters start over;
// history is preserved.
func (c *Controller) Retry(ctx context.Context, id string) error {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != store.StatusFailed {
		return store.ErrBadTransition
	}

	if err := c.store.Reopen(ctx, id); err != nil {
		if errors.Is(err, store.ErrBadTransition) {
			return store.ErrBadTransition
		}
		return fmt.Errorf("failed to reopen job: %w", err)
	}
	return nil
}
