package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dedox/dedox/internal/store"
)

// TagWriter is the archive surface used for failure tag writeback.
type TagWriter interface {
	AddTag(ctx context.Context, docID int64, tagName string) error
	RemoveTag(ctx context.Context, docID int64, tagName string) error
}

// RetryPolicy bounds per-stage retries and shapes the backoff curve.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff delay for attempt n is Base doubled n-1 times, capped at Max.
	Base time.Duration
	Max  time.Duration
}

// Delay computes the re-enqueue delay after the given attempt count.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Tags named on archive documents to reflect processing state.
type Tags struct {
	Processing string
	Enhanced   string
	Error      string
}

// Orchestrator claims pending jobs and drives them through the stage list
// for their trigger class.
type Orchestrator struct {
	store  store.Store
	tags   TagWriter
	logger *slog.Logger

	stageSets map[store.Trigger][]Stage
	retry     RetryPolicy
	tagNames  Tags

	// contexts carries in-flight pipeline state across retry re-enqueues
	// within this process. A job resumed without an entry here starts over
	// from the first stage.
	mu       sync.Mutex
	contexts map[string]*Context
}

// NewOrchestrator builds an orchestrator with explicit per-trigger stage
// lists.
func NewOrchestrator(st store.Store, tags TagWriter, logger *slog.Logger, full, syncOnly []Stage, retry RetryPolicy, tagNames Tags) *Orchestrator {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.Base <= 0 {
		retry.Base = 5 * time.Second
	}
	if retry.Max <= 0 {
		retry.Max = 5 * time.Minute
	}
	return &Orchestrator{
		store:  st,
		tags:   tags,
		logger: logger,
		stageSets: map[store.Trigger][]Stage{
			store.TriggerFull: full,
			store.TriggerSync: syncOnly,
		},
		retry:    retry,
		tagNames: tagNames,
		contexts: make(map[string]*Context),
	}
}

// Run claims the job and executes its stages. A lost claim race returns nil
// without side effects. The error return covers store failures only; stage
// failures are absorbed into job state.
func (o *Orchestrator) Run(ctx context.Context, job *store.Job) error {
	// Job state writes use an uncancellable context: a shutdown mid-run must
	// still be able to release the claim instead of stranding the job in
	// running, where nothing would ever pick it up again.
	sctx := context.WithoutCancel(ctx)

	claimed, err := o.store.Transition(sctx, job.ID, store.StatusPending, store.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to claim job %s: %w", job.ID, err)
	}
	if !claimed {
		return nil
	}

	logger := o.logger.With(slog.String("job_id", job.ID), slog.String("document_id", job.DocumentID))

	stages, ok := o.stageSets[job.Trigger]
	if !ok || len(stages) == 0 {
		return o.fail(sctx, job, fmt.Sprintf("no stages for trigger %q", job.Trigger), logger)
	}

	pc, start := o.resumePoint(job, stages)

	for i := start; i < len(stages); i++ {
		stage := stages[i]

		if ctx.Err() != nil {
			return o.release(sctx, job, pc, logger)
		}
		cancelled, err := o.store.CancelRequested(sctx, job.ID)
		if err != nil {
			return fmt.Errorf("failed to check cancellation for job %s: %w", job.ID, err)
		}
		if cancelled {
			return o.cancel(sctx, job, logger)
		}

		// History covers executed stages only; inapplicable stages leave
		// no trace.
		if !stage.Applies(pc) {
			continue
		}

		if err := o.store.SetCurrentStage(sctx, job.ID, stage.Name()); err != nil {
			return fmt.Errorf("failed to record stage for job %s: %w", job.ID, err)
		}

		started := time.Now().UTC()
		result := stage.Execute(ctx, pc)

		// A failure while the run context is cancelled is the shutdown's
		// fault, not the stage's: hand the claim back without touching
		// history or the retry budget.
		if ctx.Err() != nil && result.Outcome != Success {
			return o.release(sctx, job, pc, logger)
		}

		entry := store.HistoryEntry{
			Stage:     stage.Name(),
			StartedAt: started,
			EndedAt:   time.Now().UTC(),
			Outcome:   result.Outcome.String(),
			Error:     result.Reason,
		}
		if err := o.store.AppendHistory(sctx, job.ID, entry); err != nil {
			return fmt.Errorf("failed to record history for job %s: %w", job.ID, err)
		}

		switch result.Outcome {
		case Success:
			continue

		case SoftFailure:
			if !result.Retryable {
				return o.fail(sctx, job, result.Reason, logger)
			}
			attempts, err := o.store.IncrementRetry(sctx, job.ID, stage.Name())
			if err != nil {
				return fmt.Errorf("failed to count retry for job %s: %w", job.ID, err)
			}
			if attempts >= o.retry.MaxAttempts {
				logger.Warn("retry budget exhausted",
					slog.String("stage", stage.Name()),
					slog.Int("attempts", attempts))
				return o.fail(sctx, job, result.Reason, logger)
			}
			delay := o.retry.Delay(attempts)
			requeued, err := o.store.Requeue(sctx, job.ID, time.Now().UTC().Add(delay))
			if err != nil {
				return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
			}
			if requeued {
				o.keepContext(job.ID, pc)
				logger.Info("stage soft-failed, re-enqueued",
					slog.String("stage", stage.Name()),
					slog.Int("attempt", attempts),
					slog.Duration("delay", delay),
					slog.String("reason", result.Reason))
			}
			return nil

		case FatalFailure:
			return o.fail(sctx, job, result.Reason, logger)
		}
	}

	if _, err := o.store.Transition(sctx, job.ID, store.StatusRunning, store.StatusSucceeded); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	o.dropContext(job.ID)
	for _, w := range pc.Warnings {
		logger.Warn("job completed with warning", slog.String("warning", w))
	}
	logger.Info("job succeeded")
	return nil
}

// resumePoint picks the stage index to continue from. A job re-enqueued by
// a retry keeps its in-memory context and resumes at its persisted current
// stage; anything else (including a restart of the process) starts fresh.
func (o *Orchestrator) resumePoint(job *store.Job, stages []Stage) (*Context, int) {
	o.mu.Lock()
	pc, ok := o.contexts[job.ID]
	delete(o.contexts, job.ID)
	o.mu.Unlock()

	if ok && job.CurrentStage != "" {
		for i, s := range stages {
			if s.Name() == job.CurrentStage {
				return pc, i
			}
		}
	}

	return &Context{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		ArchiveID:  job.ArchiveID,
		Trigger:    string(job.Trigger),
	}, 0
}

func (o *Orchestrator) keepContext(jobID string, pc *Context) {
	o.mu.Lock()
	o.contexts[jobID] = pc
	o.mu.Unlock()
}

func (o *Orchestrator) dropContext(jobID string) {
	o.mu.Lock()
	delete(o.contexts, jobID)
	o.mu.Unlock()
}

// release hands a claimed job back to the queue on process shutdown so it
// can be picked up after restart. Callers pass the uncancellable write
// context.
func (o *Orchestrator) release(ctx context.Context, job *store.Job, pc *Context, logger *slog.Logger) error {
	requeued, err := o.store.Requeue(ctx, job.ID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", job.ID, err)
	}
	if requeued {
		o.keepContext(job.ID, pc)
		logger.Info("job released back to queue")
	}
	return nil
}

func (o *Orchestrator) cancel(ctx context.Context, job *store.Job, logger *slog.Logger) error {
	if _, err := o.store.Transition(ctx, job.ID, store.StatusRunning, store.StatusCancelled); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", job.ID, err)
	}
	o.dropContext(job.ID)
	logger.Info("job cancelled")
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, job *store.Job, reason string, logger *slog.Logger) error {
	if err := o.store.SetError(ctx, job.ID, reason); err != nil {
		return fmt.Errorf("failed to record error for job %s: %w", job.ID, err)
	}
	if _, err := o.store.Transition(ctx, job.ID, store.StatusRunning, store.StatusFailed); err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", job.ID, err)
	}
	o.dropContext(job.ID)
	logger.Error("job failed", slog.String("reason", reason))

	// Best-effort tag writeback so the failure is visible in the archive.
	if job.ArchiveID != 0 && o.tags != nil {
		if o.tagNames.Processing != "" {
			if err := o.tags.RemoveTag(ctx, job.ArchiveID, o.tagNames.Processing); err != nil {
				logger.Warn("failed to remove processing tag", slog.String("error", err.Error()))
			}
		}
		if o.tagNames.Error != "" {
			if err := o.tags.AddTag(ctx, job.ArchiveID, o.tagNames.Error); err != nil {
				logger.Warn("failed to add error tag", slog.String("error", err.Error()))
			}
		}
	}
	return nil
}
