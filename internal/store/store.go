// Package store defines the durable job state contract for the processing
// pipeline. All job status mutations flow through the compare-and-swap
// Transition call, which is what guarantees exclusive execution of a job by
// a single worker.
package store

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Trigger selects which stage set applies to a job.
type Trigger string

const (
	// TriggerFull runs the complete enrichment pipeline.
	TriggerFull Trigger = "full"
	// TriggerSync runs only the semantic-sync stage.
	TriggerSync Trigger = "sync"
)

// Outcome values recorded in stage history entries.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeSoftFailure = "soft_failure"
	OutcomeFatal       = "fatal_failure"
)

// Job is one document's end-to-end processing attempt.
type Job struct {
	ID              string    `json:"id"`
	DocumentID      string    `json:"document_id"`
	ArchiveID       int64     `json:"archive_id,omitempty"`
	Source          string    `json:"source"`
	Trigger         Trigger   `json:"trigger"`
	Status          Status    `json:"status"`
	CurrentStage    string    `json:"current_stage,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	RunAfter        time.Time `json:"run_after,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HistoryEntry is one append-only record of a stage execution.
type HistoryEntry struct {
	Stage     string    `json:"stage"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
}

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrDocumentBusy is returned when a document already has an active job.
	ErrDocumentBusy = errors.New("document already has an active job")
	// ErrBadTransition is returned for control operations invoked on a job
	// whose status does not permit them.
	ErrBadTransition = errors.New("job status does not permit this operation")
)

// Store is the durable record of jobs and their stage history. All writes
// are committed before the call returns.
type Store interface {
	// CreateJob persists a new job. It fails with ErrDocumentBusy when the
	// document already has a pending or running job.
	CreateJob(ctx context.Context, job *Job) error

	GetJob(ctx context.Context, id string) (*Job, error)

	// LatestJobForDocument returns the most recently created job for a
	// document, or ErrNotFound when the document was never seen.
	LatestJobForDocument(ctx context.Context, documentID string) (*Job, error)

	// Transition atomically moves the job from one status to another. It
	// returns false without mutating anything when the current status does
	// not match from.
	Transition(ctx context.Context, id string, from, to Status) (bool, error)

	// Requeue moves a running job back to pending with a scheduled delay,
	// as part of a retry re-enqueue. Returns false if the job is not running.
	Requeue(ctx context.Context, id string, runAfter time.Time) (bool, error)

	SetCurrentStage(ctx context.Context, id, stage string) error
	SetError(ctx context.Context, id, reason string) error

	AppendHistory(ctx context.Context, id string, entry HistoryEntry) error
	History(ctx context.Context, id string) ([]HistoryEntry, error)

	// IncrementRetry bumps the attempt counter for a stage and returns the
	// new count.
	IncrementRetry(ctx context.Context, id, stage string) (int, error)
	Retries(ctx context.Context, id string) (map[string]int, error)

	// RequestCancel flags a pending or running job for cooperative
	// cancellation. The flag is checked at stage boundaries.
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)

	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Job, error)

	// NextPending returns the oldest pending job whose retry delay has
	// elapsed, or nil when there is no eligible work.
	NextPending(ctx context.Context, now time.Time) (*Job, error)

	// RecoverRunning moves jobs left in running by a previous process back
	// to pending. Called once at startup, before workers begin claiming.
	// Returns the number of recovered jobs.
	RecoverRunning(ctx context.Context) (int, error)

	// Reopen re-opens a terminal job as a new pending cycle with a fresh
	// retry budget. History is preserved.
	Reopen(ctx context.Context, id string) error

	// AdmitEvent durably records a webhook event fingerprint. It returns
	// false when the fingerprint was already admitted.
	AdmitEvent(ctx context.Context, fingerprint, documentID, eventType string) (bool, error)

	Close() error
}
