// Package pipeline runs a document job through an ordered series of stages.
// Each trigger class gets its own explicit stage list assembled at
// construction; there is no registry or discovery mechanism.
package pipeline

import (
	"context"
	"errors"
	"net"
	"time"
)

// Outcome classifies a stage execution result.
type Outcome int

const (
	// Success means the stage completed and the pipeline advances.
	Success Outcome = iota
	// SoftFailure means the stage failed; the Retryable flag decides
	// whether the job is re-enqueued or failed.
	SoftFailure
	// FatalFailure means the job must not be retried.
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "succeeded"
	case SoftFailure:
		return "soft_failure"
	case FatalFailure:
		return "fatal_failure"
	}
	return "unknown"
}

// Result is what a stage execution reports back to the orchestrator.
type Result struct {
	Outcome   Outcome
	Retryable bool
	Reason    string
}

// Ok reports a successful stage execution.
func Ok() Result {
	return Result{Outcome: Success}
}

// SoftFail reports a recoverable failure. Retryable soft failures are
// re-enqueued with backoff up to the retry budget.
func SoftFail(reason string, retryable bool) Result {
	return Result{Outcome: SoftFailure, Retryable: retryable, Reason: reason}
}

// FatalFail reports a failure that retrying cannot fix.
func FatalFail(reason string) Result {
	return Result{Outcome: FatalFailure, Reason: reason}
}

// ResultFromError maps an error to a Result. Deadline expiry, cancellation
// and network errors (timeouts, refused or reset connections) are transient
// and come back retryable; anything else is a non-retryable soft failure.
func ResultFromError(err error) Result {
	if err == nil {
		return Ok()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SoftFail(err.Error(), true)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return SoftFail(err.Error(), true)
	}
	return SoftFail(err.Error(), false)
}

// ExtractedMetadata is the structured output of the extraction stage.
type ExtractedMetadata struct {
	Title        string
	Sender       string
	DocumentType string
	DocumentDate time.Time
	Summary      string
	Confidence   map[string]float64
}

// Context is the job-scoped mutable state shared by stages. The
// orchestrator owns it for the duration of a run and discards it once the
// job reaches a terminal status. It is never accessed concurrently.
type Context struct {
	JobID      string
	DocumentID string
	ArchiveID  int64
	Trigger    string

	Filename    string
	ContentType string

	// Raw is the original document; Processed holds the cleaned-up
	// version when the cleanup stage produced one.
	Raw       []byte
	Processed []byte

	Text          string
	OCRConfidence float64
	Language      string

	Metadata      *ExtractedMetadata
	Correspondent int64

	// ArchiveTaskID is set by the upload stage for documents that entered
	// the system outside the archive.
	ArchiveTaskID string

	Warnings []string
}

// Warn records a non-fatal observation about the run.
func (c *Context) Warn(msg string) {
	c.Warnings = append(c.Warnings, msg)
}

// Content returns the best available document bytes, preferring the
// cleaned-up version.
func (c *Context) Content() []byte {
	if len(c.Processed) > 0 {
		return c.Processed
	}
	return c.Raw
}

// Stage is one step of the pipeline. Applies must be pure; Execute may
// mutate the pipeline context and perform I/O.
type Stage interface {
	Name() string
	Applies(pc *Context) bool
	Execute(ctx context.Context, pc *Context) Result
}
