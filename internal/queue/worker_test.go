package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dedox/dedox/internal/store"
	"github.com/dedox/dedox/internal/store/sqlite"
)

var memdbSeq atomic.Int64

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:queuetest%d?mode=memory&cache=shared", memdbSeq.Add(1))
	st, err := sqlite.New(dsn)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// claimingRunner mimics the orchestrator's claim-then-run behavior.
type claimingRunner struct {
	store store.Store

	mu   sync.Mutex
	runs []string
	done chan string
}

func newClaimingRunner(st store.Store) *claimingRunner {
	return &claimingRunner{store: st, done: make(chan string, 16)}
}

func (r *claimingRunner) Run(ctx context.Context, job *store.Job) error {
	claimed, err := r.store.Transition(ctx, job.ID, store.StatusPending, store.StatusRunning)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	if _, err := r.store.Transition(ctx, job.ID, store.StatusRunning, store.StatusSucceeded); err != nil {
		return err
	}
	r.mu.Lock()
	r.runs = append(r.runs, job.ID)
	r.mu.Unlock()
	r.done <- job.ID
	return nil
}

func createJob(t *testing.T, st store.Store, docID string) *store.Job {
	t.Helper()
	job := &store.Job{
		DocumentID: docID,
		Source:     "test",
		Trigger:    store.TriggerFull,
		Status:     store.StatusPending,
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}

func TestPoolRunsPendingJobs(t *testing.T) {
	st := newTestStore(t)
	runner := newClaimingRunner(st)
	pool := NewPool(st, runner, testLogger(), 3, 10*time.Millisecond)

	jobs := make(map[string]bool)
	for i := 0; i < 5; i++ {
		job := createJob(t, st, fmt.Sprintf("doc-%d", i))
		jobs[job.ID] = false
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	deadline := time.After(5 * time.Second)
	for remaining := len(jobs); remaining > 0; remaining-- {
		select {
		case id := <-runner.done:
			if _, ok := jobs[id]; !ok {
				t.Errorf("unexpected job completed: %s", id)
			}
			jobs[id] = true
		case <-deadline:
			t.Fatalf("timed out with %d jobs unfinished", remaining)
		}
	}
	cancel()
	pool.Wait()

	// Every job ran exactly once despite multiple workers.
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.runs) != 5 {
		t.Errorf("expected 5 runs, got %d", len(runner.runs))
	}
}

func TestPoolWakeCutsIdleWait(t *testing.T) {
	st := newTestStore(t)
	runner := newClaimingRunner(st)
	// Poll interval far beyond the test deadline; only Wake can get the
	// job picked up in time.
	pool := NewPool(st, runner, testLogger(), 1, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	// Let the worker find nothing and go idle.
	time.Sleep(50 * time.Millisecond)

	job := createJob(t, st, "doc-wake")
	pool.Wake()

	select {
	case id := <-runner.done:
		if id != job.ID {
			t.Errorf("unexpected job completed: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("woken worker did not pick up the job")
	}
}

func TestPoolStopsOnContextCancel(t *testing.T) {
	st := newTestStore(t)
	runner := newClaimingRunner(st)
	pool := NewPool(st, runner, testLogger(), 2, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	cancel()

	stopped := make(chan struct{})
	go func() {
		pool.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after context cancellation")
	}
}

func TestControllerCancelPendingJob(t *testing.T) {
	st := newTestStore(t)
	ctl := NewController(st)
	job := createJob(t, st, "doc-cancel-pending")

	if err := ctl.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got, _ := st.GetJob(context.Background(), job.ID)
	if got.Status != store.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
}

func TestControllerCancelRunningJobSetsFlag(t *testing.T) {
	st := newTestStore(t)
	ctl := NewController(st)
	job := createJob(t, st, "doc-cancel-running")

	if _, err := st.Transition(context.Background(), job.ID, store.StatusPending, store.StatusRunning); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := ctl.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, _ := st.GetJob(context.Background(), job.ID)
	if got.Status != store.StatusRunning {
		t.Errorf("running job must keep running until the next boundary, got %s", got.Status)
	}
	flagged, err := st.CancelRequested(context.Background(), job.ID)
	if err != nil || !flagged {
		t.Errorf("expected cancel flag set, got flagged=%v err=%v", flagged, err)
	}
}

func TestControllerCancelTerminalJobRejected(t *testing.T) {
	st := newTestStore(t)
	ctl := NewController(st)
	job := createJob(t, st, "doc-cancel-done")

	st.Transition(context.Background(), job.ID, store.StatusPending, store.StatusRunning)
	st.Transition(context.Background(), job.ID, store.StatusRunning, store.StatusSucceeded)

	err := ctl.Cancel(context.Background(), job.ID)
	if !errors.Is(err, store.ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

func TestControllerCancelMissingJob(t *testing.T) {
	st := newTestStore(t)
	ctl := NewController(st)

	err := ctl.Cancel(context.Background(), "no-such-job")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestControllerRetryFailedJob(t *testing.T) {
	st := newTestStore(t)
	ctl := NewController(st)
	job := createJob(t, st, "doc-retry")

	st.Transition(context.Background(), job.ID, store.StatusPending, store.StatusRunning)
	st.SetCurrentStage(context.Background(), job.ID, "ocr")
	for i := 0; i < 3; i++ {
		st.IncrementRetry(context.Background(), job.ID, "ocr")
	}
	st.SetError(context.Background(), job.ID, "OCR failed")
	st.Transition(context.Background(), job.ID, store.StatusRunning, store.StatusFailed)

	if err := ctl.Retry(context.Background(), job.ID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	got, _ := st.GetJob(context.Background(), job.ID)
	if got.Status != store.StatusPending {
		t.Errorf("expected pending after retry, got %s", got.Status)
	}
	if got.Error != "" {
		t.Errorf("expected error cleared, got %q", got.Error)
	}
	retries, _ := st.Retries(context.Background(), job.ID)
	if retries["ocr"] != 0 {
		t.Errorf("expected retry counter reset, got %d", retries["ocr"])
	}
}

func TestControllerRetryNonFailedJobRejected(t *testing.T) {
	st := newTestStore(t)
	ctl := NewController(st)
	job := createJob(t, st, "doc-retry-pending")

	err := ctl.Retry(context.Background(), job.ID)
	if !errors.Is(err, store.ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}
