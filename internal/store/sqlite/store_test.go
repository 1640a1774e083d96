package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dedox/dedox/internal/store"
)

var memdbSeq atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:storetest%d?mode=memory&cache=shared", memdbSeq.Add(1))
	s, err := New(dsn)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &store.Job{
		DocumentID: "doc-1",
		ArchiveID:  42,
		Source:     "webhook",
		Trigger:    store.TriggerFull,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if job.ID == "" {
		t.Fatal("CreateJob() did not assign an ID")
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != store.StatusPending {
		t.Errorf("status = %v, want pending", got.Status)
	}
	if got.DocumentID != "doc-1" || got.ArchiveID != 42 {
		t.Errorf("document = %s/%d, want doc-1/42", got.DocumentID, got.ArchiveID)
	}
	if got.Trigger != store.TriggerFull {
		t.Errorf("trigger = %v, want full", got.Trigger)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetJob() error = %v, want ErrNotFound", err)
	}
}

func TestCreateJobDocumentBusy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &store.Job{DocumentID: "doc-1", Source: "webhook", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, first); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	second := &store.Job{DocumentID: "doc-1", Source: "webhook", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, second); !errors.Is(err, store.ErrDocumentBusy) {
		t.Errorf("CreateJob() error = %v, want ErrDocumentBusy", err)
	}

	// A terminal job releases the document.
	if ok, err := s.Transition(ctx, first.ID, store.StatusPending, store.StatusCancelled); err != nil || !ok {
		t.Fatalf("Transition() = %v, %v", ok, err)
	}
	if err := s.CreateJob(ctx, second); err != nil {
		t.Errorf("CreateJob() after terminal error = %v", err)
	}
}

func TestTransitionCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &store.Job{DocumentID: "doc-1", Source: "upload", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	ok, err := s.Transition(ctx, job.ID, store.StatusPending, store.StatusRunning)
	if err != nil || !ok {
		t.Fatalf("Transition(pending->running) = %v, %v", ok, err)
	}

	// Second claim with the same precondition must lose.
	ok, err = s.Transition(ctx, job.ID, store.StatusPending, store.StatusRunning)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Transition() succeeded twice from the same status")
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.StatusRunning {
		t.Errorf("status = %v, want running", got.Status)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &store.Job{DocumentID: "doc-1", Source: "upload", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	const claimers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Transition(ctx, job.ID, store.StatusPending, store.StatusRunning)
			if err != nil {
				t.Errorf("Transition() error = %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("claim winners = %d, want exactly 1", wins.Load())
	}
}

func TestRequeueAndNextPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &store.Job{DocumentID: "doc-1", Source: "upload", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Transition(ctx, job.ID, store.StatusPending, store.StatusRunning); !ok {
		t.Fatal("claim failed")
	}

	future := time.Now().Add(1 * time.Hour)
	ok, err := s.Requeue(ctx, job.ID, future)
	if err != nil || !ok {
		t.Fatalf("Requeue() = %v, %v", ok, err)
	}

	// Delay has not elapsed.
	got, err := s.NextPending(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("NextPending() = %v before delay elapsed, want nil", got.ID)
	}

	// Delay elapsed.
	got, err = s.NextPending(ctx, future.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != job.ID {
		t.Errorf("NextPending() after delay = %v, want %s", got, job.ID)
	}
}

func TestNextPendingOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job := &store.Job{DocumentID: fmt.Sprintf("doc-%d", i), Source: "upload", Trigger: store.TriggerFull}
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	got, err := s.NextPending(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.DocumentID != "doc-0" {
		t.Errorf("NextPending() = %v, want oldest (doc-0)", got)
	}
}

func TestHistoryOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &store.Job{DocumentID: "doc-1", Source: "upload", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	for i, stage := range []string{"clean", "ocr", "extract"} {
		entry := store.HistoryEntry{
			Stage:     stage,
			StartedAt: base.Add(time.Duration(i) * time.Second),
			EndedAt:   base.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
			Outcome:   store.OutcomeSucceeded,
		}
		if err := s.AppendHistory(ctx, job.ID, entry); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.History(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("history length = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].StartedAt.Before(entries[i-1].StartedAt) {
			t.Errorf("history out of order at %d: %v before %v", i, entries[i].StartedAt, entries[i-1].StartedAt)
		}
	}
	if entries[1].Stage != "ocr" {
		t.Errorf("entries[1].Stage = %s, want ocr", entries[1].Stage)
	}
}

func TestRetryCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &store.Job{DocumentID: "doc-1", Source: "upload", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementRetry(ctx, job.ID, "ocr")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("IncrementRetry() = %d, want %d", got, want)
		}
	}

	counts, err := s.Retries(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts["ocr"] != 3 {
		t.Errorf("retries[ocr] = %d, want 3", counts["ocr"])
	}
}

func TestCancelFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &store.Job{DocumentID: "doc-1", Source: "upload", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	if err := s.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}
	flag, err := s.CancelRequested(ctx, job.ID)
	if err != nil || !flag {
		t.Fatalf("CancelRequested() = %v, %v, want true", flag, err)
	}

	// Terminal jobs cannot be flagged.
	if ok, _ := s.Transition(ctx, job.ID, store.StatusPending, store.StatusCancelled); !ok {
		t.Fatal("transition to cancelled failed")
	}
	if err := s.RequestCancel(ctx, job.ID); !errors.Is(err, store.ErrBadTransition) {
		t.Errorf("RequestCancel() on terminal job error = %v, want ErrBadTransition", err)
	}
}

func TestReopenPreservesHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &store.Job{DocumentID: "doc-1", Source: "upload", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if err := s.AppendHistory(ctx, job.ID, store.HistoryEntry{Stage: "ocr", StartedAt: now, EndedAt: now, Outcome: store.OutcomeFatal, Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Transition(ctx, job.ID, store.StatusPending, store.StatusRunning); !ok {
		t.Fatal("claim failed")
	}
	if ok, _ := s.Transition(ctx, job.ID, store.StatusRunning, store.StatusFailed); !ok {
		t.Fatal("fail transition failed")
	}

	if err := s.Reopen(ctx, job.ID); err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.StatusPending {
		t.Errorf("status after reopen = %v, want pending", got.Status)
	}
	if got.Error != "" || got.CurrentStage != "" {
		t.Errorf("reopen did not clear error/stage: %q %q", got.Error, got.CurrentStage)
	}

	entries, _ := s.History(ctx, job.ID)
	if len(entries) != 1 {
		t.Errorf("history length after reopen = %d, want 1 (preserved)", len(entries))
	}

	// Reopen on a non-terminal job is rejected.
	if err := s.Reopen(ctx, job.ID); !errors.Is(err, store.ErrBadTransition) {
		t.Errorf("Reopen() on pending job error = %v, want ErrBadTransition", err)
	}
}

func TestRecoverRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orphaned := &store.Job{DocumentID: "doc-1", Source: "webhook", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, orphaned); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Transition(ctx, orphaned.ID, store.StatusPending, store.StatusRunning); !ok {
		t.Fatal("claim failed")
	}
	done := &store.Job{DocumentID: "doc-2", Source: "webhook", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, done); err != nil {
		t.Fatal(err)
	}
	s.Transition(ctx, done.ID, store.StatusPending, store.StatusRunning)
	s.Transition(ctx, done.ID, store.StatusRunning, store.StatusSucceeded)

	n, err := s.RecoverRunning(ctx)
	if err != nil {
		t.Fatalf("RecoverRunning() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RecoverRunning() = %d, want 1", n)
	}

	got, _ := s.GetJob(ctx, orphaned.ID)
	if got.Status != store.StatusPending {
		t.Errorf("orphaned job status = %v, want pending", got.Status)
	}
	next, err := s.NextPending(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != orphaned.ID {
		t.Errorf("NextPending() = %v, want recovered job", next)
	}
	if got, _ := s.GetJob(ctx, done.ID); got.Status != store.StatusSucceeded {
		t.Errorf("terminal job status = %v, want untouched", got.Status)
	}
}

func TestReopenResetsRetryBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &store.Job{DocumentID: "doc-1", Source: "upload", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.IncrementRetry(ctx, job.ID, "ocr"); err != nil {
			t.Fatal(err)
		}
	}
	s.Transition(ctx, job.ID, store.StatusPending, store.StatusRunning)
	s.Transition(ctx, job.ID, store.StatusRunning, store.StatusFailed)

	if err := s.Reopen(ctx, job.ID); err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}

	counts, err := s.Retries(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Errorf("retry counters after reopen = %v, want none", counts)
	}
	if got, _ := s.IncrementRetry(ctx, job.ID, "ocr"); got != 1 {
		t.Errorf("IncrementRetry() in new cycle = %d, want 1", got)
	}
}

func TestLatestJobForDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestJobForDocument(ctx, "doc-1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LatestJobForDocument() on unseen doc error = %v, want ErrNotFound", err)
	}

	first := &store.Job{DocumentID: "doc-1", Source: "webhook", Trigger: store.TriggerFull}
	if err := s.CreateJob(ctx, first); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Transition(ctx, first.ID, store.StatusPending, store.StatusCancelled); !ok {
		t.Fatal("transition to cancelled failed")
	}
	time.Sleep(2 * time.Millisecond)

	second := &store.Job{DocumentID: "doc-1", Source: "webhook", Trigger: store.TriggerSync}
	if err := s.CreateJob(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.LatestJobForDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("LatestJobForDocument() error = %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("LatestJobForDocument() = %s, want newest job %s", got.ID, second.ID)
	}
}

func TestAdmitEventDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AdmitEvent(ctx, "fp-1", "42", "document-added")
	if err != nil || !ok {
		t.Fatalf("AdmitEvent() = %v, %v, want true", ok, err)
	}

	ok, err = s.AdmitEvent(ctx, "fp-1", "42", "document-added")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("AdmitEvent() admitted the same fingerprint twice")
	}

	ok, err = s.AdmitEvent(ctx, "fp-2", "42", "document-updated")
	if err != nil || !ok {
		t.Fatalf("AdmitEvent() with new fingerprint = %v, %v, want true", ok, err)
	}
}

func TestListByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		job := &store.Job{DocumentID: fmt.Sprintf("doc-%d", i), Source: "upload", Trigger: store.TriggerFull}
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.ListByStatus(ctx, store.StatusPending, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Errorf("ListByStatus(limit=2) = %d jobs, want 2", len(jobs))
	}

	jobs, err = s.ListByStatus(ctx, store.StatusRunning, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("ListByStatus(running) = %d jobs, want 0", len(jobs))
	}
}
