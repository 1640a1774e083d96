// Package sqlite implements the job store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dedox/dedox/internal/store"
)

// Store is the SQLite implementation of store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			archive_id INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			trigger_class TEXT NOT NULL,
			status TEXT NOT NULL,
			current_stage TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			run_after TIMESTAMP,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS job_retries (
			job_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (job_id, stage),
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			fingerprint TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			received_at TIMESTAMP NOT NULL
		)`,
		// One active job per document. This is the document-level in-flight
		// marker checked at job creation.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_document
			ON jobs(document_id) WHERE status IN ('pending', 'running')`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_history_job ON job_history(job_id, id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) CreateJob(ctx context.Context, job *store.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = store.StatusPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	var runAfter interface{}
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter
	}

	query := `INSERT INTO jobs
		(id, document_id, archive_id, source, trigger_class, status, current_stage, cancel_requested, run_after, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.DocumentID, job.ArchiveID, job.Source, string(job.Trigger),
		string(job.Status), job.CurrentStage, boolToInt(job.CancelRequested),
		runAfter, job.Error, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDocumentBusy
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

const jobColumns = `id, document_id, archive_id, source, trigger_class, status, current_stage, cancel_requested, run_after, error, created_at, updated_at`

func (s *Store) GetJob(ctx context.Context, id string) (*store.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return job, err
}

func (s *Store) LatestJobForDocument(ctx context.Context, documentID string) (*store.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE document_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		documentID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return job, err
}

func (s *Store) Transition(ctx context.Context, id string, from, to store.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Requeue(ctx context.Context, id string, runAfter time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, run_after = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(store.StatusPending), runAfter, time.Now().UTC(), id, string(store.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) SetCurrentStage(ctx context.Context, id, stage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET current_stage = ?, updated_at = ? WHERE id = ?`,
		stage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set current stage: %w", err)
	}
	return nil
}

func (s *Store) SetError(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET error = ?, updated_at = ? WHERE id = ?`,
		reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set job error: %w", err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, id string, entry store.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_history (job_id, stage, started_at, ended_at, outcome, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, entry.Stage, entry.StartedAt, entry.EndedAt, entry.Outcome, entry.Error)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, id string) ([]store.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, started_at, ended_at, outcome, error FROM job_history
		 WHERE job_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var entries []store.HistoryEntry
	for rows.Next() {
		var e store.HistoryEntry
		if err := rows.Scan(&e.Stage, &e.StartedAt, &e.EndedAt, &e.Outcome, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) IncrementRetry(ctx context.Context, id, stage string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO job_retries (job_id, stage, attempts) VALUES (?, ?, 1)
		 ON CONFLICT(job_id, stage) DO UPDATE SET attempts = attempts + 1
		 RETURNING attempts`,
		id, stage).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry counter: %w", err)
	}
	return attempts, nil
}

func (s *Store) Retries(ctx context.Context, id string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, attempts FROM job_retries WHERE job_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load retry counters: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var stage string
		var attempts int
		if err := rows.Scan(&stage, &attempts); err != nil {
			return nil, fmt.Errorf("failed to scan retry counter: %w", err)
		}
		counts[stage] = attempts
	}
	return counts, rows.Err()
}

func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		time.Now().UTC(), id, string(store.StatusPending), string(store.StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return store.ErrBadTransition
	}
	return nil
}

func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return flag != 0, nil
}

func (s *Store) ListByStatus(ctx context.Context, status store.Status, limit, offset int) ([]*store.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ? OFFSET ?`,
		string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) NextPending(ctx context.Context, now time.Time) (*store.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ? AND (run_after IS NULL OR run_after <= ?)
		 ORDER BY created_at ASC LIMIT 1`,
		string(store.StatusPending), now.UTC())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *Store) RecoverRunning(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, run_after = NULL, updated_at = ? WHERE status = ?`,
		string(store.StatusPending), time.Now().UTC(), string(store.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to recover running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) Reopen(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to reopen job %s: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, current_stage = '', cancel_requested = 0, error = '', run_after = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		string(store.StatusPending), time.Now().UTC(), id,
		string(store.StatusFailed), string(store.StatusSucceeded), string(store.StatusCancelled))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDocumentBusy
		}
		return fmt.Errorf("failed to reopen job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		tx.Rollback()
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return store.ErrBadTransition
	}

	// A new cycle gets a fresh per-stage retry budget.
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_retries WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear retry counters for job %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store) AdmitEvent(ctx context.Context, fingerprint, documentID, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_events (fingerprint, document_id, event_type, received_at)
		 VALUES (?, ?, ?, ?)`,
		fingerprint, documentID, eventType, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to admit event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*store.Job, error) {
	var job store.Job
	var trigger, status string
	var cancelRequested int
	var runAfter sql.NullTime

	err := row.Scan(&job.ID, &job.DocumentID, &job.ArchiveID, &job.Source, &trigger,
		&status, &job.CurrentStage, &cancelRequested, &runAfter, &job.Error,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	job.Trigger = store.Trigger(trigger)
	job.Status = store.Status(status)
	job.CancelRequested = cancelRequested != 0
	if runAfter.Valid {
		job.RunAfter = runAfter.Time
	}
	return &job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
