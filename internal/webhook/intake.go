// Package webhook turns archive webhook deliveries into pipeline jobs. The
// intake verifies signatures, deduplicates deliveries durably, and applies
// the per-event trigger filters before anything is enqueued.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/dedox/dedox/internal/store"
)

// Event types delivered by the archive.
const (
	EventDocumentAdded   = "document-added"
	EventDocumentUpdated = "document-updated"
	EventDocumentSync    = "document-sync"
)

var (
	// ErrInvalidSignature is returned when the HMAC signature does not
	// match the request body. Nothing is persisted for such deliveries.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrBadPayload is returned when the delivery carries no document
	// reference.
	ErrBadPayload = errors.New("webhook payload has no document reference")
	// ErrUnknownEvent is returned for event types the intake does not
	// handle.
	ErrUnknownEvent = errors.New("unknown webhook event type")
)

var docURLPattern = regexp.MustCompile(`/documents/(\d+)/`)

// Payload is the document reference carried by an archive webhook.
type Payload struct {
	DocURL     string      `json:"doc_url"`
	DocPK      json.Number `json:"doc_pk"`
	DocumentID json.Number `json:"document_id"`
	Title      string      `json:"title"`
	Filename   string      `json:"filename"`
	Revision   json.Number `json:"revision"`
	Tags       []string    `json:"tags"`
}

// DocumentRef extracts the archive document identifier, preferring the
// document URL over the bare ID fields.
func (p *Payload) DocumentRef() string {
	if m := docURLPattern.FindStringSubmatch(p.DocURL); m != nil {
		return m[1]
	}
	if p.DocPK.String() != "" {
		return p.DocPK.String()
	}
	return p.DocumentID.String()
}

// HasTag reports whether the payload's tag list contains name
// (case-insensitive).
func (p *Payload) HasTag(name string) bool {
	for _, t := range p.Tags {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// Intake validates and admits webhook deliveries.
type Intake struct {
	secret       []byte
	store        store.Store
	reprocessTag string
	logger       *slog.Logger
}

// NewIntake creates the webhook intake. The reprocess tag gates which
// document-updated events trigger a new processing cycle.
func NewIntake(secret string, st store.Store, reprocessTag string, logger *slog.Logger) *Intake {
	return &Intake{
		secret:       []byte(secret),
		store:        st,
		reprocessTag: reprocessTag,
		logger:       logger,
	}
}

// Configured reports whether a signing secret is set.
func (i *Intake) Configured() bool {
	return len(i.secret) > 0
}

// VerifySignature checks the sha256=<hex> HMAC header against the raw body.
func (i *Intake) VerifySignature(body []byte, header string) error {
	if !i.Configured() {
		return ErrInvalidSignature
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Fingerprint identifies one logical delivery for deduplication.
func Fingerprint(documentID, eventType, revision string) string {
	sum := sha256.Sum256([]byte(documentID + "|" + eventType + "|" + revision))
	return hex.EncodeToString(sum[:])
}

// Receive verifies, deduplicates, and admits one webhook delivery. It
// returns the created (or reopened) job, or nil when the delivery was
// accepted but intentionally produced no work.
func (i *Intake) Receive(ctx context.Context, eventType string, body []byte, signature string) (*store.Job, error) {
	if err := i.VerifySignature(body, signature); err != nil {
		return nil, err
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	docID := payload.DocumentRef()
	if docID == "" {
		return nil, ErrBadPayload
	}

	logger := i.logger.With(
		slog.String("event", eventType),
		slog.String("document_id", docID))

	fingerprint := Fingerprint(docID, eventType, payload.Revision.String())
	admitted, err := i.store.AdmitEvent(ctx, fingerprint, docID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to admit webhook event: %w", err)
	}
	if !admitted {
		logger.Debug("duplicate webhook delivery ignored")
		return nil, nil
	}

	switch eventType {
	case EventDocumentAdded:
		return i.enqueue(ctx, docID, &payload, store.TriggerFull, logger)

	case EventDocumentUpdated:
		if !payload.HasTag(i.reprocessTag) {
			logger.Debug("update without reprocess tag ignored")
			return nil, nil
		}
		return i.reprocess(ctx, docID, &payload, logger)

	case EventDocumentSync:
		return i.enqueue(ctx, docID, &payload, store.TriggerSync, logger)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
}

func (i *Intake) enqueue(ctx context.Context, docID string, payload *Payload, trigger store.Trigger, logger *slog.Logger) (*store.Job, error) {
	job := &store.Job{
		DocumentID: docID,
		ArchiveID:  archiveID(docID),
		Source:     "webhook",
		Trigger:    trigger,
		Status:     store.StatusPending,
	}
	err := i.store.CreateJob(ctx, job)
	if errors.Is(err, store.ErrDocumentBusy) {
		logger.Info("document already has an active job")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	logger.Info("job enqueued", slog.String("job_id", job.ID), slog.String("trigger", string(trigger)))
	return job, nil
}

// reprocess reopens the document's finished job instead of accumulating a
// second row per processing cycle.
func (i *Intake) reprocess(ctx context.Context, docID string, payload *Payload, logger *slog.Logger) (*store.Job, error) {
	existing, err := i.store.LatestJobForDocument(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		return i.enqueue(ctx, docID, payload, store.TriggerFull, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up document jobs: %w", err)
	}

	if !existing.Status.Terminal() {
		logger.Info("document already has an active job")
		return nil, nil
	}

	if err := i.store.Reopen(ctx, existing.ID); err != nil {
		if errors.Is(err, store.ErrBadTransition) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to reopen job: %w", err)
	}
	logger.Info("job reopened for reprocessing", slog.String("job_id", existing.ID))
	return i.store.GetJob(ctx, existing.ID)
}

func archiveID(docID string) int64 {
	id, err := strconv.ParseInt(docID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
