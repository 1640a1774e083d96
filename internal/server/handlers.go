package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dedox/dedox/internal/store"
	"github.com/dedox/dedox/internal/webhook"
)

// signatureHeader carries the HMAC over the raw request body.
const signatureHeader = "X-Hub-Signature-256"

const maxWebhookBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"webhook_configured": s.intake.Configured(),
	})
}

// handleWebhook fast-acks deliveries: the job is enqueued, never executed
// inline.
func (s *Server) handleWebhook(eventType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		job, err := s.intake.Receive(r.Context(), eventType, body, r.Header.Get(signatureHeader))
		switch {
		case errors.Is(err, webhook.ErrInvalidSignature):
			AddError(r.Context(), err)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		case errors.Is(err, webhook.ErrBadPayload), errors.Is(err, webhook.ErrUnknownEvent):
			AddError(r.Context(), err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			s.logger.Error("webhook intake failed",
				slog.String("event", eventType),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "intake failed")
			return
		}

		resp := map[string]interface{}{"status": "accepted"}
		if job != nil {
			resp["job_id"] = job.ID
			AddLogField(r.Context(), "job_id", job.ID)
			if s.wake != nil {
				s.wake()
			}
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := store.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = store.StatusPending
	}
	switch status {
	case store.StatusPending, store.StatusRunning, store.StatusSucceeded,
		store.StatusFailed, store.StatusCancelled:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	jobs, err := s.store.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load job", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	history, err := s.store.History(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load history", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	retries, err := s.store.Retries(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load retries", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if history == nil {
		history = []store.HistoryEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":     job,
		"history": history,
		"retries": retries,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.controlOp(w, r, s.controller.Cancel, "cancel_requested")
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	s.controlOp(w, r, s.controller.Retry, "retry_enqueued")
}

func (s *Server) controlOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error, result string) {
	id := chi.URLParam(r, "id")
	err := op(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrBadTransition):
		writeError(w, http.StatusConflict, "job status does not permit this operation")
	case err != nil:
		s.logger.Error("control operation failed",
			slog.String("job_id", id),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "operation failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": result})
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
