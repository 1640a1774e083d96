// Package server exposes the webhook intake and the job control API over
// HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dedox/dedox/internal/queue"
	"github.com/dedox/dedox/internal/store"
	"github.com/dedox/dedox/internal/webhook"
)

type Server struct {
	Router *chi.Mux
	Port   int

	intake     *webhook.Intake
	store      store.Store
	controller *queue.Controller
	logger     *slog.Logger
	wake       func()
	httpServer *http.Server
}

// New builds the router with the ambient middleware chain and mounts the
// webhook and job API routes. wake, when non-nil, is called after a webhook
// creates a job so the worker pool polls without waiting out its interval.
func New(port int, intake *webhook.Intake, st store.Store, controller *queue.Controller, logger *slog.Logger, wake func()) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "dedox")
	})

	s := &Server{
		Router:     r,
		Port:       port,
		intake:     intake,
		store:      st,
		controller: controller,
		logger:     logger,
		wake:       wake,
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/webhooks/archive", func(r chi.Router) {
		r.Post("/document-added", s.handleWebhook(webhook.EventDocumentAdded))
		r.Post("/document-updated", s.handleWebhook(webhook.EventDocumentUpdated))
		r.Post("/document-sync", s.handleWebhook(webhook.EventDocumentSync))
	})

	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
		r.Post("/{id}/retry", s.handleRetryJob)
	})

	return s
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
