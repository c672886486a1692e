// Package server is the HTTP surface of the gateway: the OpenAI-shaped
// chat-completions endpoints, the knowledge-base API, the analytics reads
// and the static file tree, all behind a single process bearer key.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/lamb-project/lamb/pkg/analytics"
	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/database"
	"github.com/lamb-project/lamb/pkg/kb"
	"github.com/lamb-project/lamb/pkg/logger"
)

// Server hosts the HTTP API.
type Server struct {
	settings  *config.Settings
	store     *database.Store
	executor  *assistant.Executor
	kb        *kb.Service
	analytics *analytics.Service
	sharing   *assistant.SharingService
	logger    *slog.Logger

	httpServer *http.Server
}

func New(settings *config.Settings, store *database.Store, executor *assistant.Executor, kbService *kb.Service, analyticsService *analytics.Service, sharing *assistant.SharingService) *Server {
	return &Server{
		settings:  settings,
		store:     store,
		executor:  executor,
		kb:        kbService,
		analytics: analyticsService,
		sharing:   sharing,
		logger:    logger.GetLogger("server"),
	}
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.settings.HTTPAddress,
		Handler: s.router(),
	}

	s.logger.Info("http server starting", "address", s.settings.HTTPAddress)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests, then waits for ingestion workers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	s.kb.Wait()
	return nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Email"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Unauthenticated: health probe and the public static tree (uploaded
	// originals, derivatives, generated images).
	r.Get("/status", s.handleStatus)
	r.Handle("/static/*", http.StripPrefix("/static/",
		http.FileServer(http.Dir(s.settings.StaticRoot))))

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/v1/models", s.handleModels)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/chat/completions", s.handleChatCompletions)

		r.Route("/collections", func(r chi.Router) {
			r.Post("/", s.handleCreateCollection)
			r.Get("/", s.handleListCollections)
			r.Route("/{collectionID}", func(r chi.Router) {
				r.Get("/", s.handleGetCollection)
				r.Put("/", s.handleUpdateCollection)
				r.Delete("/", s.handleDeleteCollection)
				r.Post("/ingest-file", s.handleIngestFile)
				r.Post("/ingest-url", s.handleIngestURL)
				r.Post("/ingest-base", s.handleIngestBase)
				r.Post("/query", s.handleQueryCollection)
				r.Get("/files", s.handleListFiles)
				r.Delete("/files/{fileID}", s.handleDeleteFile)
			})
		})
		r.Put("/files/{fileID}/status", s.handleUpdateFileStatus)
		r.Get("/ingestion-plugins", s.handleIngestionPlugins)
		r.Get("/query-plugins", s.handleQueryPlugins)

		r.Put("/v1/assistants/{assistantID}/shares", s.handleUpdateShares)
		r.Get("/v1/status/providers/{provider}", s.handleProviderStatus)

		r.Get("/v1/analytics/assistants/{assistantID}/chats", s.handleAnalyticsChats)
		r.Get("/v1/analytics/assistants/{assistantID}/timeline", s.handleAnalyticsTimeline)
	})

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"status": true})
}

// caller builds the executor identity from the request. The bearer key
// authenticated the caller already; the optional email header narrows the
// identity to one creator user for ownership checks.
func callerFor(r *http.Request) assistant.Caller {
	return assistant.Caller{Email: r.Header.Get("X-User-Email")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the uniform error body.
type apiError struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses: missing entities to
// 404, authorization failures to 403, everything else to 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, assistant.ErrNotFound):
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
	case errors.Is(err, assistant.ErrForbidden):
		writeJSON(w, http.StatusForbidden, apiError{Error: err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
	}
}

func writeBadRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, apiError{Error: fmt.Sprintf(format, args...)})
}
