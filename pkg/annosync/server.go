package annosync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/hybrid"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// Server exposes the synchronization service over HTTP.
//
// Routes:
//
//	GET  /api/documents/{id}                            document with projection
//	GET  /api/documents/{id}/schema                     schema with projection
//	GET  /api/documents/{id}/annotation                 annotation with projection
//	GET  /api/documents/{id}/history                    merged history, newest first
//	PUT  /api/documents/{id}/annotation/fields/{name}   set one final-annotation value
//	POST /api/documents/{id}/annotation/validate        validate the annotation
//	GET  /api/stats                                     statistics of both stores
//	GET  /healthz                                       store health, always 200
//	GET  /metrics                                       Prometheus metrics
//
// Write responses report "synced": false when the document store was not
// updated; the primary write has succeeded either way.
type Server struct {
	service   *hybrid.Service
	secondary store.ProjectionStore
	log       zerolog.Logger
	router    *mux.Router
}

// NewServer builds the routes of app.
func NewServer(app *App) *Server {
	s := &Server{
		service:   app.service,
		secondary: app.secondary,
		log:       app.log.With().Str("component", "http").Logger(),
		router:    mux.NewRouter(),
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/documents/{id}", s.handleGetDocument).Methods("GET")
	api.HandleFunc("/documents/{id}/schema", s.handleGetSchema).Methods("GET")
	api.HandleFunc("/documents/{id}/annotation", s.handleGetAnnotation).Methods("GET")
	api.HandleFunc("/documents/{id}/history", s.handleGetHistory).Methods("GET")
	api.HandleFunc("/documents/{id}/annotation/fields/{name}", s.handleUpdateField).Methods("PUT")
	api.HandleFunc("/documents/{id}/annotation/validate", s.handleValidate).Methods("POST")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.Use(s.logRequests)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is done, then allows in-flight requests
// five seconds to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("serving")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func documentID(w http.ResponseWriter, r *http.Request) (models.DocumentID, bool) {
	id, err := models.ParseDocumentID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid document ID")
		return id, false
	}
	return id, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if store.IsNotFound(err) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.log.Error().Err(err).Msg("request failed")
	respondError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	view, err := s.service.GetDocumentWithProjection(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	view, err := s.service.GetSchemaWithProjection(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetAnnotation(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	view, err := s.service.GetAnnotationWithProjection(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	entries, err := s.service.GetAnnotationHistory(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

type updateFieldRequest struct {
	Value  any    `json:"value"`
	UserID string `json:"user_id"`
}

type writeResponse struct {
	DocumentID string `json:"document_id"`
	Synced     bool   `json:"synced"`
}

func parseUser(w http.ResponseWriter, raw string) (models.UserID, bool) {
	if raw == "" {
		return models.UserID{}, true
	}
	user, err := models.ParseUserID(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user ID")
		return user, false
	}
	return user, true
}

func (s *Server) handleUpdateField(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	var req updateFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, ok := parseUser(w, req.UserID)
	if !ok {
		return
	}
	synced, err := s.service.UpdateAnnotationField(r.Context(), id, mux.Vars(r)["name"], req.Value, user)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, writeResponse{DocumentID: id.String(), Synced: synced})
}

type validateRequest struct {
	UserID string `json:"user_id"`
	Notes  string `json:"notes"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	var req validateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	user, ok := parseUser(w, req.UserID)
	if !ok {
		return
	}
	synced, err := s.service.ValidateAnnotation(r.Context(), id, user, req.Notes)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, writeResponse{DocumentID: id.String(), Synced: synced})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Statistics(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type healthResponse struct {
	Status           string `json:"status"`
	SecondaryBackend string `json:"secondary_backend"`
	SecondaryStatus  string `json:"secondary_status"`
}

// handleHealth answers 200 even when the document store is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:           "ok",
		SecondaryBackend: s.secondary.Backend(),
		SecondaryStatus:  hybrid.SecondaryActive,
	}
	if !s.secondary.EnsureConnection(r.Context()) {
		resp.SecondaryStatus = hybrid.SecondaryUnavailable
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
