// Package httpapi exposes the sync engine to local operators and the embedding app.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue is the part of the sync queue the API drives.
type Queue interface {
	Status() models.SyncStatus
	Observe() (<-chan models.SyncStatus, func())
	Get(ctx context.Context, id string) (*models.SyncOperation, error)
	List(ctx context.Context, statuses ...models.OperationStatus) ([]*models.SyncOperation, error)
	Retry(ctx context.Context, id string) error
	RetryAllFailed(ctx context.Context) (int, error)
	Cancel(ctx context.Context, id string) error
	ProcessPending(ctx context.Context) error
	History(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.SyncOperation, error)
	SetBackgroundSyncEnabled(enabled bool)
}

// Entities is a per-type repository.
type Entities interface {
	Get(ctx context.Context, id string) (models.Payload, error)
	List(ctx context.Context, limit int) ([]models.Payload, error)
	Save(ctx context.Context, id string, data models.Payload, previous *models.Payload, resolution models.ConflictResolution) (*models.SyncOperation, error)
	UpdateTip(ctx context.Context, id string, amount float64) (*models.SyncOperation, error)
	Remove(ctx context.Context, id string) (*models.SyncOperation, error)
}

type Server struct {
	queue    Queue
	entities map[models.EntityType]Entities
	logger   *slog.Logger
}

func NewServer(queue Queue, entities map[models.EntityType]Entities, logger *slog.Logger) *Server {
	return &Server{
		queue:    queue,
		entities: entities,
		logger:   logger.With("component", "httpapi"),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/status", func(r chi.Router) {
		r.Get("/", s.getStatus)
		r.Get("/stream", s.streamStatus)
		r.Put("/background", s.setBackground)
	})

	r.Post("/sync", s.drain)

	r.Route("/operations", func(r chi.Router) {
		r.Get("/", s.listOperations)
		r.Post("/retry-failed", s.retryFailed)
		r.Get("/{id}", s.getOperation)
		r.Post("/{id}/retry", s.retryOperation)
		r.Delete("/{id}", s.cancelOperation)
	})

	r.Route("/entities/{type}", func(r chi.Router) {
		r.Get("/", s.listEntities)
		r.Post("/", s.createEntity)
		r.Get("/{id}", s.getEntity)
		r.Put("/{id}", s.saveEntity)
		r.Delete("/{id}", s.removeEntity)
		r.Put("/{id}/tip", s.updateTip)
		r.Get("/{id}/history", s.entityHistory)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Status())
}

func (s *Server) setBackground(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		s.writeError(w, apperrors.Validation("body must be {\"enabled\": bool}"))
		return
	}
	s.queue.SetBackgroundSyncEnabled(*body.Enabled)
	writeJSON(w, http.StatusOK, s.queue.Status())
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.ProcessPending(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.queue.Status())
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	var statuses []models.OperationStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			statuses = append(statuses, models.OperationStatus(strings.TrimSpace(st)))
		}
	}
	ops, err := s.queue.List(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ops))
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) retryOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Retry(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	op, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.RetryAllFailed(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"retried": n})
}

func (s *Server) cancelOperation(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type saveRequest struct {
	Data               models.Payload            `json:"data"`
	PreviousVersion    *models.Payload           `json:"previousVersion,omitempty"`
	ConflictResolution models.ConflictResolution `json:"conflictResolution,omitempty"`
}

func (s *Server) repo(w http.ResponseWriter, r *http.Request) (Entities, bool) {
	et := models.EntityType(chi.URLParam(r, "type"))
	repo, ok := s.entities[et]
	if !ok {
		s.writeError(w, apperrors.Unsupported("unknown entity type %q", et))
		return nil, false
	}
	return repo, true
}

func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repo(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, apperrors.Validation("invalid limit %q", raw))
			return
		}
		limit = n
	}
	items, err := repo.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repo(w, r)
	if !ok {
		return
	}
	doc, err := repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) createEntity(w http.ResponseWriter, r *http.Request) {
	s.save(w, r, "")
}

func (s *Server) saveEntity(w http.ResponseWriter, r *http.Request) {
	s.save(w, r, chi.URLParam(r, "id"))
}

func (s *Server) save(w http.ResponseWriter, r *http.Request, id string) {
	repo, ok := s.repo(w, r)
	if !ok {
		return
	}
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.CodeValidation, "malformed body", err))
		return
	}
	op, err := repo.Save(r.Context(), id, req.Data, req.PreviousVersion, req.ConflictResolution)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) updateTip(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repo(w, r)
	if !ok {
		return
	}
	var body struct {
		Amount *float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Amount == nil {
		s.writeError(w, apperrors.Validation("body must be {\"amount\": number}"))
		return
	}
	op, err := repo.UpdateTip(r.Context(), chi.URLParam(r, "id"), *body.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) removeEntity(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repo(w, r)
	if !ok {
		return
	}
	op, err := repo.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) entityHistory(w http.ResponseWriter, r *http.Request) {
	et := models.EntityType(chi.URLParam(r, "type"))
	ops, err := s.queue.History(r.Context(), et, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ops))
}

type errorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "code", code, "error", err)
	}
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		msg = appErr.Message
	}
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.CodeValidation, apperrors.CodeUnsupported:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeSecurity:
		return http.StatusForbidden
	case apperrors.CodeIllegalState:
		return http.StatusConflict
	case apperrors.CodeNetwork, apperrors.CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
