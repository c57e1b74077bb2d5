// Package api serves the HTTP job intake and status endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/intake"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// JobCreator creates and dispatches jobs.
type JobCreator interface {
	CreateJob(ctx context.Context, req intake.Request) (*model.Job, error)
}

// Handlers holds the endpoint dependencies.
type Handlers struct {
	Jobs  JobCreator
	Store store.Store
}

// Options configure the router.
type Options struct {
	AllowedOrigins []string
	// RequestTimeout bounds each request. Default: 30s.
	RequestTimeout time.Duration
}

// NewRouter returns the HTTP handler for the service.
func NewRouter(h *Handlers, opts Options) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.createJob)
		r.Get("/{id}", h.getJob)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errorBody struct {
	Error    string              `json:"error"`
	Category model.ErrorCategory `json:"category,omitempty"`
	Problems []string            `json:"problems,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response failed", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorBody{Error: msg})
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var req intake.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{
			Error:    "invalid request body",
			Category: model.CategoryRequestValidationFailed,
		})
		return
	}

	job, err := h.Jobs.CreateJob(r.Context(), req)
	var verr *intake.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, errorBody{
			Error:    "request validation failed",
			Category: verr.Category(),
			Problems: verr.Problems,
		})
		return
	case err != nil:
		zap.L().Error("api: create job failed", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "job could not be scheduled")
		return
	}

	w.Header().Set("Location", "/jobs/"+job.ID)
	respondJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  job.ID,
		"status": string(job.Status),
	})
}

func (h *Handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.Store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		zap.L().Error("api: get job failed", zap.String("job_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, job)
}
