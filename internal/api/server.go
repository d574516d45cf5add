// Package api exposes the administrative HTTP surface: job submission and
// lifecycle, queue controls, recurring schedules, and the alert inbox.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/alerting"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/config"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/manager"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/ratelimit"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/store"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/telemetry"
)

// Server wires HTTP handlers for the maintenance admin API.
type Server struct {
	cfg     config.Config
	mgr     *manager.Manager
	store   *store.Store
	alerts  *alerting.Engine
	limiter *ratelimit.TokenBucket
	logger  zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, mgr *manager.Manager, st *store.Store, alerts *alerting.Engine, limiter *ratelimit.TokenBucket, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		mgr:     mgr,
		store:   st,
		alerts:  alerts,
		limiter: limiter,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/queues", func(r chi.Router) {
		r.Get("/stats", s.handleStatsAll)
		r.Route("/{queue}", func(r chi.Router) {
			r.Post("/jobs", s.handleEnqueue)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Get("/jobs/{id}/logs", s.handleJobLogs)
			r.Post("/jobs/{id}/cancel", s.handleCancel)
			r.Post("/jobs/{id}/retry", s.handleRetry)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/clean", s.handleClean)
			r.Post("/drain", s.handleDrain)
			r.Get("/stats", s.handleStats)
			r.Post("/recurring", s.handleScheduleRecurring)
			r.Delete("/recurring/{name}", s.handleRemoveRecurring)
		})
	})

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleListAlerts)
		r.Post("/{id}/ack", s.handleAckAlert)
		r.Post("/{id}/resolve", s.handleResolveAlert)
		r.Post("/test/{channel}", s.handleTestChannel)
	})

	return r
}

type enqueueRequest struct {
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload"`
	Priority      models.Priority `json:"priority"`
	DelaySeconds  int             `json:"delay_seconds"`
	MaxAttempts   int             `json:"max_attempts"`
	CorrelationID string          `json:"correlation_id"`
	Tags          []string        `json:"tags"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	operator := operatorFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), operator)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	queue := chi.URLParam(r, "queue")
	id, err := s.mgr.Enqueue(r.Context(), queue, req.Name, req.Payload, manager.Options{
		Priority:      req.Priority,
		Delay:         time.Duration(req.DelaySeconds) * time.Second,
		MaxAttempts:   req.MaxAttempts,
		ScheduledBy:   operator,
		CorrelationID: req.CorrelationID,
		Tags:          req.Tags,
	})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "queue": queue})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNoJob) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := limitFromQuery(r, 200)
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	logs, err := s.store.JobLogs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.mgr.Cancel(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"), "cancel requested via API")
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	err := s.mgr.Retry(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Pause(r.Context(), chi.URLParam(r, "queue")); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Resume(r.Context(), chi.URLParam(r, "queue")); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type cleanRequest struct {
	KeepCount int    `json:"keep_count"`
	KeepAge   string `json:"keep_age"`
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	var keepAge time.Duration
	if req.KeepAge != "" {
		d, err := time.ParseDuration(req.KeepAge)
		if err != nil {
			http.Error(w, "invalid keep_age", http.StatusBadRequest)
			return
		}
		keepAge = d
	}
	removed, err := s.mgr.Clean(r.Context(), chi.URLParam(r, "queue"), models.RetentionPolicy{
		KeepCount: req.KeepCount,
		KeepAge:   keepAge,
	})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	removed, err := s.mgr.Drain(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.Stats(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStatsAll(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.StatsAll(r.Context())
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

type recurringRequest struct {
	Name     string          `json:"name"`
	CronExpr string          `json:"cron"`
	Payload  json.RawMessage `json:"payload"`
	Priority models.Priority `json:"priority"`
}

func (s *Server) handleScheduleRecurring(w http.ResponseWriter, r *http.Request) {
	var req recurringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.CronExpr == "" {
		http.Error(w, "name and cron are required", http.StatusBadRequest)
		return
	}
	err := s.mgr.ScheduleRecurring(r.Context(), chi.URLParam(r, "queue"), req.Name, req.Payload, req.CronExpr, manager.Options{
		Priority:    req.Priority,
		ScheduledBy: operatorFromRequest(r),
	})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "scheduled"})
}

func (s *Server) handleRemoveRecurring(w http.ResponseWriter, r *http.Request) {
	err := s.mgr.RemoveRecurring(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	limit, err := limitFromQuery(r, 100)
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	alerts, err := s.store.ListAlerts(r.Context(), unresolvedOnly, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"), operatorFromRequest(r)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	by := operatorFromRequest(r)
	if err := s.alerts.Resolve(r.Context(), chi.URLParam(r, "id"), &by); err != nil {
		if errors.Is(err, store.ErrNoAlert) {
			http.Error(w, "alert not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.TestChannel(r.Context(), chi.URLParam(r, "channel")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrUnknownQueue), errors.Is(err, manager.ErrEmptyPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, manager.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, manager.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error().Err(err).Msg("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// limitFromQuery parses the optional ?limit= parameter, falling back to def.
func limitFromQuery(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func operatorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Operator"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
