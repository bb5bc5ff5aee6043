// Package api serves the operator HTTP surface: run inspection, cancellation,
// manual triggers, error-state clearing and destination health.
package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"docsync/internal/models"
	"docsync/internal/queue"
	"docsync/internal/ratelimit"
	"docsync/internal/syncerr"
	"docsync/internal/telemetry"
)

// TenantHeader carries the caller's tenant. Every resource lookup is scoped to it.
const TenantHeader = "X-Tenant-ID"

// Store is the persistence the API reads and mutates.
type Store interface {
	GetRun(ctx context.Context, id string) (models.Run, error)
	RequestCancellation(ctx context.Context, id string) error
	GetPairing(ctx context.Context, id string) (models.Pairing, error)
	SetRepeatedErrorState(ctx context.Context, id string, inError bool) error
	GetDestination(ctx context.Context, id string) (models.Destination, error)
}

// Queue accepts manual run tasks and exposes the DLQ.
type Queue interface {
	EnqueueRun(ctx context.Context, task models.RunTask, priority queue.Priority) (string, bool, error)
	DLQPeekTenant(ctx context.Context, tenantID string, count int64) ([]queue.DeadLetter, error)
}

// Limiter throttles manual triggers per tenant.
type Limiter interface {
	AllowManualTrigger(ctx context.Context, tenantID string) (ratelimit.Decision, error)
}

// HealthChecker probes a destination configuration.
type HealthChecker interface {
	HealthCheck(ctx context.Context, d models.Destination) (bool, error)
}

// Server wires HTTP handlers for the ops API.
type Server struct {
	store   Store
	queue   Queue
	limiter Limiter
	health  HealthChecker
	logger  *zap.Logger
}

// New constructs the API server. A nil limiter disables throttling.
func New(st Store, q Queue, limiter Limiter, health HealthChecker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:   st,
		queue:   q,
		limiter: limiter,
		health:  health,
		logger:  logger.With(zap.String("component", "api")),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireTenant)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/runs/{id}/cancel", s.handleCancelRun)
		r.Post("/pairings/{id}/runs", s.handleTrigger)
		r.Post("/pairings/{id}/clear-error", s.handleClearError)
		r.Get("/destinations/{id}/health", s.handleDestinationHealth)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

type tenantKey struct{}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			writeError(w, http.StatusBadRequest, TenantHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

func tenantFrom(r *http.Request) string {
	v, _ := r.Context().Value(tenantKey{}).(string)
	return v
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// pairingFor loads a pairing and hides pairings owned by another tenant.
func (s *Server) pairingFor(ctx context.Context, tenant, id string) (models.Pairing, error) {
	p, err := s.store.GetPairing(ctx, id)
	if err != nil {
		return models.Pairing{}, err
	}
	if p.TenantID != tenant {
		return models.Pairing{}, syncerr.Newf(syncerr.KindNotFound, "pairing %s not found", id)
	}
	return p, nil
}

func (s *Server) runFor(ctx context.Context, tenant, id string) (models.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return models.Run{}, err
	}
	if _, err := s.pairingFor(ctx, tenant, run.PairingID); err != nil {
		if syncerr.IsKind(err, syncerr.KindNotFound) {
			return models.Run{}, syncerr.Newf(syncerr.KindNotFound, "run %s not found", id)
		}
		return models.Run{}, err
	}
	return run, nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runFor(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.runFor(r.Context(), tenantFrom(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if run.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "run already "+string(run.Status))
		return
	}
	if err := s.store.RequestCancellation(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("run cancellation requested", zap.String("run_id", id), zap.String("pairing_id", run.PairingID))
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": id, "cancellation_requested": true})
}

type triggerResponse struct {
	TaskID        string `json:"task_id"`
	Enqueued      bool   `json:"enqueued"`
	FromBeginning bool   `json:"from_beginning"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	p, err := s.pairingFor(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if p.Status != models.PairingActive {
		writeError(w, http.StatusConflict, "pairing is "+string(p.Status))
		return
	}
	fromBeginning := false
	if v := r.URL.Query().Get("from_beginning"); v != "" {
		fromBeginning, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from_beginning must be a boolean")
			return
		}
	}

	if s.limiter != nil {
		decision, err := s.limiter.AllowManualTrigger(r.Context(), tenant)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			if decision.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	taskID, enqueued, err := s.queue.EnqueueRun(r.Context(), models.RunTask{
		PairingID:     p.ID,
		TenantID:      p.TenantID,
		FromBeginning: fromBeginning,
	}, queue.PriorityManual)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if enqueued {
		telemetry.EnqueueCounter.Inc()
	}
	s.logger.Info("manual run requested", zap.String("pairing_id", p.ID), zap.String("task_id", taskID),
		zap.Bool("enqueued", enqueued), zap.Bool("from_beginning", fromBeginning))
	writeJSON(w, http.StatusAccepted, triggerResponse{TaskID: taskID, Enqueued: enqueued, FromBeginning: fromBeginning})
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	p, err := s.pairingFor(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.SetRepeatedErrorState(r.Context(), p.ID, false); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("pairing error state cleared", zap.String("pairing_id", p.ID))
	writeJSON(w, http.StatusOK, map[string]any{"pairing_id": p.ID, "in_repeated_error_state": false})
}

func (s *Server) handleDestinationHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.store.GetDestination(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if d.TenantID != tenantFrom(r) {
		s.fail(w, r, syncerr.Newf(syncerr.KindNotFound, "destination %s not found", id))
		return
	}
	ok, err := s.health.HealthCheck(r.Context(), d)
	resp := map[string]any{"destination_id": d.ID, "type": d.Type, "healthy": ok}
	if err != nil {
		resp["error"] = err.Error()
	}
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.queue.DLQPeekTenant(r.Context(), tenantFrom(r), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case syncerr.IsKind(err, syncerr.KindNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case syncerr.IsKind(err, syncerr.KindConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, "request canceled")
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
