package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"job-engine/internal/config"
	"job-engine/internal/models"
	"job-engine/internal/notify"
	"job-engine/internal/store"
	"job-engine/internal/telemetry"
)

// JobStore is the record-store surface the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkDispatchFailed(ctx context.Context, id, lastError string, now time.Time) error
	CountsByStatus(ctx context.Context) (map[string]int64, error)
	AvgExecutionSeconds(ctx context.Context) (float64, error)
	CompletedSince(ctx context.Context, since time.Time) (int64, error)
}

// Dispatcher is the dispatch-queue surface the API needs.
type Dispatcher interface {
	Push(ctx context.Context, jobID string) error
	Len(ctx context.Context) (int64, error)
}

// Guard deduplicates retried submissions.
type Guard interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Claim(ctx context.Context, key, jobID string) (string, bool, error)
	Release(ctx context.Context, key, jobID string) error
}

// Limiter throttles submissions per principal.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int64, error)
}

// Server wires the HTTP handlers for submission, status, and streaming.
type Server struct {
	cfg      config.Config
	store    JobStore
	queue    Dispatcher
	guard    Guard
	limiter  Limiter
	registry *notify.Registry
}

// New constructs the API server.
func New(cfg config.Config, st JobStore, q Dispatcher, g Guard, l Limiter, r *notify.Registry) *Server {
	return &Server{cfg: cfg, store: st, queue: q, guard: g, limiter: l, registry: r}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/events", s.handleJobEvents)
	r.Get("/stats", s.handleStats)
	return r
}

type submitRequest struct {
	Type           string         `json:"job_type"`
	Payload        map[string]any `json:"payload"`
	MaxRetries     *int           `json:"max_retries"`
	TimeoutSeconds *int           `json:"timeout_seconds"`
}

type submitResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "job_type is required", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			http.Error(w, "max_retries must be non-negative", http.StatusBadRequest)
			return
		}
		maxRetries = *req.MaxRetries
	}
	timeoutSeconds := s.cfg.DefaultTimeoutSeconds
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds <= 0 {
			http.Error(w, "timeout_seconds must be positive", http.StatusBadRequest)
			return
		}
		timeoutSeconds = *req.TimeoutSeconds
	}

	userID := userFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "too many job submissions, retry later", http.StatusTooManyRequests)
			return
		}
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		if existingID, found, err := s.guard.Lookup(r.Context(), idemKey); err != nil {
			http.Error(w, "idempotency check failed", http.StatusInternalServerError)
			return
		} else if found {
			writeJSON(w, http.StatusOK, submitResponse{JobID: existingID, Status: s.currentStatus(r, existingID), Idempotent: true})
			return
		}
	}

	jobID := uuid.New().String()

	if idemKey != "" {
		owner, created, err := s.guard.Claim(r.Context(), idemKey, jobID)
		if err != nil {
			http.Error(w, "idempotency check failed", http.StatusInternalServerError)
			return
		}
		if !created {
			// Lost the claim to a concurrent submission with the same key.
			writeJSON(w, http.StatusOK, submitResponse{JobID: owner, Status: s.currentStatus(r, owner), Idempotent: true})
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ID:             jobID,
		Type:           req.Type,
		UserID:         userID,
		Payload:        req.Payload,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeoutSeconds,
	})
	if err != nil {
		// The claim maps to a job that will never exist; undo it so a retry
		// of the same key can start over.
		if idemKey != "" {
			_ = s.guard.Release(r.Context(), idemKey, jobID)
		}
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}

	// Record first, enqueue second. An insert failure above left nothing on
	// the queue; a push failure here fails the record so it cannot strand.
	if err := s.queue.Push(r.Context(), job.ID); err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if err := s.store.MarkDispatchFailed(r.Context(), job.ID, msg, time.Now().UTC()); err != nil {
			log.Printf("[api] mark dispatch failed %s: %v", job.ID, err)
		}
		if idemKey != "" {
			_ = s.guard.Release(r.Context(), idemKey, jobID)
		}
		http.Error(w, "failed to enqueue job", http.StatusInternalServerError)
		return
	}
	telemetry.SubmitCounter.Inc()

	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status})
}

// currentStatus reports the actual current status for an idempotent replay.
// The record can lag the key claim by a moment, in which case QUEUED is the
// honest answer.
func (s *Server) currentStatus(r *http.Request, jobID string) string {
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		return models.StatusQueued
	}
	return job.Status
}

type jobStatusResponse struct {
	JobID      string         `json:"job_id"`
	Type       string         `json:"job_type"`
	UserID     string         `json:"user_id"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at"`
	LastError  *string        `json:"last_error"`
	Result     map[string]any `json:"result"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:      job.ID,
		Type:       job.Type,
		UserID:     job.UserID,
		Status:     job.Status,
		Attempts:   job.Attempts,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		LastError:  job.LastError,
		Result:     job.Result,
	})
}

// handleJobEvents streams status transitions for one job as server-sent
// events, fed by the fan-out registry.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.authorizedJob(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := s.registry.Subscribe(job.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// Snapshot first so a late subscriber still sees where the job stands.
	writeSSE(w, models.StatusEvent{JobID: job.ID, Status: job.Status, Attempts: job.Attempts, At: time.Now().UTC()})
	flusher.Flush()
	if models.Terminal(job.Status) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
			if models.Terminal(evt.Status) {
				return
			}
		}
	}
}

func (s *Server) authorizedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return models.Job{}, false
	}
	if err != nil {
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return models.Job{}, false
	}
	if job.UserID != userFromRequest(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Len(r.Context())
	if err != nil {
		http.Error(w, "failed to read queue depth", http.StatusInternalServerError)
		return
	}
	telemetry.QueueDepthGauge.Set(float64(depth))

	counts, err := s.store.CountsByStatus(r.Context())
	if err != nil {
		http.Error(w, "failed to count jobs", http.StatusInternalServerError)
		return
	}
	avg, err := s.store.AvgExecutionSeconds(r.Context())
	if err != nil {
		http.Error(w, "failed to compute latency", http.StatusInternalServerError)
		return
	}
	const windowMinutes = 1
	completed, err := s.store.CompletedSince(r.Context(), time.Now().UTC().Add(-windowMinutes*time.Minute))
	if err != nil {
		http.Error(w, "failed to compute throughput", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue_length":               depth,
		"job_counts":                 counts,
		"avg_execution_time_seconds": avg,
		"throughput": map[string]any{
			"jobs_per_minute": completed,
			"window_minutes":  windowMinutes,
		},
	})
}

// userFromRequest identifies the submitting principal. Authentication itself
// is the transport layer's concern; this trusts the header it sets.
func userFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "default"
}

func writeSSE(w http.ResponseWriter, evt models.StatusEvent) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", raw)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
