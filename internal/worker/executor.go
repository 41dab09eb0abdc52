package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"job-engine/internal/models"
)

// Handler executes one job and produces its result payload.
type Handler func(ctx context.Context, job models.Job) (map[string]any, error)

// Executors maps job types to handlers. Registration happens at startup,
// before the pool runs; lookups are read-only after that.
type Executors struct {
	handlers map[string]Handler
	fallback Handler
}

// NewExecutors builds a registry whose fallback is the simulation handler.
func NewExecutors() *Executors {
	return &Executors{
		handlers: make(map[string]Handler),
		fallback: SimulateHandler,
	}
}

// Register binds a handler to a job type.
func (e *Executors) Register(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	e.handlers[jobType] = handler
}

// Lookup returns the handler for a job type, or the fallback.
func (e *Executors) Lookup(jobType string) Handler {
	if h, ok := e.handlers[jobType]; ok {
		return h
	}
	return e.fallback
}

// EchoHandler returns the submitted payload as the result.
func EchoHandler(_ context.Context, job models.Job) (map[string]any, error) {
	return map[string]any{
		"job_type": job.Type,
		"echo":     job.Payload,
	}, nil
}

// SimulateHandler exercises the lifecycle from the payload:
// delay_seconds sleeps, force_fail raises, force_stuck never returns.
func SimulateHandler(ctx context.Context, job models.Job) (map[string]any, error) {
	if b, ok := job.Payload["force_stuck"].(bool); ok && b {
		select {}
	}

	delay := 0
	if v, ok := asInt(job.Payload["delay_seconds"]); ok && v > 0 {
		delay = v
		select {
		case <-time.After(time.Duration(delay) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if b, ok := job.Payload["force_fail"].(bool); ok && b {
		return nil, errors.New("forced failure requested by payload.force_fail")
	}

	return map[string]any{
		"job_type": job.Type,
		"input":    job.Payload,
		"message":  fmt.Sprintf("job executed after %d seconds", delay),
	}, nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
