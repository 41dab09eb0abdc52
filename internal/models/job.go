package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. QUEUED is initial;
// COMPLETED and FAILED are terminal.
const (
	StatusQueued    = "QUEUED"
	StatusRunning   = "RUNNING"
	StatusRetrying  = "RETRYING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Job represents one unit of asynchronous work persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	Type           string         `json:"job_type"`
	UserID         string         `json:"user_id"`
	Payload        map[string]any `json:"payload"`
	Result         map[string]any `json:"result,omitempty"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxRetries     int            `json:"max_retries"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	WorkerID       *string        `json:"worker_id,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// Timeout returns the per-episode execution deadline for the job.
func (j Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Dispatchable reports whether a worker may claim a job in this status.
// Anything else indicates a stale queue entry and must be skipped.
func Dispatchable(status string) bool {
	return status == StatusQueued || status == StatusRetrying
}

// FailureTransition decides the state after a failure or timeout has already
// incremented attempts: RETRYING while attempts <= maxRetries, FAILED once
// the budget is exhausted. The store's conditional UPDATE mirrors this rule.
func FailureTransition(attempts, maxRetries int) string {
	if attempts <= maxRetries {
		return StatusRetrying
	}
	return StatusFailed
}

// StatusEvent is broadcast on every status transition.
type StatusEvent struct {
	JobID    string    `json:"job_id"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}
