package monitor

import (
	"context"
	"log"
	"time"

	"job-engine/internal/models"
	"job-engine/internal/telemetry"
)

// timeoutError is recorded as last_error when the monitor sweeps a job.
const timeoutError = "job timed out"

// JobStore is the record-store surface the monitor and recovery need.
type JobStore interface {
	JobsByStatus(ctx context.Context, status string) ([]models.Job, error)
	FailFromMonitor(ctx context.Context, id string, startedAt time.Time, lastError string, now time.Time) (string, int, bool, error)
	RecoverStale(ctx context.Context, cutoff, now time.Time) ([]string, error)
}

// Dispatcher pushes job ids back onto the dispatch queue.
type Dispatcher interface {
	Push(ctx context.Context, jobID string) error
}

// Notifier publishes status transitions.
type Notifier interface {
	Publish(ctx context.Context, evt models.StatusEvent) error
}

// Monitor periodically sweeps RUNNING jobs whose episode exceeded the job's
// timeout and forces them through the retry-or-fail transition. It is the
// sole mechanism that terminates jobs whose executor never reports back.
type Monitor struct {
	store    JobStore
	queue    Dispatcher
	notifier Notifier
	interval time.Duration
}

// New builds a monitor sweeping at the given interval.
func New(st JobStore, q Dispatcher, n Notifier, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{store: st, queue: q, notifier: n, interval: interval}
}

// Run sweeps on a fixed interval until the context is cancelled. A failed
// sweep logs and waits for the next tick; it never stops the monitor.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx, time.Now().UTC()); err != nil {
				log.Printf("[monitor] sweep failed: %v", err)
			}
		}
	}
}

// Sweep performs one pass over RUNNING jobs. The failure transition only
// commits if the row still shows RUNNING with the started_at the sweep read,
// so a worker finishing concurrently wins and the sweep no-ops.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) error {
	running, err := m.store.JobsByStatus(ctx, models.StatusRunning)
	if err != nil {
		return err
	}

	for _, job := range running {
		if job.StartedAt == nil {
			continue
		}
		if now.Sub(*job.StartedAt) <= job.Timeout() {
			continue
		}

		status, attempts, ok, err := m.store.FailFromMonitor(ctx, job.ID, *job.StartedAt, timeoutError, now)
		if err != nil {
			log.Printf("[monitor] fail job %s: %v", job.ID, err)
			continue
		}
		if !ok {
			continue
		}
		telemetry.TimeoutCounter.Inc()

		evt := models.StatusEvent{JobID: job.ID, Status: status, Attempts: attempts, At: now}
		if err := m.notifier.Publish(ctx, evt); err != nil {
			log.Printf("[monitor] publish %s for job %s: %v", status, job.ID, err)
		}

		if status == models.StatusRetrying {
			log.Printf("[monitor] job %s timed out, retrying (attempt %d/%d)", job.ID, attempts, job.MaxRetries)
			if err := m.queue.Push(ctx, job.ID); err != nil {
				log.Printf("[monitor] requeue %s failed: %v", job.ID, err)
			}
		} else {
			log.Printf("[monitor] job %s timed out, permanently failed", job.ID)
		}
	}
	return nil
}

// Recover re-queues RUNNING jobs whose episode started before now-threshold:
// work orphaned by a process that died without finishing it. Attempts stay
// untouched, this is crash recovery, not a job failure.
func Recover(ctx context.Context, st JobStore, q Dispatcher, threshold time.Duration) (int, error) {
	now := time.Now().UTC()
	ids, err := st.RecoverStale(ctx, now.Add(-threshold), now)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := q.Push(ctx, id); err != nil {
			return 0, err
		}
		telemetry.RecoveredCounter.Inc()
		log.Printf("[recovery] re-queued stale job %s", id)
	}
	return len(ids), nil
}
