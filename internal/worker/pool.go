package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"job-engine/internal/config"
	"job-engine/internal/models"
	"job-engine/internal/store"
	"job-engine/internal/telemetry"
)

// JobStore is the record-store surface the pool needs. Every mutation is
// conditional: a transition commits only if the row is still in the state
// the worker believes it is in.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id, workerID string, result map[string]any, now time.Time) (bool, error)
	FailFromWorker(ctx context.Context, id, workerID, lastError string, now time.Time) (string, int, bool, error)
}

// Dispatcher is the dispatch-queue surface the pool needs.
type Dispatcher interface {
	Pop(ctx context.Context, wait time.Duration) (string, error)
	Push(ctx context.Context, jobID string) error
}

// Notifier publishes status transitions.
type Notifier interface {
	Publish(ctx context.Context, evt models.StatusEvent) error
}

// errAbandoned marks an invocation that outlived its deadline and was left
// to the timeout monitor.
var errAbandoned = errors.New("execution abandoned after deadline")

// abandonGrace is how long the pool waits after the deadline for a handler
// that honors cancellation before giving up on it.
const abandonGrace = 2 * time.Second

// Pool runs the worker loops. Pop concurrency (WorkerLoops goroutines) is
// decoupled from execution concurrency: the admission gate bounds
// simultaneous executor invocations to cfg.Concurrency across all loops.
type Pool struct {
	cfg      config.Config
	store    JobStore
	queue    Dispatcher
	notifier Notifier
	execs    *Executors
	workerID string
	gate     chan struct{}
}

// NewPool wires a pool with its executor registry and worker identity.
func NewPool(cfg config.Config, st JobStore, q Dispatcher, n Notifier, execs *Executors, workerID string) *Pool {
	size := cfg.Concurrency
	if size <= 0 {
		size = 2
	}
	loops := cfg.WorkerLoops
	if loops <= 0 {
		loops = 2
	}
	cfg.WorkerLoops = loops
	return &Pool{
		cfg:      cfg,
		store:    st,
		queue:    q,
		notifier: n,
		execs:    execs,
		workerID: workerID,
		gate:     make(chan struct{}, size),
	}
}

// Run starts the loop goroutines and blocks until the context is cancelled.
// Cancellation is cooperative: loops notice it at the bounded pop, and jobs
// already admitted run to completion.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerLoops; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.runLoop(ctx, n)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) runLoop(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			log.Printf("[worker] loop %d stopping", n)
			return
		default:
		}

		jobID, err := p.queue.Pop(ctx, p.cfg.PopWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[worker] pop failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if jobID == "" {
			continue
		}
		p.process(ctx, jobID)
	}
}

// process drives one job through a single execution episode. State writes
// outlive a shutdown request: once a job is claimed its outcome is persisted.
func (p *Pool) process(ctx context.Context, jobID string) {
	ctx = context.WithoutCancel(ctx)

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		// Queue and store should never diverge; a dangling id is logged, not fatal.
		log.Printf("[worker] job %s not found, skipping", jobID)
		return
	}
	if err != nil {
		log.Printf("[worker] load job %s: %v", jobID, err)
		return
	}

	// Safety check: a stale queue entry for an already dispatched, finished,
	// or monitor-claimed job must not be re-run.
	if !models.Dispatchable(job.Status) {
		log.Printf("[worker] skipping job %s, status=%s", job.ID, job.Status)
		return
	}

	now := time.Now().UTC()
	claimed, err := p.store.MarkRunning(ctx, job.ID, p.workerID, now)
	if err != nil {
		log.Printf("[worker] mark running %s: %v", job.ID, err)
		return
	}
	if !claimed {
		log.Printf("[worker] lost claim on job %s", job.ID)
		return
	}
	job.Status = models.StatusRunning
	job.StartedAt = &now
	p.publish(ctx, job.ID, models.StatusRunning, job.Attempts)

	p.gate <- struct{}{}
	telemetry.InFlightGauge.Inc()
	result, execErr := p.invoke(job)
	<-p.gate
	telemetry.InFlightGauge.Dec()

	if errors.Is(execErr, errAbandoned) {
		// The record stays RUNNING; the timeout monitor owns the bookkeeping
		// for executions that never came back.
		log.Printf("[worker] job %s abandoned after %ds deadline", job.ID, job.TimeoutSeconds)
		return
	}

	if execErr == nil {
		ok, err := p.store.MarkCompleted(ctx, job.ID, p.workerID, result, time.Now().UTC())
		if err != nil {
			log.Printf("[worker] mark completed %s: %v", job.ID, err)
			return
		}
		if !ok {
			log.Printf("[worker] job %s no longer owned, completion dropped", job.ID)
			return
		}
		telemetry.WorkerSuccess.Inc()
		p.publish(ctx, job.ID, models.StatusCompleted, job.Attempts)
		return
	}

	status, attempts, ok, err := p.store.FailFromWorker(ctx, job.ID, p.workerID, execErr.Error(), time.Now().UTC())
	if err != nil {
		log.Printf("[worker] record failure %s: %v", job.ID, err)
		return
	}
	if !ok {
		log.Printf("[worker] job %s no longer owned, failure dropped", job.ID)
		return
	}
	p.publish(ctx, job.ID, status, attempts)

	if status == models.StatusRetrying {
		telemetry.WorkerRetries.Inc()
		log.Printf("[worker] job %s failed: %v, retrying (attempt %d/%d)", job.ID, execErr, attempts, job.MaxRetries)
		if err := p.queue.Push(ctx, job.ID); err != nil {
			// Not re-enqueued: the stale-job sweep will not see RETRYING, so
			// this id is lost until a client resubmits. Loudly logged.
			log.Printf("[worker] requeue %s failed: %v", job.ID, err)
		}
		return
	}
	telemetry.WorkerFailures.Inc()
	log.Printf("[worker] job %s permanently failed: %v", job.ID, execErr)
}

type outcome struct {
	result map[string]any
	err    error
}

// invoke runs the executor in its own goroutine under the job's deadline.
// Executions are never interrupted by shutdown, only bounded by the deadline;
// a handler that ignores cancellation is abandoned (slot released, goroutine
// tracked in a gauge) instead of pinning an admission slot forever.
func (p *Pool) invoke(job models.Job) (map[string]any, error) {
	handler := p.execs.Lookup(job.Type)

	execCtx, cancel := context.WithTimeout(context.Background(), job.Timeout())

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		result, err := handler(execCtx, job)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		cancel()
		return out.result, out.err
	case <-execCtx.Done():
	}

	// Deadline hit; give a cancellation-aware handler a moment to return.
	select {
	case out := <-done:
		cancel()
		return out.result, out.err
	case <-time.After(abandonGrace):
	}

	telemetry.OrphanedGauge.Inc()
	go func() {
		<-done
		telemetry.OrphanedGauge.Dec()
		cancel()
	}()
	return nil, errAbandoned
}

func (p *Pool) publish(ctx context.Context, jobID, status string, attempts int) {
	evt := models.StatusEvent{JobID: jobID, Status: status, Attempts: attempts, At: time.Now().UTC()}
	if err := p.notifier.Publish(ctx, evt); err != nil {
		log.Printf("[worker] publish %s for job %s: %v", status, jobID, err)
	}
}
