package notify

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"job-engine/internal/models"
)

func TestRegistryFanOut(t *testing.T) {
	r := NewRegistry()

	ch1, cancel1 := r.Subscribe("job-1")
	ch2, cancel2 := r.Subscribe("job-1")
	defer cancel1()
	defer cancel2()
	chOther, cancelOther := r.Subscribe("job-2")
	defer cancelOther()

	r.Broadcast(models.StatusEvent{JobID: "job-1", Status: models.StatusRunning})

	for _, ch := range []<-chan models.StatusEvent{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Status != models.StatusRunning {
				t.Fatalf("unexpected status %s", evt.Status)
			}
		case <-time.After(time.Second):
			t.Fatal("observer did not receive the event")
		}
	}

	select {
	case <-chOther:
		t.Fatal("observer of another job must not receive the event")
	default:
	}
}

func TestRegistryUnsubscribe(t *testing.T) {
	r := NewRegistry()

	_, cancel := r.Subscribe("job-1")
	if r.Observers("job-1") != 1 {
		t.Fatal("expected one observer")
	}
	cancel()
	cancel() // idempotent
	if r.Observers("job-1") != 0 {
		t.Fatal("expected observer set to be cleaned up")
	}

	// Broadcasting with no observers is a no-op.
	r.Broadcast(models.StatusEvent{JobID: "job-1", Status: models.StatusCompleted})
}

func TestRegistrySlowObserverDoesNotBlock(t *testing.T) {
	r := NewRegistry()

	slow, cancelSlow := r.Subscribe("job-1")
	defer cancelSlow()
	fast, cancelFast := r.Subscribe("job-1")
	defer cancelFast()

	// Saturate the slow observer's buffer and keep broadcasting.
	for i := 0; i < subscriberBuffer+5; i++ {
		r.Broadcast(models.StatusEvent{JobID: "job-1", Status: models.StatusRunning, Attempts: i})
	}

	// The fast observer still got its buffered share.
	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast observer starved by a slow one")
	}
	// The slow observer's channel holds at most its buffer.
	if len(slow) > subscriberBuffer {
		t.Fatalf("slow observer buffer exceeded: %d", len(slow))
	}
}

func TestPublishReachesListener(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	registry := NewRegistry()
	listener := NewListener(client, "job_updates", registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = listener.Run(ctx) }()

	ch, unsubscribe := registry.Subscribe("job-1")
	defer unsubscribe()

	pub := NewPublisher(client, "job_updates")
	deadline := time.After(2 * time.Second)
	// The subscriber loop races with the first publish; retry until delivered.
	for {
		if err := pub.Publish(ctx, models.StatusEvent{JobID: "job-1", Status: models.StatusCompleted, Attempts: 1}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case evt := <-ch:
			if evt.JobID != "job-1" || evt.Status != models.StatusCompleted {
				t.Fatalf("unexpected event %+v", evt)
			}
			if evt.At.IsZero() {
				t.Fatal("publisher should stamp the event time")
			}
			return
		case <-deadline:
			t.Fatal("event never reached the observer")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
