package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test_queue")
}

func TestPushPopFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, id); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}

	n, err := q.Len(ctx)
	if err != nil || n != 3 {
		t.Fatalf("expected depth 3, got %d err=%v", n, err)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx, time.Second)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestPopTimeoutReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	start := time.Now()
	got, err := q.Pop(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty id on timeout, got %q", got)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("pop blocked far longer than the bounded wait")
	}
}

func TestRetryReenteredAtTail(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Push(ctx, "first")
	_ = q.Push(ctx, "second")

	id, _ := q.Pop(ctx, time.Second)
	if id != "first" {
		t.Fatalf("expected first, got %s", id)
	}
	// Re-queue of a retrying job goes to the tail, behind other first attempts.
	if err := q.Push(ctx, "first"); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	id, _ = q.Pop(ctx, time.Second)
	if id != "second" {
		t.Fatalf("expected second before the retry, got %s", id)
	}
	id, _ = q.Pop(ctx, time.Second)
	if id != "first" {
		t.Fatalf("expected retried job at the tail, got %s", id)
	}
}
