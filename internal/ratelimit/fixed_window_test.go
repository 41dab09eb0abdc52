package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindow(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(client, 2, time.Minute)

	allowed, count, err := limiter.Allow(ctx, "user-1")
	if err != nil || !allowed || count != 1 {
		t.Fatalf("first request: allowed=%v count=%d err=%v", allowed, count, err)
	}
	allowed, _, _ = limiter.Allow(ctx, "user-1")
	if !allowed {
		t.Fatal("second request should pass")
	}
	allowed, count, _ = limiter.Allow(ctx, "user-1")
	if allowed {
		t.Fatalf("third request should be rejected, count=%d", count)
	}

	// Other keys have their own window.
	if allowed, _, _ = limiter.Allow(ctx, "user-2"); !allowed {
		t.Fatal("independent key should not be limited")
	}

	mr.FastForward(2 * time.Minute)
	if allowed, _, _ = limiter.Allow(ctx, "user-1"); !allowed {
		t.Fatal("window should reset after expiry")
	}
}
