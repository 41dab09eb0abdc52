package idempotency

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGuard(t *testing.T, ttl time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, ttl), mr
}

func TestClaimDeduplicates(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(t, time.Minute)

	owner, created, err := g.Claim(ctx, "abc", "job-1")
	if err != nil || !created || owner != "job-1" {
		t.Fatalf("first claim: owner=%s created=%v err=%v", owner, created, err)
	}

	owner, created, err = g.Claim(ctx, "abc", "job-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if created {
		t.Fatal("second claim must not create a new mapping")
	}
	if owner != "job-1" {
		t.Fatalf("second claim should see the original job id, got %s", owner)
	}
}

func TestClaimAfterExpiryCreatesNewMapping(t *testing.T) {
	ctx := context.Background()
	g, mr := newTestGuard(t, time.Minute)

	_, _, err := g.Claim(ctx, "abc", "job-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	owner, created, err := g.Claim(ctx, "abc", "job-2")
	if err != nil || !created {
		t.Fatalf("post-expiry claim: created=%v err=%v", created, err)
	}
	if owner != "job-2" {
		t.Fatalf("expected fresh job id after expiry, got %s", owner)
	}
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	g, mr := newTestGuard(t, time.Minute)

	if _, found, err := g.Lookup(ctx, "missing"); err != nil || found {
		t.Fatalf("lookup missing: found=%v err=%v", found, err)
	}

	_, _, _ = g.Claim(ctx, "abc", "job-1")
	id, found, err := g.Lookup(ctx, "abc")
	if err != nil || !found || id != "job-1" {
		t.Fatalf("lookup: id=%s found=%v err=%v", id, found, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, found, _ := g.Lookup(ctx, "abc"); found {
		t.Fatal("expected mapping to expire")
	}
}

func TestReleaseOnlyRemovesOwnClaim(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(t, time.Minute)

	_, _, _ = g.Claim(ctx, "abc", "job-1")

	// A loser must not be able to release the winner's mapping.
	if err := g.Release(ctx, "abc", "job-2"); err != nil {
		t.Fatalf("release with wrong id: %v", err)
	}
	if _, found, _ := g.Lookup(ctx, "abc"); !found {
		t.Fatal("mapping should survive a release by a non-owner")
	}

	if err := g.Release(ctx, "abc", "job-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, found, _ := g.Lookup(ctx, "abc"); found {
		t.Fatal("mapping should be gone after the owner released it")
	}
}
