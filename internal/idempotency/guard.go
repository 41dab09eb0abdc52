package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "idempotency:"

// Guard maps a client-supplied submission key to a job id for a bounded
// window, so retried submissions reuse the original job instead of creating
// a duplicate.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a guard with the given TTL window.
func New(client *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Guard{client: client, ttl: ttl}
}

// Claim atomically maps key to jobID unless another submission got there
// first. It returns the owning job id and whether this call created the
// mapping. SET NX is the whole race-avoidance story: two near-simultaneous
// claims resolve inside Redis, and the loser reads the winner's id.
func (g *Guard) Claim(ctx context.Context, key, jobID string) (string, bool, error) {
	ok, err := g.client.SetNX(ctx, keyPrefix+key, jobID, g.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return jobID, true, nil
	}
	owner, err := g.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// The winning entry expired between SETNX and GET; treat the key as
		// ours on the retry path rather than failing the submission.
		ok, err = g.client.SetNX(ctx, keyPrefix+key, jobID, g.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("reclaim idempotency key: %w", err)
		}
		if ok {
			return jobID, true, nil
		}
		owner, err = g.client.Get(ctx, keyPrefix+key).Result()
		if err != nil {
			return "", false, fmt.Errorf("read idempotency key: %w", err)
		}
		return owner, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	return owner, false, nil
}

// Lookup returns the job id mapped to key, if the mapping is still live.
func (g *Guard) Lookup(ctx context.Context, key string) (string, bool, error) {
	jobID, err := g.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return jobID, true, nil
}

// Release removes the mapping, but only if it still points at jobID. Used to
// roll back a claim when the durable insert behind it failed.
func (g *Guard) Release(ctx context.Context, key, jobID string) error {
	err := releaseScript.Run(ctx, g.client, []string{keyPrefix + key}, jobID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
