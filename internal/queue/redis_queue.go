package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is the FIFO dispatch channel between submission and workers.
// It carries job identifiers only; job state lives in the record store.
type RedisQueue struct {
	client *redis.Client
	name   string
}

// New builds a queue on an existing Redis client.
func New(client *redis.Client, name string) *RedisQueue {
	if name == "" {
		name = "job_queue"
	}
	return &RedisQueue{client: client, name: name}
}

// Push appends a job id at the tail.
func (q *RedisQueue) Push(ctx context.Context, jobID string) error {
	if err := q.client.RPush(ctx, q.name, jobID).Err(); err != nil {
		return fmt.Errorf("push %s: %w", jobID, err)
	}
	return nil
}

// Pop blocks up to wait for a job id from the head. An empty string with a
// nil error means the wait elapsed with nothing to do; callers use that as
// their cancellation check point.
func (q *RedisQueue) Pop(ctx context.Context, wait time.Duration) (string, error) {
	res, err := q.client.BLPop(ctx, wait, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop: %w", err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("pop: unexpected reply length %d", len(res))
	}
	return res[1], nil
}

// Len returns the current queue depth.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
