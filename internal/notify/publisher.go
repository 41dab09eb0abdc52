package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"job-engine/internal/models"
)

// Publisher broadcasts job status transitions on a Redis pub/sub channel.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher builds a publisher for the given channel.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = "job_updates"
	}
	return &Publisher{client: client, channel: channel}
}

// Publish sends one status event. Stamps the event time if unset.
func (p *Publisher) Publish(ctx context.Context, evt models.StatusEvent) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	return nil
}
