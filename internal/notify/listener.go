package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"job-engine/internal/models"
)

// Listener consumes the status channel and feeds the fan-out registry.
// It is the bridge between worker processes publishing over Redis and the
// observers attached to this process.
type Listener struct {
	client   *redis.Client
	channel  string
	registry *Registry
}

// NewListener wires a subscriber loop to a registry.
func NewListener(client *redis.Client, channel string, registry *Registry) *Listener {
	if channel == "" {
		channel = "job_updates"
	}
	return &Listener{client: client, channel: channel, registry: registry}
}

// Run subscribes and dispatches until the context is cancelled. Malformed
// messages are logged and dropped; they must never stop the stream.
func (l *Listener) Run(ctx context.Context) error {
	pubsub := l.client.Subscribe(ctx, l.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt models.StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Printf("[notify] dropping malformed status event: %v", err)
				continue
			}
			l.registry.Broadcast(evt)
		}
	}
}
