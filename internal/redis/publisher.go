package redisclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/booking-engine/internal/booking"
)

// ChannelPrefix prefixes the per-actor pub/sub channel.
const ChannelPrefix = "notify:"

// Channel returns the pub/sub channel events for target are published on.
func Channel(target uuid.UUID) string {
	return ChannelPrefix + target.String()
}

// Publisher is a booking.Notifier that fans events out over Redis pub/sub so
// that whichever API instance holds the target's websocket can deliver them.
type Publisher struct {
	client *redis.Client
}

var _ booking.Notifier = (*Publisher)(nil)

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Notify(ctx context.Context, target uuid.UUID, ev booking.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	receivers, err := p.client.Publish(ctx, Channel(target), data).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	if receivers == 0 {
		return fmt.Errorf("publish %s: no subscriber for %s", ev.Type, target)
	}
	return nil
}
