package notify

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	redisclient "github.com/hackgods/booking-engine/internal/redis"
)

// Relay delivers events published by any instance's redisclient.Publisher to
// the sessions held by this instance's Hub.
type Relay struct {
	client *redis.Client
	hub    *Hub
	logger zerolog.Logger
}

func NewRelay(client *redis.Client, hub *Hub, logger zerolog.Logger) *Relay {
	return &Relay{client: client, hub: hub, logger: logger}
}

// Run subscribes to every notify channel and blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, redisclient.ChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info().Str("pattern", redisclient.ChannelPrefix+"*").Msg("notification relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg)
		}
	}
}

func (r *Relay) handle(msg *redis.Message) {
	target, ok := targetOf(msg.Channel)
	if !ok {
		r.logger.Warn().Str("channel", msg.Channel).Msg("ignoring message on unexpected channel")
		return
	}
	r.hub.Deliver(target, []byte(msg.Payload))
}

func targetOf(channel string) (uuid.UUID, bool) {
	raw, ok := strings.CutPrefix(channel, redisclient.ChannelPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
