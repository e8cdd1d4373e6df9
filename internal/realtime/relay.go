package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xtrntr/p2pdesk/internal/logger"
)

// PubSub is the part of a redis client the relay needs
type PubSub interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// envelope is what travels over the redis channel
type envelope struct {
	Room  string          `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

// RedisRelay fans events out to every instance through a redis channel.
// Each instance delivers what it receives to its local hub.
type RedisRelay struct {
	client  PubSub
	channel string
	hub     *Hub
	log     *logger.Logger
}

// NewRedisRelay creates a relay publishing on channel
func NewRedisRelay(client PubSub, channel string, hub *Hub, log *logger.Logger) *RedisRelay {
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisRelay{client: client, channel: channel, hub: hub, log: log}
}

// Publish sends an event to every instance. If redis is unreachable the event is
// delivered locally only.
func (r *RedisRelay) Publish(ctx context.Context, room, event string, payload any) {
	frame, err := Encode(room, event, payload)
	if err != nil {
		r.log.ErrorContext(ctx, err, logger.F("room", room), logger.F("event", event))
		return
	}
	data, err := json.Marshal(envelope{Room: room, Frame: frame})
	if err != nil {
		r.log.ErrorContext(ctx, err, logger.F("room", room))
		return
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.log.WarnContext(ctx, "redis publish failed, delivering locally",
			logger.F("room", room), logger.F("event", event), logger.F("error", err))
		r.hub.Deliver(room, frame)
	}
}

// Run subscribes to the channel and delivers messages until ctx is cancelled
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.log.Info("realtime relay subscribed", logger.F("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Room == "" {
		r.log.Warn("dropping malformed relay message", logger.F("channel", r.channel))
		return
	}
	r.hub.Deliver(env.Room, env.Frame)
}
