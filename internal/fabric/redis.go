package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis relays events through Redis PUBLISH/SUBSCRIBE so connections served
// by different processes see the same per-match order.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedis(client *redis.Client, prefix string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

func (r *Redis) channel(group string) string { return r.prefix + group }

func (r *Redis) Publish(ctx context.Context, group string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(group), data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", group, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, group string, deliver func(Event)) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.channel(group))
	// Wait for the subscription confirmation so no publish after Subscribe
	// returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", group, err)
	}

	go func() {
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("discarding malformed event", "group", group, "error", err)
				continue
			}
			deliver(ev)
		}
	}()
	return ps, nil
}
