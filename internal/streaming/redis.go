package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
)

// RedisHub publishes messages on Redis pub/sub channels named
// <prefix><topic> and subscribes to them.
type RedisHub struct {
	rdb    *goredis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisHub wraps a go-redis client.
func NewRedisHub(rdb *goredis.Client, prefix string, logger *slog.Logger) *RedisHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{rdb: rdb, prefix: prefix, logger: logger}
}

// Publish JSON-encodes the message onto the topic channel.
func (h *RedisHub) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("redis publish: empty topic")
	}
	data, err := json.Marshal(stamp(msg))
	if err != nil {
		return fmt.Errorf("redis publish: encode message: %w", err)
	}
	if err := h.rdb.Publish(ctx, h.prefix+msg.Topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe listens on the filter's topic, which is required.
func (h *RedisHub) Subscribe(ctx context.Context, filter Filter) (<-chan Message, func(), error) {
	if filter.Topic == "" {
		return nil, nil, fmt.Errorf("redis subscribe: topic is required")
	}
	ps := h.rdb.Subscribe(ctx, h.prefix+filter.Topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", filter.Topic, err)
	}

	out := make(chan Message, defaultChannelBuffer)
	go func() {
		defer close(out)
		for raw := range ps.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				h.logger.Warn("redis: dropping undecodable message",
					slog.String("channel", raw.Channel), slog.String("error", err.Error()))
				continue
			}
			if !matchFilter(filter, msg) {
				continue
			}
			select {
			case out <- msg:
			default:
			}
		}
	}()

	return out, func() { _ = ps.Close() }, nil
}

// Ping checks the Redis connection.
func (h *RedisHub) Ping(ctx context.Context) error {
	return h.rdb.Ping(ctx).Err()
}

var _ Hub = (*RedisHub)(nil)
