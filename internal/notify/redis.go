package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stream all engine events are appended to.
const stream = "stepline:events"

// RedisDispatcher appends events to a Redis Stream consumed by the
// notification collaborator (push/email/websocket delivery lives
// there, not here).
type RedisDispatcher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisDispatcher connects to Redis and returns a stream-backed
// dispatcher.
func NewRedisDispatcher(redisURL string, logger *zap.Logger) (*RedisDispatcher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisDispatcher{rdb: rdb, logger: logger}, nil
}

// Dispatch appends each event to the stream.
func (d *RedisDispatcher) Dispatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		_, err = d.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{"data": string(data)},
		}).Result()
		if err != nil {
			return fmt.Errorf("publish %s: %w", e.Kind, err)
		}
		d.logger.Debug("event published",
			zap.String("kind", string(e.Kind)),
			zap.String("workflow", e.WorkflowID),
			zap.Int("recipients", len(e.Recipients)))
	}
	return nil
}

// Close shuts down the Redis connection.
func (d *RedisDispatcher) Close() error {
	return d.rdb.Close()
}
