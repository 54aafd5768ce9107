package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// streamAdder is the subset of *redis.Client used by RedisPublisher
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisPublisher appends events to a Redis stream
type RedisPublisher struct {
	client streamAdder
	stream string
	maxLen int64
}

// NewRedisPublisher connects to redisURL and verifies the connection
func NewRedisPublisher(ctx context.Context, redisURL, stream string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisPublisher{client: client, stream: stream, maxLen: 100000}, nil
}

// Publish appends one event to the stream
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_id": event.ID,
			"type":     event.Type,
			"order_id": event.Key(),
			"payload":  string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Close closes the redis client
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
