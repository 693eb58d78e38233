package status

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes status events on a Redis pub/sub channel so a host
// bridge can forward them to the UI event bus
type RedisSink struct {
	redis   redis.UniversalClient
	channel string
}

// NewRedisSink creates a sink publishing on Channel
func NewRedisSink(rdb redis.UniversalClient) *RedisSink {
	return &RedisSink{redis: rdb, channel: Channel}
}

// Publish sends ev as JSON
func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	if err := s.redis.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}
	return nil
}
