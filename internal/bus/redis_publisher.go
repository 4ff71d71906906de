package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// refreshChannel is the Redis pub/sub channel the RedisPublisher
// publishes targeted refresh signals on, mirroring the invalidation
// channel convention internal/cache's Fabric already uses against the
// same Redis deployment.
const refreshChannel = "controlplane:refresh"

// RedisPublisher is the Publisher adapter backed by Redis pub/sub. It
// is the concrete outbound adapter BreakingPublisher wraps; the actual
// event-bus broker a production deployment targets is out of scope, so
// this is the plane's own lightweight channel rather than an
// integration with any particular broker's wire protocol.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher constructs a RedisPublisher over an existing client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish implements Publisher by publishing destination as the message
// body on refreshChannel.
func (p *RedisPublisher) Publish(ctx context.Context, destination string) error {
	if !ValidDestination(destination) {
		return fmt.Errorf("invalid refresh destination %q", destination)
	}
	return p.client.Publish(ctx, refreshChannel, destination).Err()
}
