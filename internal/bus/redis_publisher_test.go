package bus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisPublisherPublishesToChannel(t *testing.T) {
	client := newTestRedis(t)
	p := NewRedisPublisher(client)

	sub := client.Subscribe(context.Background(), refreshChannel)
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), Instance("svc-1", "inst-1")))

	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)
	require.Equal(t, "svc-1:inst-1", msg.Payload)
}

func TestRedisPublisherRejectsInvalidDestination(t *testing.T) {
	client := newTestRedis(t)
	p := NewRedisPublisher(client)

	err := p.Publish(context.Background(), "bad destination")
	require.Error(t, err)
}
