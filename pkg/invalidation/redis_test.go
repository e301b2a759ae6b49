package invalidation_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/illmade-knight/go-querysync/pkg/invalidation"
	"github.com/illmade-knight/go-querysync/pkg/resource"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRelay_DeliversToOtherSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	client := newRedisClient(t)

	staff := invalidation.NewRedisRelayFromClient(client, "effects-test", zerolog.Nop())
	seller := invalidation.NewRedisRelayFromClient(client, "effects-test", zerolog.Nop())
	require.NotEqual(t, staff.Origin(), seller.Origin())

	staffIn, err := staff.Subscribe(ctx)
	require.NoError(t, err)
	sellerIn, err := seller.Subscribe(ctx)
	require.NoError(t, err)

	approved := resource.Product{ID: "p-1", Status: resource.StatusApproved}
	sent := invalidation.Effect{Mutation: invalidation.MutationApprove, ProductID: "p-1", Record: &approved}

	// Act
	require.NoError(t, staff.Publish(ctx, sent))

	// Assert
	select {
	case got := <-sellerIn:
		assert.Equal(t, sent.Mutation, got.Mutation)
		assert.Equal(t, "p-1", got.ProductID)
		require.NotNil(t, got.Record)
		assert.Equal(t, resource.StatusApproved, got.Record.Status)
	case <-ctx.Done():
		t.Fatal("seller never received the effect")
	}

	select {
	case got := <-staffIn:
		t.Fatalf("publisher received its own echo: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}

	assert.NoError(t, staff.Close(), "a borrowed client is not closed")
	assert.NoError(t, client.Ping(ctx).Err())
}

func TestRedisRelay_ChannelClosesWithContext(t *testing.T) {
	client := newRedisClient(t)
	relay := invalidation.NewRedisRelayFromClient(client, "", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	in, err := relay.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-in:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestNewRedisRelay_FailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := invalidation.NewRedisRelay(ctx, &invalidation.RedisRelayConfig{Addr: "127.0.0.1:1"}, zerolog.Nop())

	assert.Error(t, err)
}
