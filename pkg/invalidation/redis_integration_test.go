//go:build integration

package invalidation_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/invalidation"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisRelay_Integration runs two buses against a real Redis server
// named by REDIS_ADDR.
func TestRedisRelay_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	cfg := &invalidation.RedisRelayConfig{Addr: addr, Channel: "querysync-integration-" + t.Name()}
	staffRelay, err := invalidation.NewRedisRelay(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = staffRelay.Close() })
	sellerRelay, err := invalidation.NewRedisRelay(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sellerRelay.Close() })

	staffStore := cache.NewStore(nil, zerolog.Nop())
	sellerStore := cache.NewStore(nil, zerolog.Nop())
	staffBus := invalidation.NewBus(staffStore, staffRelay, zerolog.Nop())
	sellerBus := invalidation.NewBus(sellerStore, sellerRelay, zerolog.Nop())
	require.NoError(t, sellerBus.Listen(ctx))

	detail := querykey.Detail(querykey.KindProduct, "p-1")
	sellerStore.Put(detail, "pending", time.Now())

	err = staffBus.OnMutationSucceeded(ctx, invalidation.Effect{Mutation: invalidation.MutationApprove, ProductID: "p-1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		e, ok := sellerStore.Get(detail)
		return ok && e.Status == cache.StatusStale
	}, 10*time.Second, 50*time.Millisecond)
}
