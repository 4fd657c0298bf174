package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupReplayGuard(t *testing.T) (*ReplayGuard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewReplayGuard(client), mr
}

func TestReplayGuard_FirstDeliveryPasses(t *testing.T) {
	guard, _ := setupReplayGuard(t)

	ok, err := guard.CheckAndSet(context.Background(), "req-1", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReplayGuard_DuplicateDeliveryRejected(t *testing.T) {
	guard, _ := setupReplayGuard(t)
	ctx := context.Background()

	ok, err := guard.CheckAndSet(ctx, "req-dup", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = guard.CheckAndSet(ctx, "req-dup", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second delivery of the same request id must be rejected")
}

func TestReplayGuard_DistinctRequestIDsIndependent(t *testing.T) {
	guard, _ := setupReplayGuard(t)
	ctx := context.Background()

	ok, err := guard.CheckAndSet(ctx, "req-a", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = guard.CheckAndSet(ctx, "req-b", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReplayGuard_MarkerExpires(t *testing.T) {
	guard, mr := setupReplayGuard(t)
	ctx := context.Background()

	ok, err := guard.CheckAndSet(ctx, "req-ttl", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(61 * time.Second)

	ok, err = guard.CheckAndSet(ctx, "req-ttl", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "marker must expire after the TTL")
}
