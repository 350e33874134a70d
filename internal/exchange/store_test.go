package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func TestRedisStoreDefaultsToClosed(t *testing.T) {
	store := newTestRedisStore(t)

	rec, err := store.Get(context.Background(), VenueKraken)
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, rec.State)
	assert.Zero(t, rec.FailureCount)
	assert.True(t, rec.LastFailureAt.IsZero())
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	lastFailure := time.Now().Truncate(time.Nanosecond)
	err := store.Put(ctx, VenueCoinbase, &HealthRecord{
		State:         BreakerOpen,
		FailureCount:  5,
		LastFailureAt: lastFailure,
	})
	require.NoError(t, err)

	rec, err := store.Get(ctx, VenueCoinbase)
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, rec.State)
	assert.Equal(t, 5, rec.FailureCount)
	assert.True(t, rec.LastFailureAt.Equal(lastFailure))
}

func TestRedisStoreVenuesAreIndependent(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, VenueCoinbase, &HealthRecord{State: BreakerOpen, FailureCount: 5}))

	rec, err := store.Get(ctx, VenueKraken)
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, rec.State)
}

// Breaker state is shared: two breakers over the same store observe each
// other's records, as two service instances would.
func TestBreakerSharesStateAcrossInstances(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	b1 := NewBreaker(VenueCoinbase, store, 2, time.Minute, zaptest.NewLogger(t))
	b2 := NewBreaker(VenueCoinbase, store, 2, time.Minute, zaptest.NewLogger(t))

	b1.RecordFailure(ctx)
	b1.RecordFailure(ctx)

	assert.True(t, IsCircuitOpen(b2.Allow(ctx)))
}
