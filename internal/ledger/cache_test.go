package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute)
}

func TestCacheRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	_, ok := cache.Get(ctx, 7)
	require.False(t, ok)

	record := InventoryRecord{ID: 7, ProductID: 3, QuantityOnHand: 12, QuantityAvailable: 12}
	cache.Set(ctx, record)

	got, ok := cache.Get(ctx, 7)
	require.True(t, ok)
	require.Equal(t, record.ID, got.ID)
	require.InDelta(t, 12, got.QuantityOnHand, 0.0001)
}

func TestCacheInvalidate(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	cache.Set(ctx, InventoryRecord{ID: 9, QuantityOnHand: 4})
	require.NoError(t, cache.Invalidate(ctx, 9))

	_, ok := cache.Get(ctx, 9)
	require.False(t, ok)
}

func TestServiceGetUsesCacheAfterFirstRead(t *testing.T) {
	store := newMemoryStore()
	record := store.seed(InventoryRecord{QuantityOnHand: 50})
	cache := newTestCache(t)
	svc := NewService(store, nil, cache, nil)
	ctx := context.Background()

	first, err := svc.Get(ctx, record.ID)
	require.NoError(t, err)

	// mutate behind the cache: the cached value is served until invalidated
	store.records[record.ID] = InventoryRecord{ID: record.ID, QuantityOnHand: 1}
	cached, err := svc.Get(ctx, record.ID)
	require.NoError(t, err)
	require.InDelta(t, first.QuantityOnHand, cached.QuantityOnHand, 0.0001)

	// a write through the service invalidates
	_, err = svc.ApplyDelta(ctx, record.ID, 1, 0, 1, "test")
	require.NoError(t, err)
	fresh, err := svc.Get(ctx, record.ID)
	require.NoError(t, err)
	require.InDelta(t, 2, fresh.QuantityOnHand, 0.0001)
}
