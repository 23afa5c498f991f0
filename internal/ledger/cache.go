package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a read optimization over inventory records. It is never the source
// of truth: every write invalidates, and a miss always falls through to the
// store.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache wraps the redis client with a TTL for cached records.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(recordID int64) string {
	return fmt.Sprintf("stockline:inventory:%d", recordID)
}

// Get returns a cached record if present.
func (c *Cache) Get(ctx context.Context, recordID int64) (InventoryRecord, bool) {
	if c == nil || c.client == nil {
		return InventoryRecord{}, false
	}
	payload, err := c.client.Get(ctx, cacheKey(recordID)).Bytes()
	if err != nil {
		return InventoryRecord{}, false
	}
	var record InventoryRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return InventoryRecord{}, false
	}
	return record, true
}

// Set stores a record for the configured TTL.
func (c *Cache) Set(ctx context.Context, record InventoryRecord) {
	if c == nil || c.client == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, cacheKey(record.ID), payload, c.ttl).Err()
}

// Invalidate drops the cached record after a write.
func (c *Cache) Invalidate(ctx context.Context, recordID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(recordID)).Err()
}
