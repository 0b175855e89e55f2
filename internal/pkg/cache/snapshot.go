package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const snapshotKeyPrefix = "entitlement:snapshot:"

// SnapshotCache 缓存支付渠道返回的客户快照，减少实时查询
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSnapshotCache(rdb *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: rdb, ttl: ttl}
}

func snapshotKey(userID int64) string {
	return snapshotKeyPrefix + strconv.FormatInt(userID, 10)
}

// Get 读取快照到 v，未命中返回 false
func (c *SnapshotCache) Get(ctx context.Context, userID int64, v interface{}) (bool, error) {
	data, err := c.rdb.Get(ctx, snapshotKey(userID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		// 格式损坏按未命中处理
		c.rdb.Del(ctx, snapshotKey(userID))
		return false, nil
	}
	return true, nil
}

// Set 写入快照，ttl 为 0 时不缓存
func (c *SnapshotCache) Set(ctx context.Context, userID int64, v interface{}) error {
	if c.ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return c.rdb.Set(ctx, snapshotKey(userID), data, c.ttl).Err()
}

// Invalidate 权益变化后删除快照
func (c *SnapshotCache) Invalidate(ctx context.Context, userID int64) error {
	return c.rdb.Del(ctx, snapshotKey(userID)).Err()
}
