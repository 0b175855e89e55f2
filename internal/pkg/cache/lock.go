package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const lockKeyPrefix = "entitlement:lock:"

var ErrLockTimeout = errors.New("timed out waiting for user lock")

// UserLock 按用户串行化权益写入，多实例部署下同样生效
type UserLock struct {
	rdb      *redis.Client
	ttl      time.Duration
	wait     time.Duration
	interval time.Duration
}

func NewUserLock(rdb *redis.Client, ttl, wait time.Duration) *UserLock {
	return &UserLock{
		rdb:      rdb,
		ttl:      ttl,
		wait:     wait,
		interval: 20 * time.Millisecond,
	}
}

// Acquire 获取用户锁，返回释放函数
func (l *UserLock) Acquire(ctx context.Context, userID int64) (func(), error) {
	key := lockKeyPrefix + strconv.FormatInt(userID, 10)

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}
	token := hex.EncodeToString(buf)

	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.interval):
		}
	}

	release := func() {
		if err := l.release(key, token); err != nil {
			log.Printf("Failed to release lock for user %d, held until ttl: %v", userID, err)
		}
	}
	return release, nil
}

// release 只删除自己持有的锁，锁已过期或被他人持有时不做处理
func (l *UserLock) release(key, token string) error {
	ctx := context.Background()
	return l.rdb.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err == redis.Nil || (err == nil && val != token) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
}
