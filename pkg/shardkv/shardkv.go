// Package shardkv wraps a Redis-compatible client with the hash-table and
// advisory-lock primitives the volume placement and snapshot-sync layers
// need against a volume's sharded backing store.
package shardkv

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client talks to one Redis shard. Volumes with multiple shards hold one
// Client per shard; sharding policy lives in internal/placement, not here.
type Client struct {
	rdb *redis.Client
}

// Connect dials a single Redis shard at addr, retrying up to attempts times
// at the given interval — volume placement's step 7 needs this because a
// freshly triggered disk's Redis instance can take a moment to come up.
func Connect(ctx context.Context, addr string, attempts int, interval time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	var err error
	for i := 0; i < attempts; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return &Client{rdb: rdb}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("shardkv: connect %s: %w", addr, err)
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// HSet writes one field of a hash key.
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.rdb.HSet(ctx, key, field, value).Err()
}

// HGet reads one field of a hash key.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	return c.rdb.HGet(ctx, key, field).Result()
}

// HDel removes one field from a hash key.
func (c *Client) HDel(ctx context.Context, key, field string) error {
	return c.rdb.HDel(ctx, key, field).Err()
}

// HLen returns the number of fields in a hash key.
func (c *Client) HLen(ctx context.Context, key string) (uint64, error) {
	n, err := c.rdb.HLen(ctx, key).Result()
	return uint64(n), err
}

// HScan walks a hash key's fields matching match, cursor-style.
func (c *Client) HScan(ctx context.Context, key, cursor, match string) (fields []string, nextCursor string, err error) {
	var startCursor uint64
	if _, err := fmt.Sscanf(cursor, "%d", &startCursor); cursor != "" && err != nil {
		return nil, "", fmt.Errorf("shardkv: hscan bad cursor %q: %w", cursor, err)
	}
	keys, next, err := c.rdb.HScan(ctx, key, startCursor, match, 0).Result()
	if err != nil {
		return nil, "", err
	}
	return keys, fmt.Sprintf("%d", next), nil
}

// KDel deletes a top-level key.
func (c *Client) KDel(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// KLock takes an advisory lock on key for seconds, via SET NX PX. force
// bypasses the NX check (steals the lock unconditionally), matching the
// source's "advisory, not exclusive" note — callers are trusted to use
// force only for cleanup after a confirmed-dead holder.
func (c *Client) KLock(ctx context.Context, key string, seconds int, force bool) (bool, error) {
	ttl := time.Duration(seconds) * time.Second
	if force {
		if err := c.rdb.Set(ctx, key, "1", ttl).Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	return c.rdb.SetNX(ctx, key, "1", ttl).Result()
}

// KUnlock releases an advisory lock taken with KLock.
func (c *Client) KUnlock(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Info runs INFO <section> against the shard, used by the snapshot sync
// waiter to read replication offsets.
func (c *Client) Info(ctx context.Context, section string) (string, error) {
	return c.rdb.Info(ctx, section).Result()
}
