package crmsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisSegmentKeyPrefix = "relaycrm:segment:"

// RedisSegmentCache keeps the (network, space) → segment id mapping in Redis.
// SET is the last-writer-wins replace the cache contract needs; DeleteAll
// scans the tenant's key prefix.
type RedisSegmentCache struct {
	client *redis.Client
}

func NewRedisSegmentCache(dsn string) (*RedisSegmentCache, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	return &RedisSegmentCache{client: redis.NewClient(opts)}, nil
}

func NewRedisSegmentCacheWithClient(client *redis.Client) *RedisSegmentCache {
	return &RedisSegmentCache{client: client}
}

func redisSegmentKey(networkID, spaceID string) string {
	return fmt.Sprintf("%s%s:%s", redisSegmentKeyPrefix, networkID, spaceID)
}

func (c *RedisSegmentCache) Get(ctx context.Context, networkID, spaceID string) (string, error) {
	if c == nil || c.client == nil {
		return "", nil
	}
	segmentID, err := c.client.Get(ctx, redisSegmentKey(networkID, spaceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return segmentID, nil
}

func (c *RedisSegmentCache) Put(ctx context.Context, networkID, spaceID, segmentID string) error {
	if c == nil || c.client == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(networkID) == "" || strings.TrimSpace(spaceID) == "" || strings.TrimSpace(segmentID) == "" {
		return ErrInvalidInput
	}
	return c.client.Set(ctx, redisSegmentKey(networkID, spaceID), segmentID, 0).Err()
}

func (c *RedisSegmentCache) DeleteAll(ctx context.Context, networkID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	pattern := redisSegmentKeyPrefix + networkID + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (c *RedisSegmentCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
