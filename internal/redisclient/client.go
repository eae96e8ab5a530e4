package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	newToken      func() string
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		newToken:      uuid.NewString,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func entitlementKey(userID, courseID string) string {
	return fmt.Sprintf("entitlement:%s:%s", userID, courseID)
}

// HasEntitlement reports whether a positive entitlement is cached
func (c *Client) HasEntitlement(ctx context.Context, userID, courseID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, entitlementKey(userID, courseID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetEntitlement caches a positive entitlement
func (c *Client) SetEntitlement(ctx context.Context, userID, courseID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, entitlementKey(userID, courseID), "1", ttl).Err()
}

// DeleteEntitlement drops a cached entitlement
func (c *Client) DeleteEntitlement(ctx context.Context, userID, courseID string) error {
	return c.rdb.Del(ctx, entitlementKey(userID, courseID)).Err()
}

// AcquireLock tries to take a distributed lock. The returned token must be
// passed to ReleaseLock.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := c.newToken()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock releases a lock only if it is still held with token
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
