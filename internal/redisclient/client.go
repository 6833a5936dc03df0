package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/extend_lock.lua
var extendLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	extendScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		extendScript:  redis.NewScript(extendLockScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GetJSON decodes the value at key into dst. A missing key reports false.
func (c *Client) GetJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("unmarshal %s failed: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v as JSON with a TTL
func (c *Client) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s failed: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Lock is a held distributed lock
type Lock struct {
	client *Client
	key    string
	token  string
}

// AcquireLock acquires a distributed lock. It returns nil when another owner holds it.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (*Lock, error) {
	key := fmt.Sprintf("lock:%s", lockKey)
	token := uuid.New().String()

	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock failed: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{client: c, key: key, token: token}, nil
}

// Extend pushes the expiry out while the lock is still owned
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	result, err := l.client.extendScript.Run(ctx, l.client.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lock script failed: %w", err)
	}
	return result == 1, nil
}

// Release deletes the lock only if it is still owned by this holder
func (l *Lock) Release(ctx context.Context) error {
	if _, err := l.client.releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Result(); err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
