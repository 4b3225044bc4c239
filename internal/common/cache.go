package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lgulliver/otagate/pkg/config"
	"github.com/lgulliver/otagate/pkg/types"
	"github.com/redis/go-redis/v9"
)

const (
	// StatusKey holds the latest update status snapshot
	StatusKey = "ota:update:status"
	// StatusChannel receives every published snapshot
	StatusChannel = "ota:update:events"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("key not found")

// Cache wraps the Redis client used for status fan-out
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a new cache instance
func NewCache(cfg *config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewCacheFromClient(client, cfg.TTL), nil
}

// NewCacheFromClient wraps an existing client
func NewCacheFromClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Publish stores status under StatusKey and announces it on StatusChannel
func (c *Cache) Publish(ctx context.Context, status types.UpdateStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, StatusKey, data, c.ttl)
	pipe.Publish(ctx, StatusChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}

// LastStatus returns the most recently published status
func (c *Cache) LastStatus(ctx context.Context) (*types.UpdateStatus, error) {
	var status types.UpdateStatus
	if err := c.Get(ctx, StatusKey, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Get retrieves a value and unmarshals it
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("failed to get value: %w", err)
	}

	return json.Unmarshal([]byte(data), dest)
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}
