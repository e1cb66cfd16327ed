package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/entryline/gatescan/internal/domain"
)

// RedisCache shares last-known ticket state between scanner processes on
// the same venue box. Snapshots expire so a device cannot act on stale
// evidence indefinitely.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(url, password string, db int, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	opts.DB = db

	return &RedisCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

func key(code string) string {
	// Codes are admission credentials; hash them before they touch
	// a shared keyspace.
	sum := sha256.Sum256([]byte(code))
	return fmt.Sprintf("ticket:snapshot:%x", sum)
}

func (c *RedisCache) Get(ctx context.Context, code string) (*domain.TicketSnapshot, error) {
	raw, err := c.client.Get(ctx, key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap domain.TicketSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("corrupt ticket snapshot: %w", err)
	}
	return &snap, nil
}

func (c *RedisCache) Put(ctx context.Context, snapshot *domain.TicketSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(snapshot.Code), raw, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ TicketCache = (*RedisCache)(nil)
