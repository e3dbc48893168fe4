// Package cache keeps order book snapshots in redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/tokenex/internal/models"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "orderbook:"

// Client is the subset of the redis client the cache uses
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewRedisClient connects to redis and checks the connection
func NewRedisClient(ctx context.Context, addr, username, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: username,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// OrderBookCache stores order book snapshots with a short TTL
type OrderBookCache struct {
	client Client
	ttl    time.Duration
}

// NewOrderBookCache creates a cache whose entries expire after ttl
func NewOrderBookCache(client Client, ttl time.Duration) *OrderBookCache {
	return &OrderBookCache{client: client, ttl: ttl}
}

func key(instrumentID string) string {
	return keyPrefix + instrumentID
}

// Get returns the cached snapshot, if any
func (c *OrderBookCache) Get(ctx context.Context, instrumentID string) (*models.OrderBook, bool, error) {
	data, err := c.client.Get(ctx, key(instrumentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read order book snapshot: %w", err)
	}

	var book models.OrderBook
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, false, fmt.Errorf("failed to decode order book snapshot: %w", err)
	}
	return &book, true, nil
}

// Set stores a snapshot
func (c *OrderBookCache) Set(ctx context.Context, book *models.OrderBook) error {
	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("failed to encode order book snapshot: %w", err)
	}
	if err := c.client.Set(ctx, key(book.InstrumentID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write order book snapshot: %w", err)
	}
	return nil
}

// Invalidate drops the snapshot of an instrument
func (c *OrderBookCache) Invalidate(ctx context.Context, instrumentID string) error {
	if err := c.client.Del(ctx, key(instrumentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete order book snapshot: %w", err)
	}
	return nil
}
