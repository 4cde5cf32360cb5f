package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"posledger/backend/internal/domain"
)

const receiptKeyPrefix = "posledger:receipt:"

type RedisReceiptCache struct {
	client *redis.Client
}

func NewRedisReceiptCache(addr string, password string, db int) *RedisReceiptCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisReceiptCache{client: client}
}

func (c *RedisReceiptCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReceiptCache) Close() error {
	return c.client.Close()
}

func (c *RedisReceiptCache) Get(ctx context.Context, idempotencyKey string) (*domain.CheckoutResult, bool, error) {
	val, err := c.client.Get(ctx, receiptKeyPrefix+idempotencyKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp domain.CheckoutResult
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisReceiptCache) Set(ctx context.Context, idempotencyKey string, value *domain.CheckoutResult, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, receiptKeyPrefix+idempotencyKey, payload, ttl).Err()
}
