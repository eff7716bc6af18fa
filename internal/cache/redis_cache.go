package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
)

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisBillCache struct {
	client *redis.Client
	prefix string
}

func NewRedisBillCache(client *redis.Client) *RedisBillCache {
	return &RedisBillCache{client: client, prefix: "bill:"}
}

func (c *RedisBillCache) key(id string) string {
	return c.prefix + id
}

func (c *RedisBillCache) Get(ctx context.Context, id string) (*domain.Bill, bool, error) {
	val, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var bill domain.Bill
	if err := json.Unmarshal(val, &bill); err != nil {
		return nil, false, err
	}
	return &bill, true, nil
}

func (c *RedisBillCache) Set(ctx context.Context, bill *domain.Bill, ttl time.Duration) error {
	if bill == nil || bill.ID == "" {
		return nil
	}
	payload, err := json.Marshal(bill)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(bill.ID), payload, ttl).Err()
}

func (c *RedisBillCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}
