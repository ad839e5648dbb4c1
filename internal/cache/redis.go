// Copyright 2025 James Ross
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const inFlightPrefix = "in-flight-data-item:"

// Redis backs the in-flight cache with a shared Redis, letting horizontally
// scaled ingress instances see each other's uploads.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(addr, password string, ttl time.Duration) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		ttl:    ttl,
	}
}

func (c *Redis) PutInFlight(ctx context.Context, dataItemID string) error {
	return c.client.Set(ctx, inFlightPrefix+dataItemID, "1", c.ttl).Err()
}

func (c *Redis) IsInFlight(ctx context.Context, dataItemID string) (bool, error) {
	n, err := c.client.Exists(ctx, inFlightPrefix+dataItemID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Redis) RemoveInFlight(ctx context.Context, dataItemID string) error {
	return c.client.Del(ctx, inFlightPrefix+dataItemID).Err()
}

func (c *Redis) Close() error { return c.client.Close() }
