package denylist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "crm:revoked-family:"

// RedisDenylist stores one expiring key per revoked family.
type RedisDenylist struct {
	rdb redis.UniversalClient
}

func NewRedisDenylist(rdb redis.UniversalClient) *RedisDenylist {
	return &RedisDenylist{rdb: rdb}
}

func key(family string) string {
	return keyPrefix + family
}

func (d *RedisDenylist) Revoke(ctx context.Context, family string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("denylist ttl must be positive, got %s", ttl)
	}
	if err := d.rdb.Set(ctx, key(family), time.Now().UTC().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

func (d *RedisDenylist) IsRevoked(ctx context.Context, family string) (bool, error) {
	err := d.rdb.Get(ctx, key(family)).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, fmt.Errorf("redis error: %w", err)
	}
}
