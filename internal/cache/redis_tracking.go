package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/outbound-delivery/internal/model"
)

type RedisTrackingCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisTrackingCache(rdb *redis.Client, ttl time.Duration) *RedisTrackingCache {
	return &RedisTrackingCache{rdb: rdb, ttl: ttl}
}

func trackingKey(target, destination string) string {
	return fmt.Sprintf("tracking:%s:%s", target, destination)
}

func (c *RedisTrackingCache) Store(ctx context.Context, rec model.TrackingRecord) error {
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, trackingKey(rec.Target, rec.Destination), b, c.ttl).Err()
}

func (c *RedisTrackingCache) Lookup(ctx context.Context, destination, target string) (model.TrackingRecord, error) {
	raw, err := c.rdb.Get(ctx, trackingKey(target, destination)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.TrackingRecord{}, ErrMiss
	}
	if err != nil {
		return model.TrackingRecord{}, err
	}

	var rec model.TrackingRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.TrackingRecord{}, fmt.Errorf("decode tracking %q: %w", trackingKey(target, destination), err)
	}
	return rec, nil
}

func (c *RedisTrackingCache) Invalidate(ctx context.Context, destination, target string) error {
	return c.rdb.Del(ctx, trackingKey(target, destination)).Err()
}

var _ TrackingCache = (*RedisTrackingCache)(nil)
