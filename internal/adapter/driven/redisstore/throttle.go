// Package redisstore implements shared state on Redis for deployments that
// run more than one panel process against the same engine.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

const refreshKeyPrefix = "vpnpanel:traffic-refresh:"

// Compile-time interface satisfaction check.
var _ driven.RefreshThrottle = (*Throttle)(nil)

// Open parses a redis:// URL, connects and verifies the server responds.
func Open(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Throttle allows one traffic refresh per credential per interval across all
// processes sharing the Redis server.
type Throttle struct {
	client   *redis.Client
	interval time.Duration
}

// NewThrottle creates a Throttle with the given minimum refresh interval.
func NewThrottle(client *redis.Client, interval time.Duration) *Throttle {
	return &Throttle{client: client, interval: interval}
}

// Allow claims the refresh slot for uuid. The key expires after the interval,
// which reopens the slot.
func (t *Throttle) Allow(ctx context.Context, uuid string) (bool, error) {
	if t.interval <= 0 {
		return true, nil
	}
	ok, err := t.client.SetNX(ctx, refreshKeyPrefix+uuid, time.Now().UTC().Format(time.RFC3339), t.interval).Result()
	if err != nil {
		return false, fmt.Errorf("claim refresh slot %s: %w", uuid, err)
	}
	return ok, nil
}
