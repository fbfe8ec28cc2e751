// Package redis stores endpoint cooldowns in Redis so that every process
// sharing the server backs off together.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Client is the subset of redis.Cmdable the store uses.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	PTTL(ctx context.Context, key string) *goredis.DurationCmd
}

// Store implements the governor's cooldown store on top of GET, SET NX PX and PTTL.
type Store struct {
	client Client
}

// New wraps an existing client, for example *redis.Client or *redis.ClusterClient.
func New(client Client) *Store {
	return &Store{client: client}
}

// Dial parses a redis:// URL, connects and pings the server.
func Dial(ctx context.Context, rawURL string) (*Store, *goredis.Client, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client), client, nil
}

// Get returns the value under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

// SetIfAbsent issues SET key value PX ttl NX.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// TTL issues PTTL. A key without expiry reports found with zero remaining.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis pttl %s: %w", key, err)
	}
	switch {
	case d == -1:
		return 0, true, nil
	case d < 0:
		return 0, false, nil
	default:
		return d, true, nil
	}
}
