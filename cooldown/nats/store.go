// Package nats stores endpoint cooldowns in a NATS JetStream key-value bucket.
//
// JetStream KV expiry is per bucket, so every value carries its own deadline
// ("<expires unix ms>|<payload>") and expired entries are treated as absent.
package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// KeyValue is the subset of jetstream.KeyValue the store uses.
type KeyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

// Config holds bucket settings.
type Config struct {
	// Bucket is the KV bucket name.
	Bucket string

	// MaxAge bounds how long any entry survives in the bucket regardless of
	// its own deadline. Default: 1h
	MaxAge time.Duration

	// Replicas for the bucket stream. Default: 1
	Replicas int
}

// DefaultConfig returns configuration with defaults filled in.
func DefaultConfig() Config {
	return Config{
		Bucket:   "ghgov-cooldown",
		MaxAge:   time.Hour,
		Replicas: 1,
	}
}

// Store implements the governor's cooldown store on a KV bucket.
type Store struct {
	kv  KeyValue
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to judge expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open creates or updates the bucket on conn and returns a store backed by it.
func Open(ctx context.Context, conn *nats.Conn, cfg Config, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = def.Replicas
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "ghgovernor endpoint cooldowns",
		TTL:         cfg.MaxAge,
		History:     1,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}
	return New(kv, opts...), nil
}

// New wraps an existing bucket.
func New(kv KeyValue, opts ...Option) *Store {
	s := &Store{kv: kv, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// encodeKey maps arbitrary keys onto the KV key alphabet.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func encodeValue(expiresAt time.Time, value string) []byte {
	return []byte(strconv.FormatInt(expiresAt.UnixMilli(), 10) + "|" + value)
}

func decodeValue(raw []byte) (time.Time, string, bool) {
	ts, value, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", false
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.UnixMilli(ms), value, true
}

// lookup returns the live entry under key. rev is the entry revision even
// when the entry is expired, so callers can replace it.
func (s *Store) lookup(ctx context.Context, key string) (value string, expiresAt time.Time, rev uint64, live bool, err error) {
	entry, err := s.kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", time.Time{}, 0, false, nil
	}
	if err != nil {
		return "", time.Time{}, 0, false, fmt.Errorf("kv get: %w", err)
	}
	rev = entry.Revision()
	if entry.Operation() != jetstream.KeyValuePut {
		return "", time.Time{}, rev, false, nil
	}
	expiresAt, value, ok := decodeValue(entry.Value())
	if !ok || !s.now().Before(expiresAt) {
		return "", time.Time{}, rev, false, nil
	}
	return value, expiresAt, rev, true, nil
}

// Get returns the value under key if it has not expired.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, _, _, live, err := s.lookup(ctx, key)
	return value, live, err
}

// SetIfAbsent creates the entry, or replaces an expired one by revision.
// Losing either race reports false without error.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	payload := encodeValue(s.now().Add(ttl), value)

	_, err := s.kv.Create(ctx, encodeKey(key), payload)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, fmt.Errorf("kv create: %w", err)
	}

	_, _, rev, live, err := s.lookup(ctx, key)
	if err != nil {
		return false, err
	}
	if live || rev == 0 {
		return false, nil
	}
	if _, err := s.kv.Update(ctx, encodeKey(key), payload, rev); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("kv update: %w", err)
	}
	return true, nil
}

// TTL returns the remaining lifetime of key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	_, expiresAt, _, live, err := s.lookup(ctx, key)
	if err != nil || !live {
		return 0, false, err
	}
	return expiresAt.Sub(s.now()), true, nil
}
