// Package kv provides the short-term state store backing VRAM state
// mirroring, strike counters, the lockdown record, and health reports.
//
// All keys are namespaced under a configurable prefix. Values are JSON
// text or plain strings. The store is also the pub/sub fabric for
// lockdown broadcasts.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/oriys/vega/internal/logging"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is a Redis-backed key-value client with key namespacing.
type Store struct {
	client *redis.Client
	prefix string
}

// Config holds connection settings for the store.
type Config struct {
	Addr     string // Redis address (e.g. "localhost:6379")
	Password string // Redis password
	DB       int    // Redis database number
	Prefix   string // Key prefix for namespacing (default: "vega:")
}

// New creates a Redis-backed store.
func New(cfg Config) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "vega:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{
		client: client,
		prefix: prefix,
	}
}

// NewFromClient creates a store using an existing client.
func NewFromClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "vega:"
	}
	return &Store{
		client: client,
		prefix: prefix,
	}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// SetString stores a plain string value. A zero TTL means no expiry.
func (s *Store) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

// GetString fetches a plain string value.
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetJSON marshals value and stores it. A zero TTL means no expiry.
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), data, ttl).Err()
}

// GetJSON fetches a value and unmarshals it into dest.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Exists reports whether a key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Incr atomically increments an integer counter and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, s.key(key)).Result()
}

// GetInt fetches an integer counter. Missing keys read as 0.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, s.key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// Publish sends a message to all subscribers of a channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, s.key(channel), payload).Err()
}

// Subscribe opens a subscription on a channel. The caller owns the
// returned PubSub and must Close it.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, s.key(channel))
}

// ScanKeys returns all keys matching pattern (without the prefix applied
// to the pattern; results keep the prefix stripped).
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.key(pattern), 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// DBSize returns the total number of keys in the database.
func (s *Store) DBSize(ctx context.Context) (int64, error) {
	return s.client.DBSize(ctx).Result()
}

// MemoryUsedBytes reports the store's used_memory as seen by INFO.
func (s *Store) MemoryUsedBytes(ctx context.Context) (int64, error) {
	info, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(info, "\n") {
		if strings.HasPrefix(line, "used_memory:") {
			raw := strings.TrimSpace(strings.TrimPrefix(line, "used_memory:"))
			return strconv.ParseInt(raw, 10, 64)
		}
	}
	return 0, errors.New("kv: used_memory not reported")
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// WaitReady blocks until the store answers a ping or the deadline
// passes. Used at startup where an unreachable store is fatal.
func (s *Store) WaitReady(ctx context.Context, maxWait time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = maxWait

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if err := s.Ping(ctx); err != nil {
			logging.Op().Warn("kv store not ready", "attempt", attempt, "error", err)
			return err
		}
		logging.Op().Info("kv store connected", "attempt", attempt)
		return nil
	}, backoff.WithContext(policy, ctx))
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
