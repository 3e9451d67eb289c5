// Package redisstore persists serialized provider snapshots in Redis so a
// fleet of resource servers can share a warm set of issuers.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/oauth-resource-go/providers"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed snapshot store. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Key under which the snapshot is stored. ENV: PROVIDERS_SNAPSHOT_KEY
	Key string `env:"PROVIDERS_SNAPSHOT_KEY,default=oauth:providers:snapshot"`

	// Client overrides RedisAddr with a preconfigured client.
	Client *redis.Client
}

// Store persists provider snapshots under a single Redis key.
type Store struct {
	client *redis.Client
	key    string
}

// New creates a store from cfg. When cfg.Client is nil it dials RedisAddr
// and verifies connectivity with a ping; a supplied client is used as-is,
// without a ping.
func New(cfg Config) (*Store, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	key := cfg.Key
	if key == "" {
		key = "oauth:providers:snapshot"
	}
	return &Store{client: client, key: key}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// Load fetches and decodes the snapshot. A missing key yields a nil
// snapshot and no error.
func (s *Store) Load(ctx context.Context) (*providers.Snapshot, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redisstore: get %s: %w", s.key, err)
	}
	var snap providers.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("redisstore: decode %s: %w", s.key, err)
	}
	return &snap, nil
}

// Save encodes and stores the snapshot.
func (s *Store) Save(ctx context.Context, snap *providers.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redisstore: encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, b, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", s.key, err)
	}
	return nil
}
