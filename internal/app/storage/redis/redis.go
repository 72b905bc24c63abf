// Package redis implements the shared cache and counter store on Redis so
// entitlement cache entries and rate counters are visible across instances.
// Callers treat any error as "store unreachable" and degrade locally; the
// ledger never depends on this store.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/mintworks-ai/creditgate/internal/app/storage"
)

// Config holds connection settings.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Store implements storage.SharedStore backed by Redis.
type Store struct {
	client *goredis.Client
}

var _ storage.SharedStore = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client. Tests use it with a miniredis or a
// fake client.
func NewFromClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// IncrementWithExpiry increments atomically and stamps the window TTL on
// first increment. INCR and EXPIRE NX travel in one pipeline so a crash
// between them cannot leave an immortal counter.
func (s *Store) IncrementWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
