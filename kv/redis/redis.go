// Package redis provides a durable KeyValueStore on Redis. Step markers,
// fixed quantities and saga outcomes written here survive a process restart.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	issuance "github.com/x402-foundation/issuance"
)

// Store implements issuance.KeyValueStore with plain string keys under a prefix.
// Keys never expire: markers are the at-most-once record of ledger mutations.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Options configures the store
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "issuer:"
	Prefix string
}

// New connects to the Redis server described by opts
func New(opts Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts.Prefix)
}

// NewWithClient wraps an existing client
func NewWithClient(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get returns the value under key or issuance.ErrKeyNotFound
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, issuance.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Set writes value under key with no expiry
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent writes value with SETNX and reports whether the key was unset
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	return s.client.Close()
}

var _ issuance.KeyValueStore = (*Store)(nil)
