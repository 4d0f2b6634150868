// Package cache stores computed per-tenant results in Redis. Each tenant has a
// generation counter embedded in every key; bumping it orphans all of the
// tenant's entries at once, and the TTL reclaims them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "rcm"

type Store struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// New returns a Store. A nil client yields a Store that always misses.
func New(client redis.Cmdable, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, prefix: defaultPrefix}
}

func (s *Store) enabled() bool {
	return s != nil && s.client != nil
}

func (s *Store) genKey(tenantID string) string {
	return fmt.Sprintf("%s:%s:gen", s.prefix, tenantID)
}

// Generation returns the tenant's current generation. Read it before
// loading the data a cached value is computed from, and hand the same value
// to SetJSON: a result computed across an Invalidate then lands under a key
// no later reader asks for.
func (s *Store) Generation(ctx context.Context, tenantID string) (int64, error) {
	if !s.enabled() {
		return 0, nil
	}
	gen, err := s.client.Get(ctx, s.genKey(tenantID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache generation: %w", err)
	}
	return gen, nil
}

func (s *Store) key(tenantID string, gen int64, name string) string {
	return fmt.Sprintf("%s:%s:g%d:%s", s.prefix, tenantID, gen, name)
}

// GetJSON decodes the value cached for name at generation gen into dst and
// reports whether it was present.
func (s *Store) GetJSON(ctx context.Context, tenantID string, gen int64, name string, dst interface{}) (bool, error) {
	if !s.enabled() {
		return false, nil
	}
	k := s.key(tenantID, gen, name)
	raw, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", k, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", k, err)
	}
	return true, nil
}

// SetJSON stores v under name at generation gen, which must be the value
// Generation returned before v was computed.
func (s *Store) SetJSON(ctx context.Context, tenantID string, gen int64, name string, v interface{}) error {
	if !s.enabled() {
		return nil
	}
	k := s.key(tenantID, gen, name)
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	if err := s.client.Set(ctx, k, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", k, err)
	}
	return nil
}

// Invalidate bumps the tenant generation.
func (s *Store) Invalidate(ctx context.Context, tenantID string) error {
	if !s.enabled() {
		return nil
	}
	if err := s.client.Incr(ctx, s.genKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("bump cache generation for %s: %w", tenantID, err)
	}
	return nil
}

// NewClient parses a redis:// URL and verifies connectivity.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
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
