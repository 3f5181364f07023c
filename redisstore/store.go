// Package redisstore persists SDK session state in Redis, so several
// processes on one host (or a fleet behind one account) share a credential.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every error returned by the Redis client.
var ErrRedisUnavailable = errors.New("redis unavailable")

const defaultPrefix = "authrelay"

// Options configures a Store.
type Options struct {
	// Prefix namespaces keys as "<prefix>:<key>". Defaults to "authrelay".
	Prefix string
	// TTL expires persisted values; zero keeps them until deleted.
	TTL time.Duration
}

// Store implements sdk.Store on top of a go-redis client.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New wraps rdb. The caller owns the client and closes it.
func New(rdb redis.UniversalClient, opts Options) *Store {
	prefix := strings.TrimSuffix(strings.TrimSpace(opts.Prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, ttl: opts.TTL}
}

func (s *Store) key(name string) string {
	return s.prefix + ":" + name
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Delete is idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
