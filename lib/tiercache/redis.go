// Vectra
// Copyright (C) 2025 Vectra Labs, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package tiercache

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/vectralabs/vectra/lib/breaker"
	"github.com/vectralabs/vectra/lib/defaults"
)

// RemoteStore is the capability set the manager requires from the remote
// tier. [RedisStore] is the production implementation.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration, tags ...string) error
	Delete(ctx context.Context, key string) error
	DeleteByPattern(ctx context.Context, pattern string) (int, error)
	DeleteByTag(ctx context.Context, tag string) (int, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisStoreConfig contains parameters for [NewRedisStore].
type RedisStoreConfig struct {
	// Addr is the host:port of the redis server.
	Addr string
	// Password authenticates the connection, if set.
	Password string
	// DB selects the redis logical database.
	DB int
	// PoolSize bounds the connection pool.
	PoolSize int
	// Deadline bounds every individual call.
	Deadline time.Duration
	// KeyPrefix namespaces every key; defaults to the fixed l2 prefix.
	KeyPrefix string
	// Breaker guards every call. Required.
	Breaker *breaker.CircuitBreaker
}

// CheckAndSetDefaults validates the config and fills in omitted fields.
func (c *RedisStoreConfig) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing redis address")
	}
	if c.Breaker == nil {
		return trace.BadParameter("missing circuit breaker")
	}
	if c.PoolSize < 0 {
		return trace.BadParameter("pool size must not be negative")
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaults.L2MaxConnections
	}
	if c.Deadline <= 0 {
		c.Deadline = defaults.L2Deadline
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaults.L2KeyPrefix
	}
	return nil
}

// RedisStore adapts a redis client into the remote cache tier. Every call is
// wrapped in the circuit breaker and bounded by a per-call deadline; while
// the breaker is open calls fail fast without touching the wire.
type RedisStore struct {
	cfg    RedisStoreConfig
	client *redis.Client
}

// NewRedisStore connects a RedisStore. The connection itself is lazy; the
// first call establishes it.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	return &RedisStore{cfg: cfg, client: client}, nil
}

// Get returns the payload stored under key. A missing key yields a not found
// error and does not count against the breaker.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.guarded(ctx, func(ctx context.Context) error {
		b, err := s.client.Get(ctx, s.cfg.KeyPrefix+key).Bytes()
		if err != nil {
			return err
		}
		payload = b
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return payload, nil
}

// Set stores payload under key with the given ttl. Tags index the key in
// per-tag sets so [RedisStore.DeleteByTag] can enumerate it later.
func (s *RedisStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration, tags ...string) error {
	return trace.Wrap(s.guarded(ctx, func(ctx context.Context) error {
		full := s.cfg.KeyPrefix + key
		if len(tags) == 0 {
			return s.client.Set(ctx, full, payload, ttl).Err()
		}
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, payload, ttl)
			for _, tag := range tags {
				set := s.tagKey(tag)
				pipe.SAdd(ctx, set, full)
				if ttl > 0 {
					// The tag set must outlive its longest-lived member.
					pipe.ExpireNX(ctx, set, ttl)
					pipe.ExpireGT(ctx, set, ttl)
				} else {
					pipe.Persist(ctx, set)
				}
			}
			return nil
		})
		return err
	}))
}

// Delete removes the entry for key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return trace.Wrap(s.guarded(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, s.cfg.KeyPrefix+key).Err()
	}))
}

// DeleteByPattern removes every key matching the glob pattern using a cursor
// scan, so a large invalidation does not block the server. Returns how many
// keys were removed.
func (s *RedisStore) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	removed := 0
	err := s.guarded(ctx, func(ctx context.Context) error {
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, s.cfg.KeyPrefix+pattern, defaults.L2ScanBatch).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				n, err := s.client.Del(ctx, keys...).Result()
				if err != nil {
					return err
				}
				removed += int(n)
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	if err != nil {
		return removed, trace.Wrap(err)
	}
	return removed, nil
}

// DeleteByTag removes every key indexed under tag, plus the tag set itself.
// Returns how many indexed keys were removed; members that already expired
// do not count.
func (s *RedisStore) DeleteByTag(ctx context.Context, tag string) (int, error) {
	removed := 0
	err := s.guarded(ctx, func(ctx context.Context) error {
		set := s.tagKey(tag)
		members, err := s.client.SMembers(ctx, set).Result()
		if err != nil {
			return err
		}
		if len(members) > 0 {
			n, err := s.client.Del(ctx, members...).Result()
			if err != nil {
				return err
			}
			removed = int(n)
		}
		return s.client.Del(ctx, set).Err()
	})
	if err != nil {
		return removed, trace.Wrap(err)
	}
	return removed, nil
}

// tagKey is the redis set holding the members of one tag. Tag sets live
// under the same namespace prefix as the data keys but outside any cache
// key shape, so pattern invalidation never touches them.
func (s *RedisStore) tagKey(tag string) string {
	return s.cfg.KeyPrefix + "tag:" + tag
}

// TTL returns the remaining lifetime of key. A key without expiry reports
// zero; a missing key yields a not found error.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.guarded(ctx, func(ctx context.Context) error {
		d, err := s.client.TTL(ctx, s.cfg.KeyPrefix+key).Result()
		if err != nil {
			return err
		}
		ttl = d
		return nil
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	// The server reports -2 for a missing key and -1 for no expiry; the
	// client passes both through as raw durations, not scaled to seconds.
	switch {
	case ttl == time.Duration(-2):
		return 0, trace.NotFound("key %q not found", key)
	case ttl < 0:
		return 0, nil
	}
	return ttl, nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return trace.Wrap(s.guarded(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	}))
}

// Info returns the raw server info block, for diagnostics.
func (s *RedisStore) Info(ctx context.Context) (string, error) {
	var info string
	err := s.guarded(ctx, func(ctx context.Context) error {
		out, err := s.client.Info(ctx).Result()
		if err != nil {
			return err
		}
		info = out
		return nil
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return info, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return trace.Wrap(s.client.Close())
}

// guarded runs fn under the circuit breaker with the per-call deadline.
// redis.Nil is translated to a not found error and does not bump the
// breaker; every other failure does.
func (s *RedisStore) guarded(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.cfg.Breaker.Allow() {
		return trace.ConnectionProblem(nil, "l2 tier unavailable: circuit breaker is open")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()

	err := fn(ctx)
	switch {
	case err == nil:
		s.cfg.Breaker.OnSuccess()
		return nil
	case errors.Is(err, redis.Nil):
		// A miss is a healthy response.
		s.cfg.Breaker.OnSuccess()
		return trace.NotFound("key not found")
	default:
		s.cfg.Breaker.OnFailure()
		return trace.ConnectionProblem(err, "l2 tier call failed")
	}
}
