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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/vectralabs/vectra/lib/defaults"
)

type managerEnv struct {
	clock   *clockwork.FakeClock
	l1      *MemStore
	l2      *RedisStore
	mr      *miniredis.Miniredis
	manager *Manager
}

func newManagerEnv(t *testing.T, withL2 bool) *managerEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	env := &managerEnv{clock: clock}

	env.l1 = newTestStore(t, EvictHybrid, clock)

	cfg := ManagerConfig{
		L1:    env.l1,
		Clock: clock,
	}
	if withL2 {
		env.mr = miniredis.RunT(t)
		env.l2, _ = newTestRedisStore(t, env.mr, clock)
		cfg.L2 = env.l2
	}

	manager, err := NewManager(cfg)
	require.NoError(t, err)
	env.manager = manager
	return env
}

func TestManagerL1Hit(t *testing.T) {
	t.Parallel()

	env := newManagerEnv(t, true)
	ctx := context.Background()

	env.manager.Set(ctx, "k", []byte("v"), time.Minute, time.Minute, 5, nil)

	payload, source, err := env.manager.Get(ctx, "k", GetOpts{})
	require.NoError(t, err)
	require.Equal(t, SourceL1, source)
	require.Equal(t, []byte("v"), payload)
}

func TestManagerL2HitPromotesToL1(t *testing.T) {
	t.Parallel()

	env := newManagerEnv(t, true)
	ctx := context.Background()

	// Seed only the distributed tier, as if another instance wrote it.
	require.NoError(t, env.l2.Set(ctx, "k", []byte("v"), 10*time.Minute))

	payload, source, err := env.manager.Get(ctx, "k", GetOpts{})
	require.NoError(t, err)
	require.Equal(t, SourceL2, source)
	require.Equal(t, []byte("v"), payload)

	// The hit was written through to L1; the next read is local.
	_, source, err = env.manager.Get(ctx, "k", GetOpts{})
	require.NoError(t, err)
	require.Equal(t, SourceL1, source)
}

func TestManagerPromotionClampsTTL(t *testing.T) {
	t.Parallel()

	env := newManagerEnv(t, true)
	ctx := context.Background()

	// The remaining L2 lifetime is shorter than the default promotion
	// TTL, so the L1 copy must not outlive its origin.
	require.NoError(t, env.l2.Set(ctx, "k", []byte("v"), 2*time.Minute))

	_, source, err := env.manager.Get(ctx, "k", GetOpts{})
	require.NoError(t, err)
	require.Equal(t, SourceL2, source)

	entry, ok := env.l1.Peek("k")
	require.True(t, ok)
	require.Equal(t, env.clock.Now().Add(2*time.Minute), entry.ExpiresAt)
}

func TestManagerFallbackPopulatesTiers(t *testing.T) {
	t.Parallel()

	env := newManagerEnv(t, true)
	ctx := context.Background()

	calls := 0
	opts := GetOpts{
		Fallback: func(ctx context.Context) ([]byte, error) {
			calls++
			return []byte("computed"), nil
		},
		L1TTL: time.Minute,
		L2TTL: time.Minute,
	}

	payload, source, err := env.manager.Get(ctx, "k", opts)
	require.NoError(t, err)
	require.Equal(t, SourceFallback, source)
	require.Equal(t, []byte("computed"), payload)
	require.Equal(t, 1, calls)

	// Both tiers now hold the computed value.
	_, ok := env.l1.Peek("k")
	require.True(t, ok)
	require.True(t, env.mr.Exists(defaults.L2KeyPrefix+"k"))

	_, source, err = env.manager.Get(ctx, "k", opts)
	require.NoError(t, err)
	require.Equal(t, SourceL1, source)
	require.Equal(t, 1, calls)
}

func TestManagerFallbackErrorPropagates(t *testing.T) {
	t.Parallel()

	env := newManagerEnv(t, false)

	_, source, err := env.manager.Get(context.Background(), "k", GetOpts{
		Fallback: func(ctx context.Context) ([]byte, error) {
			return nil, trace.NotFound("no such resource")
		},
	})
	require.True(t, trace.IsNotFound(err))
	require.Equal(t, SourceMiss, source)
}

func TestManagerMissWithoutFallback(t *testing.T) {
	t.Parallel()

	env := newManagerEnv(t, false)

	payload, source, err := env.manager.Get(context.Background(), "absent", GetOpts{})
	require.NoError(t, err)
	require.Equal(t, SourceMiss, source)
	require.Nil(t, payload)
}

func TestManagerL2OutageDegradesToFallback(t *testing.T) {
	t.Parallel()

	env := newManagerEnv(t, true)
	ctx := context.Background()

	env.mr.Close()

	payload, source, err := env.manager.Get(ctx, "k", GetOpts{
		Fallback: func(ctx context.Context) ([]byte, error) {
			return []byte("computed"), nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, SourceFallback, source)
	require.Equal(t, []byte("computed"), payload)

	// L1 still took the write even though L2 is down.
	_, source, err = env.manager.Get(ctx, "k", GetOpts{})
	require.NoError(t, err)
	require.Equal(t, SourceL1, source)
}

func TestManagerInvalidateIsIdempotent(t *testing.T) {
	t.Parallel()

	env := newManagerEnv(t, true)
	ctx := context.Background()

	env.manager.Set(ctx, "k", []byte("v"), time.Minute, time.Minute, 5, nil)

	env.manager.Invalidate(ctx, "k")
	env.manager.Invalidate(ctx, "k")

	_, source, err := env.manager.Get(ctx, "k", GetOpts{})
	require.NoError(t, err)
	require.Equal(t, SourceMiss, source)
	require.False(t, env.mr.Exists(defaults.L2KeyPrefix+"k"))
}

func TestManagerInvalidatePattern(t *testing.T) {
	t.Parallel()

	env := newManagerEnv(t, true)
	ctx := context.Background()

	env.manager.Set(ctx, "auth:generation:alice:g1:media", []byte("v"), time.Minute, time.Minute, 5, nil)
	env.manager.Set(ctx, "auth:generation:alice:g2:media", []byte("v"), time.Minute, time.Minute, 5, nil)
	env.manager.Set(ctx, "auth:generation:bob:g1:media", []byte("v"), time.Minute, time.Minute, 5, nil)

	removed, err := env.manager.InvalidatePattern(ctx, "auth:*:alice:*")
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	require.Equal(t, 1, env.l1.Len())
	require.False(t, env.mr.Exists(defaults.L2KeyPrefix+"auth:generation:alice:g1:media"))
	require.True(t, env.mr.Exists(defaults.L2KeyPrefix+"auth:generation:bob:g1:media"))
}

func TestManagerInvalidateByTag(t *testing.T) {
	t.Parallel()

	env := newManagerEnv(t, true)
	ctx := context.Background()

	env.manager.Set(ctx, "auth:user_profile:alice", []byte("v"), time.Minute, time.Minute, 5, []string{"user:alice"})
	env.manager.Set(ctx, "auth:user_profile:bob", []byte("v"), time.Minute, time.Minute, 5, []string{"user:bob"})

	require.Equal(t, 1, env.manager.InvalidateByTag(ctx, "user:alice"))
	require.Equal(t, 1, env.l1.Len())
	require.False(t, env.mr.Exists(defaults.L2KeyPrefix+"auth:user_profile:alice"))
	require.True(t, env.mr.Exists(defaults.L2KeyPrefix+"auth:user_profile:bob"))
}

func TestManagerStats(t *testing.T) {
	t.Parallel()

	env := newManagerEnv(t, true)
	ctx := context.Background()

	env.manager.Set(ctx, "k", []byte("v"), time.Minute, time.Minute, 5, nil)
	env.manager.Get(ctx, "k", GetOpts{})      // l1 hit
	env.manager.Get(ctx, "absent", GetOpts{}) // l1 and l2 miss

	stats := env.manager.Stats()
	require.Equal(t, uint64(1), stats.L1.Hits)
	require.Equal(t, uint64(1), stats.L1.Misses)
	require.Equal(t, uint64(1), stats.L2.Misses)
	require.True(t, stats.L1.Available)
	require.True(t, stats.L2.Available)
	require.False(t, stats.L3.Available)
	require.InDelta(t, 100.0/3.0, stats.OverallHitRate, 0.01)
	require.Equal(t, 1, stats.L1Entries)
}

func TestManagerHealth(t *testing.T) {
	t.Parallel()

	env := newManagerEnv(t, true)

	health := env.manager.Health(context.Background())
	require.True(t, health.OverallOK)
	require.True(t, health.L1OK)
	require.True(t, health.L2OK)
	require.False(t, health.L3OK)

	env.mr.Close()
	health = env.manager.Health(context.Background())
	require.False(t, health.L2OK)
	require.False(t, health.OverallOK)
}

type fakeWarmer struct {
	triggered chan struct{}
}

func (f *fakeWarmer) ScheduledWarm(ctx context.Context) error {
	select {
	case f.triggered <- struct{}{}:
	default:
	}
	return nil
}

func TestManagerScheduledWarmTrigger(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	l1 := newTestStore(t, EvictHybrid, clock)
	manager, err := NewManager(ManagerConfig{
		L1:           l1,
		Clock:        clock,
		WarmInterval: time.Minute,
	})
	require.NoError(t, err)

	warmer := &fakeWarmer{triggered: make(chan struct{}, 1)}
	manager.Wire(warmer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Run(ctx)
	}()

	// Both maintenance tickers must exist before time moves.
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(time.Minute)

	select {
	case <-warmer.triggered:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled warming was not triggered")
	}

	cancel()
	<-done
}
