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
	"fmt"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const testBudget = 1 << 20 // smallest accepted budget; per-entry cap ~100 KiB

func newTestStore(t *testing.T, policy EvictionPolicy, clock clockwork.Clock) *MemStore {
	t.Helper()
	store, err := NewMemStore(MemStoreConfig{
		MaxBytes: testBudget,
		Policy:   policy,
		Clock:    clock,
	})
	require.NoError(t, err)
	return store
}

func TestMemStoreConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewMemStore(MemStoreConfig{MaxBytes: 1024})
	require.True(t, trace.IsBadParameter(err))

	_, err = NewMemStore(MemStoreConfig{MaxBytes: testBudget, Policy: "RANDOM"})
	require.True(t, trace.IsBadParameter(err))
}

func TestMemStoreTTLExpiry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := newTestStore(t, EvictLRU, clock)

	require.NoError(t, store.Set("k", []byte("v"), time.Minute, 5, nil))

	payload, ok := store.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), payload)

	clock.Advance(61 * time.Second)

	_, ok = store.Get("k")
	require.False(t, ok)
	// The expired entry was removed inline, not just hidden.
	_, ok = store.Peek("k")
	require.False(t, ok)
	require.Zero(t, store.TotalBytes())
}

func TestMemStoreRejectsOversizeEntry(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, EvictLRU, clockwork.NewFakeClock())

	// Over 10% of the byte budget.
	err := store.Set("huge", make([]byte, 200_000), 0, 5, nil)
	require.True(t, trace.IsLimitExceeded(err))
	require.Zero(t, store.Len())
	require.Zero(t, store.TotalBytes())
}

func TestMemStoreSizeBoundHolds(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, EvictLRU, clockwork.NewFakeClock())

	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, store.Set(key, make([]byte, 100_000), 0, 5, nil))
		require.LessOrEqual(t, store.TotalBytes(), int64(testBudget))
	}
	require.Greater(t, store.Stats().Evictions, uint64(0))
}

func TestMemStoreLRUEviction(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, EvictLRU, clockwork.NewFakeClock())

	// Ten 100 KB entries fill the budget.
	for i := 0; i < 10; i++ {
		require.NoError(t, store.Set(fmt.Sprintf("k%d", i), make([]byte, 100_000), 0, 5, nil))
	}

	// Touch the oldest so the second-oldest becomes the LRU victim.
	_, ok := store.Get("k0")
	require.True(t, ok)

	require.NoError(t, store.Set("k10", make([]byte, 100_000), 0, 5, nil))

	_, ok = store.Peek("k1")
	require.False(t, ok)
	_, ok = store.Peek("k0")
	require.True(t, ok)
}

func TestMemStoreLFUEviction(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, EvictLFU, clockwork.NewFakeClock())

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Set(fmt.Sprintf("k%d", i), make([]byte, 100_000), 0, 5, nil))
	}
	// Every key but k3 gets read.
	for i := 0; i < 10; i++ {
		if i == 3 {
			continue
		}
		store.Get(fmt.Sprintf("k%d", i))
	}

	require.NoError(t, store.Set("k10", make([]byte, 100_000), 0, 5, nil))

	_, ok := store.Peek("k3")
	require.False(t, ok)
}

func TestMemStoreHybridEvictionKeepsValuableEntries(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := newTestStore(t, EvictHybrid, clock)

	for i := 0; i < 9; i++ {
		require.NoError(t, store.Set(fmt.Sprintf("cold%d", i), make([]byte, 100_000), 0, 1, nil))
	}
	require.NoError(t, store.Set("hot", make([]byte, 100_000), 0, 10, nil))
	for i := 0; i < 50; i++ {
		store.Get("hot")
	}

	// The store is full; inserting evicts exactly one entry, and the
	// frequently read high-priority one survives.
	require.NoError(t, store.Set("new", make([]byte, 100_000), 0, 5, nil))

	_, ok := store.Peek("hot")
	require.True(t, ok)
	_, ok = store.Peek("new")
	require.True(t, ok)
	require.Equal(t, 10, store.Len())
}

func TestMemStoreExpiredEntriesEvictedFirst(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := newTestStore(t, EvictHybrid, clock)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Set(fmt.Sprintf("stale%d", i), make([]byte, 100_000), time.Minute, 10, nil))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Set(fmt.Sprintf("live%d", i), make([]byte, 100_000), 0, 1, nil))
	}
	clock.Advance(2 * time.Minute)

	require.NoError(t, store.Set("new", make([]byte, 100_000), 0, 1, nil))

	// The expired half was reclaimed; the live low-priority entries were
	// untouched.
	for i := 0; i < 5; i++ {
		_, ok := store.Peek(fmt.Sprintf("live%d", i))
		require.True(t, ok)
	}
	require.Zero(t, store.Stats().Evictions)
}

func TestMemStoreReplaceInPlace(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, EvictLRU, clockwork.NewFakeClock())

	require.NoError(t, store.Set("k", make([]byte, 50_000), 0, 5, []string{"a"}))
	require.NoError(t, store.Set("k", make([]byte, 60_000), 0, 5, []string{"b"}))

	require.Equal(t, 1, store.Len())
	require.Equal(t, int64(60_000), store.TotalBytes())
	// The old tag association is gone with the old entry.
	require.Zero(t, store.DeleteByTag("a"))
	require.Equal(t, 1, store.DeleteByTag("b"))
}

func TestMemStoreDeleteByTag(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, EvictLRU, clockwork.NewFakeClock())

	require.NoError(t, store.Set("a1", []byte("x"), 0, 5, []string{"user:alice"}))
	require.NoError(t, store.Set("a2", []byte("x"), 0, 5, []string{"user:alice", "resource:r1"}))
	require.NoError(t, store.Set("b1", []byte("x"), 0, 5, []string{"user:bob"}))

	require.Equal(t, 2, store.DeleteByTag("user:alice"))
	require.Equal(t, 1, store.Len())
	// Deleting the same tag again is a no-op.
	require.Zero(t, store.DeleteByTag("user:alice"))
}

func TestMemStoreDeleteByPattern(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, EvictLRU, clockwork.NewFakeClock())

	require.NoError(t, store.Set("auth:generation:alice:g1:media", []byte("x"), 0, 5, nil))
	require.NoError(t, store.Set("auth:generation:alice:g2:media", []byte("x"), 0, 5, nil))
	require.NoError(t, store.Set("auth:generation:bob:g1:media", []byte("x"), 0, 5, nil))

	n, err := store.DeleteByPattern("auth:*:alice:*")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1, store.Len())

	_, err = store.DeleteByPattern("[")
	require.True(t, trace.IsBadParameter(err))
}

func TestMemStoreSweep(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := newTestStore(t, EvictLRU, clock)

	require.NoError(t, store.Set("short", []byte("x"), time.Minute, 5, nil))
	require.NoError(t, store.Set("long", []byte("x"), time.Hour, 5, nil))
	require.NoError(t, store.Set("forever", []byte("x"), 0, 5, nil))

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, store.Sweep())
	require.Equal(t, 2, store.Len())

	// Sweeping again finds nothing new.
	require.Zero(t, store.Sweep())
}

func TestMemStoreHottestKeys(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, EvictLRU, clockwork.NewFakeClock())

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, store.Set(key, []byte("x"), 0, 5, nil))
	}
	for i := 0; i < 3; i++ {
		store.Get("b")
	}
	store.Get("c")

	require.Equal(t, []string{"b", "c", "a"}, store.HottestKeys(10))
	require.Equal(t, []string{"b"}, store.HottestKeys(1))
}

func TestMemStoreStats(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, EvictLRU, clockwork.NewFakeClock())

	require.NoError(t, store.Set("k", []byte("value"), 0, 5, nil))
	store.Get("k")
	store.Get("absent")

	stats := store.Stats()
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, int64(5), stats.TotalBytes)
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}
