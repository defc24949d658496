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

package authzcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/vectralabs/vectra/lib/keyspace"
	"github.com/vectralabs/vectra/lib/tiercache"
)

// fakeEvaluator is a canned policy engine that counts invocations.
type fakeEvaluator struct {
	mediaCalls     atomic.Int32
	teamCalls      atomic.Int32
	ownershipCalls atomic.Int32

	mediaErr error
}

func (f *fakeEvaluator) MediaAccess(ctx context.Context, userID, generationID string) (*Permissions, error) {
	f.mediaCalls.Add(1)
	if f.mediaErr != nil {
		return nil, f.mediaErr
	}
	return &Permissions{CanRead: true, CanDownload: true}, nil
}

func (f *fakeEvaluator) TeamAccess(ctx context.Context, userID, resourceID, requiredRole string) (*TeamAccess, error) {
	f.teamCalls.Add(1)
	return &TeamAccess{Allowed: true, Role: "editor", TeamID: "t1"}, nil
}

func (f *fakeEvaluator) DirectOwnership(ctx context.Context, ownerID, userID, ownershipContext string) (bool, error) {
	f.ownershipCalls.Add(1)
	return ownerID == userID, nil
}

type recordedAccess struct {
	userID, kind, operation string
}

type fakeRecorder struct {
	mu       sync.Mutex
	accesses []recordedAccess
}

func (f *fakeRecorder) RecordAccess(userID, resourceKind, operation, sessionTag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accesses = append(f.accesses, recordedAccess{userID: userID, kind: resourceKind, operation: operation})
}

type observation struct {
	tier    string
	elapsed time.Duration
}

type fakeObserver struct {
	mu  sync.Mutex
	obs []observation
}

func (f *fakeObserver) Observe(tier string, elapsed time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, observation{tier: tier, elapsed: elapsed})
}

type facadeEnv struct {
	clock     *clockwork.FakeClock
	l1        *tiercache.MemStore
	manager   *tiercache.Manager
	evaluator *fakeEvaluator
	recorder  *fakeRecorder
	observer  *fakeObserver
	facade    *Facade
}

func newFacadeEnv(t *testing.T) *facadeEnv {
	t.Helper()
	env := &facadeEnv{
		clock:     clockwork.NewFakeClock(),
		evaluator: &fakeEvaluator{},
		recorder:  &fakeRecorder{},
		observer:  &fakeObserver{},
	}

	var err error
	env.l1, err = tiercache.NewMemStore(tiercache.MemStoreConfig{
		MaxBytes: 1 << 20,
		Clock:    env.clock,
	})
	require.NoError(t, err)
	env.manager, err = tiercache.NewManager(tiercache.ManagerConfig{
		L1:    env.l1,
		Clock: env.clock,
	})
	require.NoError(t, err)
	env.facade, err = NewFacade(FacadeConfig{
		Manager:   env.manager,
		Evaluator: env.evaluator,
		Recorder:  env.recorder,
		Observer:  env.observer,
		Clock:     env.clock,
	})
	require.NoError(t, err)
	return env
}

func TestFacadeResolveMediaAccess(t *testing.T) {
	t.Parallel()

	env := newFacadeEnv(t)
	ctx := context.Background()

	perms, err := env.facade.ResolveMediaAccess(ctx, "g1", "alice")
	require.NoError(t, err)
	require.True(t, perms.CanRead)
	require.True(t, perms.CanDownload)
	require.False(t, perms.CanEdit)
	require.Equal(t, tiercache.SourceFallback, perms.Audit.Source)
	require.Equal(t, keyspace.MediaAccess("alice", "g1"), perms.Audit.Key)
	require.Equal(t, int32(1), env.evaluator.mediaCalls.Load())

	// The verdict is cached; the second resolution is local and the
	// evaluator is not consulted again.
	perms, err = env.facade.ResolveMediaAccess(ctx, "g1", "alice")
	require.NoError(t, err)
	require.Equal(t, tiercache.SourceL1, perms.Audit.Source)
	require.Equal(t, int32(1), env.evaluator.mediaCalls.Load())

	// Every call recorded an access and a latency observation.
	require.Equal(t, []recordedAccess{
		{userID: "alice", kind: "generation", operation: "media"},
		{userID: "alice", kind: "generation", operation: "media"},
	}, env.recorder.accesses)
	require.Len(t, env.observer.obs, 2)
	require.Equal(t, string(tiercache.SourceFallback), env.observer.obs[0].tier)
	require.Equal(t, string(tiercache.SourceL1), env.observer.obs[1].tier)
}

func TestFacadeResolveMediaAccessValidation(t *testing.T) {
	t.Parallel()

	env := newFacadeEnv(t)

	_, err := env.facade.ResolveMediaAccess(context.Background(), "", "alice")
	require.True(t, trace.IsBadParameter(err))
	_, err = env.facade.ResolveMediaAccess(context.Background(), "g1", "")
	require.True(t, trace.IsBadParameter(err))
}

func TestFacadeResolveMediaAccessEvaluatorError(t *testing.T) {
	t.Parallel()

	env := newFacadeEnv(t)
	env.evaluator.mediaErr = trace.AccessDenied("policy engine rejected the request")

	_, err := env.facade.ResolveMediaAccess(context.Background(), "g1", "alice")
	require.True(t, trace.IsAccessDenied(err))
}

func TestFacadeResolveTeamAccess(t *testing.T) {
	t.Parallel()

	env := newFacadeEnv(t)
	ctx := context.Background()

	access, err := env.facade.ResolveTeamAccess(ctx, "r1", "alice", "editor")
	require.NoError(t, err)
	require.True(t, access.Allowed)
	require.Equal(t, "editor", access.Role)
	require.Equal(t, tiercache.SourceFallback, access.Audit.Source)

	access, err = env.facade.ResolveTeamAccess(ctx, "r1", "alice", "editor")
	require.NoError(t, err)
	require.Equal(t, tiercache.SourceL1, access.Audit.Source)
	require.Equal(t, int32(1), env.evaluator.teamCalls.Load())

	// A different required role is a distinct verdict.
	_, err = env.facade.ResolveTeamAccess(ctx, "r1", "alice", "owner")
	require.NoError(t, err)
	require.Equal(t, int32(2), env.evaluator.teamCalls.Load())
}

func TestFacadeResolveDirectOwnership(t *testing.T) {
	t.Parallel()

	env := newFacadeEnv(t)
	ctx := context.Background()

	owned, err := env.facade.ResolveDirectOwnership(ctx, "alice", "alice", "delete")
	require.NoError(t, err)
	require.True(t, owned)

	owned, err = env.facade.ResolveDirectOwnership(ctx, "alice", "bob", "delete")
	require.NoError(t, err)
	require.False(t, owned)

	// Both verdicts are cached independently.
	require.Equal(t, int32(2), env.evaluator.ownershipCalls.Load())
	_, err = env.facade.ResolveDirectOwnership(ctx, "alice", "alice", "delete")
	require.NoError(t, err)
	require.Equal(t, int32(2), env.evaluator.ownershipCalls.Load())
}

func TestFacadeCorruptEntryIsEvictedAndRefetched(t *testing.T) {
	t.Parallel()

	env := newFacadeEnv(t)
	ctx := context.Background()

	// Plant garbage where the verdict would live.
	key := keyspace.MediaAccess("alice", "g1")
	env.manager.Set(ctx, key, []byte{0xde, 0xad, 0xbe, 0xef, 0xff, 0xff}, time.Minute, time.Minute, 5, nil)

	perms, err := env.facade.ResolveMediaAccess(ctx, "g1", "alice")
	require.NoError(t, err)
	require.True(t, perms.CanRead)
	require.Equal(t, tiercache.SourceFallback, perms.Audit.Source)
	require.Equal(t, int32(1), env.evaluator.mediaCalls.Load())

	// The replacement is valid; the next read decodes from cache.
	perms, err = env.facade.ResolveMediaAccess(ctx, "g1", "alice")
	require.NoError(t, err)
	require.Equal(t, tiercache.SourceL1, perms.Audit.Source)
	require.Equal(t, int32(1), env.evaluator.mediaCalls.Load())
}

func TestFacadeInvalidateUser(t *testing.T) {
	t.Parallel()

	env := newFacadeEnv(t)
	ctx := context.Background()

	_, err := env.facade.ResolveMediaAccess(ctx, "g1", "alice")
	require.NoError(t, err)
	_, err = env.facade.ResolveMediaAccess(ctx, "g1", "bob")
	require.NoError(t, err)

	// The profile key carries the user as its final segment; the sweep
	// must reach it even without a tag linking it to the user.
	env.manager.Set(ctx, keyspace.UserProfile("alice"), []byte("profile"), time.Minute, time.Minute, 5, nil)

	require.NoError(t, env.facade.InvalidateUser(ctx, "alice"))

	_, _, err = env.manager.Get(ctx, keyspace.UserProfile("alice"), tiercache.GetOpts{})
	require.True(t, trace.IsNotFound(err))

	// Alice resolves through the evaluator again; Bob stays cached.
	perms, err := env.facade.ResolveMediaAccess(ctx, "g1", "alice")
	require.NoError(t, err)
	require.Equal(t, tiercache.SourceFallback, perms.Audit.Source)

	perms, err = env.facade.ResolveMediaAccess(ctx, "g1", "bob")
	require.NoError(t, err)
	require.Equal(t, tiercache.SourceL1, perms.Audit.Source)

	require.True(t, trace.IsBadParameter(env.facade.InvalidateUser(ctx, "")))
}

func TestFacadeInvalidateResource(t *testing.T) {
	t.Parallel()

	env := newFacadeEnv(t)
	ctx := context.Background()

	_, err := env.facade.ResolveMediaAccess(ctx, "g1", "alice")
	require.NoError(t, err)
	_, err = env.facade.ResolveMediaAccess(ctx, "g2", "alice")
	require.NoError(t, err)

	require.NoError(t, env.facade.InvalidateResource(ctx, "g1"))

	perms, err := env.facade.ResolveMediaAccess(ctx, "g1", "alice")
	require.NoError(t, err)
	require.Equal(t, tiercache.SourceFallback, perms.Audit.Source)

	perms, err = env.facade.ResolveMediaAccess(ctx, "g2", "alice")
	require.NoError(t, err)
	require.Equal(t, tiercache.SourceL1, perms.Audit.Source)
}

type fakeSeeder struct {
	warmed [][]string
}

func (f *fakeSeeder) Warm(ctx context.Context, patterns []string) (map[string]int, error) {
	f.warmed = append(f.warmed, patterns)
	out := make(map[string]int, len(patterns))
	for _, p := range patterns {
		out[p] = 1
	}
	return out, nil
}

func TestFacadeWarmFrequent(t *testing.T) {
	t.Parallel()

	env := newFacadeEnv(t)

	// Without a seeder the operation is unsupported.
	_, err := env.facade.WarmFrequent(context.Background())
	require.True(t, trace.IsNotImplemented(err))

	seeder := &fakeSeeder{}
	facade, err := NewFacade(FacadeConfig{
		Manager:   env.manager,
		Evaluator: env.evaluator,
		Seeder:    seeder,
		Clock:     env.clock,
	})
	require.NoError(t, err)

	counts, err := facade.WarmFrequent(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, 3)
	require.Len(t, seeder.warmed, 1)
	require.Contains(t, seeder.warmed[0], "active_user_profiles")
}
