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

// Package service assembles the cache subsystems into one CacheRuntime.
// There are no package-level singletons; the runtime is constructed once and
// threaded through callers explicitly.
package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/vectralabs/vectra"
	"github.com/vectralabs/vectra/lib/authzcache"
	"github.com/vectralabs/vectra/lib/breaker"
	"github.com/vectralabs/vectra/lib/defaults"
	"github.com/vectralabs/vectra/lib/perfmon"
	"github.com/vectralabs/vectra/lib/tiercache"
	"github.com/vectralabs/vectra/lib/warming"
)

// RuntimeConfig contains parameters for [NewCacheRuntime].
type RuntimeConfig struct {
	// Evaluator is the external policy engine. Required.
	Evaluator authzcache.Evaluator

	// L1MaxBytes bounds the in-process store.
	L1MaxBytes int64
	// EvictionPolicy selects the L1 eviction strategy.
	EvictionPolicy tiercache.EvictionPolicy

	// RedisAddr enables the distributed tier when set; empty disables L2
	// and the runtime degrades to L1 plus fallback.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// ProjectionQuery enables the L3 projection tier when set.
	ProjectionQuery tiercache.QueryFn
	// ProjectionRefresh rebuilds projections on the refresh cadence.
	ProjectionRefresh tiercache.RefreshFn

	// PredictiveEnabled toggles pattern learning and predictive warming.
	PredictiveEnabled bool

	// OnAlert, if set, observes monitor alert transitions in addition to
	// the runtime's own burst-recovery reaction.
	OnAlert perfmon.AlertFn

	// DrainDeadline bounds the Stop wait for worker drain.
	DrainDeadline time.Duration

	// Clock is the time source shared by every subsystem.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in omitted fields.
func (c *RuntimeConfig) CheckAndSetDefaults() error {
	if c.Evaluator == nil {
		return trace.BadParameter("missing policy evaluator")
	}
	if c.L1MaxBytes < 0 {
		return trace.BadParameter("l1 size must not be negative")
	}
	if c.L1MaxBytes == 0 {
		c.L1MaxBytes = defaults.L1MaxBytes
	}
	if c.EvictionPolicy == "" {
		c.EvictionPolicy = tiercache.EvictHybrid
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = defaults.ShutdownDrainDeadline
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vectra.Component, vectra.ComponentRuntime)
	}
	return nil
}

// CacheRuntime owns the full cache stack: the three tiers, the manager, the
// warming subsystem, the monitor and the authorization facade.
type CacheRuntime struct {
	cfg RuntimeConfig

	l1           *tiercache.MemStore
	l2           *tiercache.RedisStore
	manager      *tiercache.Manager
	learner      *warming.Learner
	queue        *warming.Queue
	pool         *warming.Pool
	orchestrator *warming.Orchestrator
	monitor      *perfmon.Monitor
	facade       *authzcache.Facade

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewCacheRuntime constructs every subsystem and wires them together.
// Nothing runs until Start.
func NewCacheRuntime(cfg RuntimeConfig) (*CacheRuntime, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	l1, err := tiercache.NewMemStore(tiercache.MemStoreConfig{
		MaxBytes: cfg.L1MaxBytes,
		Policy:   cfg.EvictionPolicy,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var l2 *tiercache.RedisStore
	if cfg.RedisAddr != "" {
		brk, err := breaker.New(breaker.Config{
			Name:  "l2-redis",
			Clock: cfg.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		l2, err = tiercache.NewRedisStore(tiercache.RedisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
			Breaker:  brk,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	var l3 *tiercache.ProjectionReader
	if cfg.ProjectionQuery != nil {
		l3, err = tiercache.NewProjectionReader(tiercache.ProjectionReaderConfig{
			Query:   cfg.ProjectionQuery,
			Refresh: cfg.ProjectionRefresh,
			Clock:   cfg.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	mgrCfg := tiercache.ManagerConfig{
		L1:     l1,
		L3:     l3,
		Clock:  cfg.Clock,
		Logger: cfg.Logger,
	}
	if l2 != nil {
		mgrCfg.L2 = l2
	}
	manager, err := tiercache.NewManager(mgrCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	learner, err := warming.NewLearner(warming.LearnerConfig{
		Enabled: cfg.PredictiveEnabled,
		Clock:   cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	queue, err := warming.NewQueue(warming.QueueConfig{})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	registry := warming.NewRegistry()
	if err := registerFetchers(registry, manager, cfg.Evaluator); err != nil {
		return nil, trace.Wrap(err)
	}

	pool, err := warming.NewPool(warming.PoolConfig{
		Queue:    queue,
		Manager:  manager,
		Fetchers: registry,
		Learner:  learner,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	orchestrator, err := warming.NewOrchestrator(warming.OrchestratorConfig{
		Queue:             queue,
		Learner:           learner,
		Projections:       manager,
		HotKeys:           manager,
		PredictiveEnabled: cfg.PredictiveEnabled,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	r := &CacheRuntime{
		cfg:          cfg,
		l1:           l1,
		l2:           l2,
		manager:      manager,
		learner:      learner,
		queue:        queue,
		pool:         pool,
		orchestrator: orchestrator,
	}

	monitor, err := perfmon.NewMonitor(perfmon.MonitorConfig{
		Source:  manager,
		OnAlert: r.onAlert,
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.monitor = monitor

	facade, err := authzcache.NewFacade(authzcache.FacadeConfig{
		Manager:     manager,
		Evaluator:   cfg.Evaluator,
		Recorder:    learner,
		Predictions: learner,
		Observer:    monitor,
		Seeder:      orchestrator,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.facade = facade

	// The manager's scheduled trigger and the orchestrator form a cycle;
	// it is closed here rather than at construction.
	manager.Wire(orchestrator)

	return r, nil
}

// Start launches the background loops and runs startup warming. It returns
// once the loops are scheduled; warming proceeds asynchronously.
func (r *CacheRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return trace.AlreadyExists("runtime already started")
	}
	r.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}

	run(r.manager.Run)
	run(r.pool.Run)
	run(r.monitor.Run)
	if r.cfg.PredictiveEnabled {
		run(r.orchestrator.Run)
		run(r.learner.RunPruner)
	}
	run(func(ctx context.Context) {
		enqueued := r.orchestrator.Startup(ctx)
		r.cfg.Logger.InfoContext(ctx, "startup warming enqueued", "tasks", enqueued)
	})

	go func() {
		wg.Wait()
		close(r.done)
	}()

	r.cfg.Logger.InfoContext(ctx, "cache runtime started",
		"l2_enabled", r.l2 != nil,
		"predictive_enabled", r.cfg.PredictiveEnabled,
	)
	return nil
}

// Stop cancels the loops, waits for worker drain within the configured
// deadline, closes the L2 client and clears L1. Idempotent.
func (r *CacheRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	r.cancel()

	select {
	case <-r.done:
	case <-r.cfg.Clock.After(r.cfg.DrainDeadline):
		r.cfg.Logger.WarnContext(ctx, "worker drain exceeded deadline", "deadline", r.cfg.DrainDeadline)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}

	var errs []error
	if r.l2 != nil {
		if err := r.l2.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.l1.Clear()

	r.cfg.Logger.InfoContext(ctx, "cache runtime stopped")
	return trace.NewAggregate(errs...)
}

// Get reads one key through the tiers.
func (r *CacheRuntime) Get(ctx context.Context, key string, opts tiercache.GetOpts) ([]byte, tiercache.Source, error) {
	payload, source, err := r.manager.Get(ctx, key, opts)
	if err == nil && (source == tiercache.SourceL1 || source == tiercache.SourceL2) {
		r.learner.ObservePredictedHit(key)
	}
	return payload, source, trace.Wrap(err)
}

// Set stores one key into L1 and L2.
func (r *CacheRuntime) Set(ctx context.Context, key string, payload []byte, l1TTL, l2TTL time.Duration, priority int, tags []string) tiercache.SetResult {
	return r.manager.Set(ctx, key, payload, l1TTL, l2TTL, priority, tags)
}

// Invalidate removes one key from every tier.
func (r *CacheRuntime) Invalidate(ctx context.Context, key string) {
	r.manager.Invalidate(ctx, key)
}

// InvalidatePattern removes every key matching the glob from every tier.
func (r *CacheRuntime) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	n, err := r.manager.InvalidatePattern(ctx, pattern)
	return n, trace.Wrap(err)
}

// InvalidateByTag removes every key carrying the tag.
func (r *CacheRuntime) InvalidateByTag(ctx context.Context, tag string) int {
	return r.manager.InvalidateByTag(ctx, tag)
}

// Warm runs the named warming patterns and reports tasks enqueued per
// pattern.
func (r *CacheRuntime) Warm(ctx context.Context, patterns []string) (map[string]int, error) {
	counts, err := r.orchestrator.Warm(ctx, patterns)
	return counts, trace.Wrap(err)
}

// RecordAccess feeds one access into the pattern learner.
func (r *CacheRuntime) RecordAccess(userID, resourceKind, operation, sessionTag string) {
	r.learner.RecordAccess(userID, resourceKind, operation, sessionTag)
}

// Stats reports the manager's tier statistics.
func (r *CacheRuntime) Stats() tiercache.ManagerStats {
	return r.manager.Stats()
}

// Health probes every tier.
func (r *CacheRuntime) Health(ctx context.Context) tiercache.Health {
	return r.manager.Health(ctx)
}

// Facade returns the authorization facade.
func (r *CacheRuntime) Facade() *authzcache.Facade {
	return r.facade
}

// Monitor returns the performance monitor.
func (r *CacheRuntime) Monitor() *perfmon.Monitor {
	return r.monitor
}

// Manager returns the tier cache manager.
func (r *CacheRuntime) Manager() *tiercache.Manager {
	return r.manager
}

// onAlert reacts to monitor transitions: a hit rate collapse triggers burst
// recovery, then the user callback runs.
func (r *CacheRuntime) onAlert(alert perfmon.Alert) {
	if alert.Tier == "overall" && alert.Metric == "hit_rate" && !alert.Resolved() {
		r.orchestrator.BurstRecovery(context.Background())
	}
	if r.cfg.OnAlert != nil {
		r.cfg.OnAlert(alert)
	}
}

// registerFetchers binds each fetcher reference to an implementation. The
// projection-backed fetchers serve warming; media access defers to the
// policy evaluator.
func registerFetchers(registry *warming.Registry, manager *tiercache.Manager, evaluator authzcache.Evaluator) error {
	projectionFetcher := func(projection, field string, idPos int) warming.KeyedFetchFn {
		return func(ctx context.Context, cacheKey string) ([]byte, error) {
			id := keyPart(cacheKey, idPos)
			if id == "" {
				return nil, trace.BadParameter("cannot extract identifier from key %q", cacheKey)
			}
			rows := manager.FetchProjection(ctx, projection, map[string]string{field: id}, 1)
			if len(rows) == 0 {
				return nil, trace.NotFound("no projection row for %q", cacheKey)
			}
			payload, err := tiercache.Encode(rows[0])
			return payload, trace.Wrap(err)
		}
	}

	fetchers := map[string]warming.KeyedFetchFn{
		// auth:user_profile:{user_id}
		warming.FetcherUserProfile: projectionFetcher(tiercache.ProjectionActiveUsers, "user_id", 2),
		// gen:{generation_id}:metadata
		warming.FetcherGenerationMetadata: projectionFetcher(tiercache.ProjectionRecentGenerations, "generation_id", 1),
		// auth:team_member:{user_id}:{team_id}
		warming.FetcherTeamMembership: func(ctx context.Context, cacheKey string) ([]byte, error) {
			userID, teamID := keyPart(cacheKey, 2), keyPart(cacheKey, 3)
			if userID == "" || teamID == "" {
				return nil, trace.BadParameter("cannot extract identifiers from key %q", cacheKey)
			}
			rows := manager.FetchProjection(ctx, tiercache.ProjectionActiveTeams, map[string]string{"user_id": userID, "team_id": teamID}, 1)
			if len(rows) == 0 {
				return nil, trace.NotFound("no membership row for %q", cacheKey)
			}
			payload, err := tiercache.Encode(rows[0])
			return payload, trace.Wrap(err)
		},
		// auth:recent_verdicts:{user_id}:{kind}
		warming.FetcherRecentVerdicts: projectionFetcher(tiercache.ProjectionRecentVerdicts, "user_id", 2),
		// auth:generation:{user_id}:{generation_id}:media
		warming.FetcherMediaAccess: func(ctx context.Context, cacheKey string) ([]byte, error) {
			userID, generationID := keyPart(cacheKey, 2), keyPart(cacheKey, 3)
			if userID == "" || generationID == "" {
				return nil, trace.BadParameter("cannot extract identifiers from key %q", cacheKey)
			}
			perms, err := evaluator.MediaAccess(ctx, userID, generationID)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			payload, err := tiercache.Encode(perms)
			return payload, trace.Wrap(err)
		},
	}
	for ref, fn := range fetchers {
		if err := registry.Register(ref, fn); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// keyPart returns the nth colon-separated segment of a cache key, or empty.
func keyPart(key string, n int) string {
	parts := strings.Split(key, ":")
	if n < 0 || n >= len(parts) {
		return ""
	}
	return parts[n]
}
