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

// Package tiercache implements the three-tier authorization cache: a bounded
// in-process store, a breaker-guarded remote key-value tier, and a read-only
// projection reader over the slow path, composed by a manager that promotes
// values between tiers and degrades tier failures to misses.
package tiercache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/vectralabs/vectra"
	"github.com/vectralabs/vectra/lib/defaults"
)

// Source identifies which tier served a read.
type Source string

const (
	// SourceL1 is a hit in the in-process store.
	SourceL1 Source = "l1"
	// SourceL2 is a hit in the remote store.
	SourceL2 Source = "l2"
	// SourceFallback means every tier missed and the caller-supplied
	// fallback produced the value.
	SourceFallback Source = "fallback"
	// SourceMiss means no tier and no fallback produced a value.
	SourceMiss Source = "miss"
)

// FetchFn produces an authoritative value for a key when every tier misses.
// Returning a nil payload without an error means the value does not exist.
type FetchFn func(ctx context.Context) ([]byte, error)

// Warmer is the orchestration hook the manager triggers on its warming
// schedule. Installed after construction via [Manager.Wire] to break the
// construction cycle between manager and orchestrator.
type Warmer interface {
	ScheduledWarm(ctx context.Context) error
}

var tierRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: vectra.MetricNamespace,
	Subsystem: "tiercache",
	Name:      "requests_total",
	Help:      "Tier probes by tier and result.",
}, []string{"tier", "result"})

var managerRegisterOnce sync.Once

func ensureManagerRegistered() {
	managerRegisterOnce.Do(func() {
		prometheus.MustRegister(tierRequests)
	})
}

// ManagerConfig contains parameters for [NewManager].
type ManagerConfig struct {
	// L1 is the in-process store. Required.
	L1 *MemStore
	// L2 is the remote store. Optional; when nil reads skip straight to
	// the fallback.
	L2 RemoteStore
	// L3 is the projection reader. Optional.
	L3 *ProjectionReader
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
	// PromoteTTL is the L1 lifetime used when promoting an L2 hit, before
	// clamping to the remaining L2 lifetime.
	PromoteTTL time.Duration
	// DefaultL1TTL and DefaultL2TTL apply to fallback population when the
	// caller does not specify lifetimes.
	DefaultL1TTL time.Duration
	DefaultL2TTL time.Duration
	// FetchDeadline bounds each fallback invocation.
	FetchDeadline time.Duration
	// SweepInterval is the period of the expiry sweeper.
	SweepInterval time.Duration
	// RefreshInterval is how often the standard projections are refreshed.
	RefreshInterval time.Duration
	// WarmInterval is how often the wired warmer is triggered.
	WarmInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in omitted fields.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.L1 == nil {
		return trace.BadParameter("missing L1 store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vectra.Component, vectra.ComponentTierCache)
	}
	if c.PromoteTTL <= 0 {
		c.PromoteTTL = defaults.TTLFor(defaults.KindGenerationAccess).L1
	}
	if c.DefaultL1TTL <= 0 {
		c.DefaultL1TTL = defaults.TTLFor(defaults.KindGenerationAccess).L1
	}
	if c.DefaultL2TTL <= 0 {
		c.DefaultL2TTL = defaults.TTLFor(defaults.KindGenerationAccess).L2
	}
	if c.FetchDeadline <= 0 {
		c.FetchDeadline = defaults.FetchDeadline
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.L1SweepInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaults.L3RefreshInterval
	}
	if c.WarmInterval <= 0 {
		c.WarmInterval = defaults.WarmingTriggerInterval
	}
	return nil
}

// tierCounters tracks hit/miss counts and cumulative latency for one tier.
type tierCounters struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	latencyNS atomic.Int64
	calls     atomic.Uint64
}

func (c *tierCounters) observe(hit bool, elapsed time.Duration) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.latencyNS.Add(int64(elapsed))
	c.calls.Add(1)
}

// TierStats is a point-in-time view of one tier's counters.
type TierStats struct {
	Hits       uint64
	Misses     uint64
	HitRate    float64
	AvgLatency time.Duration
	Available  bool
}

// ManagerStats aggregates per-tier counters plus L1 occupancy.
type ManagerStats struct {
	L1 TierStats
	L2 TierStats
	L3 TierStats

	L1Bytes       int64
	L1MaxBytes    int64
	L1Utilization float64
	L1Entries     int
	L1Evictions   uint64

	OverallHitRate     float64
	WeightedAvgLatency time.Duration
}

// Health reports availability per tier.
type Health struct {
	OverallOK bool
	L1OK      bool
	L2OK      bool
	L3OK      bool
}

// GetOpts tunes a single [Manager.Get].
type GetOpts struct {
	// Fallback produces the value if every tier misses.
	Fallback FetchFn
	// L1TTL and L2TTL apply when the fallback result is stored; zero means
	// the manager defaults.
	L1TTL time.Duration
	L2TTL time.Duration
	// Priority weights the L1 entry during hybrid eviction.
	Priority int
	// Tags are attached to the L1 entry for group invalidation.
	Tags []string
}

// SetResult reports which tiers accepted a write. Partial success is
// acceptable; tier promotion self-heals the difference.
type SetResult struct {
	L1OK bool
	L2OK bool
}

// Manager composes the three tiers: reads probe L1, then L2, then the
// caller's fallback; hits in lower tiers populate higher tiers with clamped
// lifetimes. Tier failures are degraded to misses and recorded against the
// breaker by the remote store itself.
type Manager struct {
	cfg   ManagerConfig
	group singleflight.Group

	l1c tierCounters
	l2c tierCounters
	l3c tierCounters

	mu     sync.Mutex
	warmer Warmer
}

// NewManager returns a manager over the configured tiers.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureManagerRegistered()
	return &Manager{cfg: cfg}, nil
}

// Wire installs the warmer triggered by the background warming schedule.
// Separate from construction because the orchestrator itself depends on the
// manager.
func (m *Manager) Wire(w Warmer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warmer = w
}

// Get resolves key through the tier hierarchy.
func (m *Manager) Get(ctx context.Context, key string, opts GetOpts) ([]byte, Source, error) {
	// L1 probe.
	start := m.cfg.Clock.Now()
	payload, ok := m.cfg.L1.Get(key)
	m.l1c.observe(ok, m.cfg.Clock.Now().Sub(start))
	if ok {
		tierRequests.WithLabelValues(vectra.TierL1, "hit").Inc()
		return payload, SourceL1, nil
	}
	tierRequests.WithLabelValues(vectra.TierL1, "miss").Inc()

	// L2 probe. Unavailability is the same as a miss.
	if m.cfg.L2 != nil {
		start = m.cfg.Clock.Now()
		payload, err := m.cfg.L2.Get(ctx, key)
		elapsed := m.cfg.Clock.Now().Sub(start)
		switch {
		case err == nil:
			m.l2c.observe(true, elapsed)
			tierRequests.WithLabelValues(vectra.TierL2, "hit").Inc()
			m.promote(ctx, key, payload, opts)
			return payload, SourceL2, nil
		case trace.IsNotFound(err):
			m.l2c.observe(false, elapsed)
			tierRequests.WithLabelValues(vectra.TierL2, "miss").Inc()
		default:
			m.l2c.observe(false, elapsed)
			tierRequests.WithLabelValues(vectra.TierL2, "error").Inc()
			m.cfg.Logger.DebugContext(ctx, "l2 probe degraded to miss", "key", key, "error", err)
		}
	}

	// Fallback.
	if opts.Fallback == nil {
		return nil, SourceMiss, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchDeadline)
		defer cancel()
		return opts.Fallback(fctx)
	})
	if err != nil {
		return nil, SourceMiss, trace.Wrap(err)
	}
	payload, _ = v.([]byte)
	if payload == nil {
		return nil, SourceMiss, nil
	}

	l1TTL := opts.L1TTL
	if l1TTL <= 0 {
		l1TTL = m.cfg.DefaultL1TTL
	}
	l2TTL := opts.L2TTL
	if l2TTL <= 0 {
		l2TTL = m.cfg.DefaultL2TTL
	}
	m.store(ctx, key, payload, l1TTL, l2TTL, opts.Priority, opts.Tags)
	return payload, SourceFallback, nil
}

// Set writes to both tiers. Partial failure is reported in the result, not
// as an error; total failure of both tiers is still not an error for the
// caller, matching the degradation contract.
func (m *Manager) Set(ctx context.Context, key string, payload []byte, l1TTL, l2TTL time.Duration, priority int, tags []string) SetResult {
	return m.store(ctx, key, payload, l1TTL, l2TTL, priority, tags)
}

// Invalidate removes key from both tiers. Idempotent.
func (m *Manager) Invalidate(ctx context.Context, key string) {
	m.cfg.L1.Delete(key)
	if m.cfg.L2 != nil {
		if err := m.cfg.L2.Delete(ctx, key); err != nil && !trace.IsNotFound(err) {
			m.cfg.Logger.DebugContext(ctx, "l2 invalidation degraded", "key", key, "error", err)
		}
	}
}

// InvalidatePattern removes every key matching the glob pattern from both
// tiers and returns how many entries were removed from L1.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	removed, err := m.cfg.L1.DeleteByPattern(pattern)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if m.cfg.L2 != nil {
		if _, err := m.cfg.L2.DeleteByPattern(ctx, pattern); err != nil {
			m.cfg.Logger.DebugContext(ctx, "l2 pattern invalidation degraded", "pattern", pattern, "error", err)
		}
	}
	return removed, nil
}

// InvalidateByTag removes every entry carrying tag from both tiers. L2
// members are enumerated through the per-tag index written by store, so
// keys whose text never mentions the tag are still cleared.
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) int {
	removed := m.cfg.L1.DeleteByTag(tag)
	if m.cfg.L2 != nil {
		if _, err := m.cfg.L2.DeleteByTag(ctx, tag); err != nil {
			m.cfg.Logger.DebugContext(ctx, "l2 tag invalidation degraded", "tag", tag, "error", err)
		}
	}
	return removed
}

// FetchProjection proxies to the projection reader, degrading failures to an
// empty result.
func (m *Manager) FetchProjection(ctx context.Context, name string, filter map[string]string, limit int) []ProjectionRow {
	if m.cfg.L3 == nil {
		return nil
	}
	start := m.cfg.Clock.Now()
	rows, err := m.cfg.L3.FetchProjection(ctx, name, filter, limit)
	m.l3c.observe(err == nil, m.cfg.Clock.Now().Sub(start))
	if err != nil {
		tierRequests.WithLabelValues(vectra.TierL3, "error").Inc()
		m.cfg.Logger.DebugContext(ctx, "l3 projection degraded to empty result", "projection", name, "error", err)
		return nil
	}
	tierRequests.WithLabelValues(vectra.TierL3, "hit").Inc()
	return rows
}

// HottestKeys returns the most frequently read L1 keys, hottest first.
func (m *Manager) HottestKeys(n int) []string {
	return m.cfg.L1.HottestKeys(n)
}

// Stats returns a snapshot of the per-tier counters.
func (m *Manager) Stats() ManagerStats {
	l1 := m.cfg.L1.Stats()

	stats := ManagerStats{
		L1:            counters(&m.l1c, true),
		L2:            counters(&m.l2c, m.l2Available()),
		L3:            counters(&m.l3c, m.cfg.L3 != nil),
		L1Bytes:       l1.TotalBytes,
		L1MaxBytes:    l1.MaxBytes,
		L1Utilization: l1.Utilization,
		L1Entries:     l1.Entries,
		L1Evictions:   l1.Evictions,
	}

	totalHits := stats.L1.Hits + stats.L2.Hits + stats.L3.Hits
	totalMisses := stats.L1.Misses + stats.L2.Misses + stats.L3.Misses
	if totalHits+totalMisses > 0 {
		stats.OverallHitRate = float64(totalHits) / float64(totalHits+totalMisses) * 100
	}

	totalCalls := m.l1c.calls.Load() + m.l2c.calls.Load() + m.l3c.calls.Load()
	if totalCalls > 0 {
		totalNS := m.l1c.latencyNS.Load() + m.l2c.latencyNS.Load() + m.l3c.latencyNS.Load()
		stats.WeightedAvgLatency = time.Duration(totalNS / int64(totalCalls))
	}
	return stats
}

// AggregateHitRate returns the overall hit rate percentage across tiers.
// Used by the warming pool's throttle gate.
func (m *Manager) AggregateHitRate() float64 {
	return m.Stats().OverallHitRate
}

// Health reports per-tier availability. L1 never fails; L2 health follows
// the breaker via a ping; L3 is healthy when configured.
func (m *Manager) Health(ctx context.Context) Health {
	h := Health{L1OK: true, L3OK: m.cfg.L3 != nil}
	if m.cfg.L2 != nil {
		h.L2OK = m.cfg.L2.Ping(ctx) == nil
	}
	h.OverallOK = h.L1OK && (m.cfg.L2 == nil || h.L2OK)
	return h
}

// Run executes the background maintenance loops until ctx is canceled: the
// expiry sweeper (with periodic projection refresh) and the warming trigger.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.runSweeper(ctx)
	}()
	go func() {
		defer wg.Done()
		m.runWarmTrigger(ctx)
	}()
	wg.Wait()
}

func (m *Manager) runSweeper(ctx context.Context) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	lastRefresh := m.cfg.Clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			removed := m.cfg.L1.Sweep()
			if removed > 0 {
				m.cfg.Logger.DebugContext(ctx, "swept expired l1 entries", "removed", removed)
			}

			now := m.cfg.Clock.Now()
			if m.cfg.L3 != nil && now.Sub(lastRefresh) >= m.cfg.RefreshInterval {
				lastRefresh = now
				for _, name := range StandardProjections {
					if err := m.cfg.L3.RefreshProjection(ctx, name); err != nil {
						m.cfg.Logger.WarnContext(ctx, "projection refresh failed", "projection", name, "error", err)
					}
				}
			}
		}
	}
}

func (m *Manager) runWarmTrigger(ctx context.Context) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.WarmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.mu.Lock()
			warmer := m.warmer
			m.mu.Unlock()
			if warmer == nil {
				continue
			}
			if err := warmer.ScheduledWarm(ctx); err != nil {
				m.cfg.Logger.WarnContext(ctx, "scheduled warming failed", "error", err)
			}
		}
	}
}

// promote writes an L2 hit through to L1 with the lifetime clamped to the
// remaining L2 lifetime, so a stale L2 value cannot outlive its origin.
func (m *Manager) promote(ctx context.Context, key string, payload []byte, opts GetOpts) {
	ttl := m.cfg.PromoteTTL
	if opts.L1TTL > 0 {
		ttl = opts.L1TTL
	}
	if remaining, err := m.cfg.L2.TTL(ctx, key); err == nil && remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	if err := m.cfg.L1.Set(key, payload, ttl, opts.Priority, opts.Tags); err != nil {
		m.cfg.Logger.DebugContext(ctx, "l1 promotion rejected", "key", key, "error", err)
	}
}

// store attempts both tiers and reports partial success.
func (m *Manager) store(ctx context.Context, key string, payload []byte, l1TTL, l2TTL time.Duration, priority int, tags []string) SetResult {
	var res SetResult

	if err := m.cfg.L1.Set(key, payload, l1TTL, priority, tags); err != nil {
		m.cfg.Logger.DebugContext(ctx, "l1 set rejected", "key", key, "error", err)
	} else {
		res.L1OK = true
	}

	if m.cfg.L2 != nil {
		if err := m.cfg.L2.Set(ctx, key, payload, l2TTL, tags...); err != nil {
			m.cfg.Logger.DebugContext(ctx, "l2 set degraded", "key", key, "error", err)
		} else {
			res.L2OK = true
		}
	}

	if !res.L1OK && (m.cfg.L2 == nil || !res.L2OK) {
		m.cfg.Logger.WarnContext(ctx, "set failed in every tier", "key", key)
	}
	return res
}

func (m *Manager) l2Available() bool {
	return m.cfg.L2 != nil
}

func counters(c *tierCounters, available bool) TierStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := TierStats{Hits: hits, Misses: misses, Available: available}
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses) * 100
	}
	if calls := c.calls.Load(); calls > 0 {
		stats.AvgLatency = time.Duration(c.latencyNS.Load() / int64(calls))
	}
	return stats
}
