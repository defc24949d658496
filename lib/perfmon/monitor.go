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

// Package perfmon samples the tier cache manager into periodic snapshots,
// raises and resolves threshold alerts, and analyses performance trends.
package perfmon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/vectralabs/vectra"
	"github.com/vectralabs/vectra/lib/defaults"
	"github.com/vectralabs/vectra/lib/tiercache"
	"github.com/vectralabs/vectra/lib/utils"
)

// AlertLevel grades an alert.
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelError    AlertLevel = "error"
	LevelCritical AlertLevel = "critical"
)

// Alert is one threshold breach. At most one alert is active per
// (tier, metric) pair; re-opening requires the previous one to be resolved.
type Alert struct {
	ID         string
	Level      AlertLevel
	Tier       string
	Metric     string
	Current    float64
	Threshold  float64
	Message    string
	OpenedAt   time.Time
	ResolvedAt time.Time
}

// Resolved reports whether the alert has been closed.
func (a Alert) Resolved() bool {
	return !a.ResolvedAt.IsZero()
}

// TierSample is one tier's slice of a snapshot.
type TierSample struct {
	HitRate    float64
	AvgLatency time.Duration
	Available  bool
}

// TierSnapshot is one periodic measurement of the whole hierarchy.
type TierSnapshot struct {
	Timestamp time.Time

	L1 TierSample
	L2 TierSample
	L3 TierSample

	L1Utilization float64

	OverallHitRate    float64
	OverallAvgLatency time.Duration

	FacadeAvgLatency time.Duration
}

// Thresholds are the alerting targets. Hit rates are floors in percent;
// latencies are ceilings.
type Thresholds struct {
	OverallHitRatePct float64
	OverallLatency    time.Duration
	L1HitRatePct      float64
	L1Latency         time.Duration
	L2HitRatePct      float64
	L2Latency         time.Duration
	L3Latency         time.Duration
	FacadeLatency     time.Duration
}

// DefaultThresholds returns the standard alerting targets.
func DefaultThresholds() Thresholds {
	return Thresholds{
		OverallHitRatePct: defaults.HitRateTargetPct,
		OverallLatency:    defaults.OverallLatencyBudget,
		L1HitRatePct:      defaults.L1HitRateTargetPct,
		L1Latency:         defaults.L1LatencyBudget,
		L2HitRatePct:      defaults.L2HitRateTargetPct,
		L2Latency:         defaults.L2LatencyBudget,
		L3Latency:         defaults.L3LatencyBudget,
		FacadeLatency:     defaults.FacadeLatencyBudget,
	}
}

// StatsSource is the manager surface the monitor samples.
type StatsSource interface {
	Stats() tiercache.ManagerStats
}

// AlertFn is invoked synchronously on every alert transition, outside the
// monitor's lock. Panics are contained and logged, never propagated.
type AlertFn func(Alert)

// MonitorConfig contains parameters for [NewMonitor].
type MonitorConfig struct {
	// Source is the sampled manager. Required.
	Source StatsSource
	// Interval is the sampling period.
	Interval time.Duration
	// HistorySize bounds the snapshot and alert history rings.
	HistorySize int
	// Thresholds are the alerting targets.
	Thresholds Thresholds
	// OnAlert, if set, observes alert transitions.
	OnAlert AlertFn
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in omitted fields.
func (c *MonitorConfig) CheckAndSetDefaults() error {
	if c.Source == nil {
		return trace.BadParameter("missing stats source")
	}
	if c.Interval <= 0 {
		c.Interval = defaults.MonitoringInterval
	}
	if c.HistorySize < 0 {
		return trace.BadParameter("history size must not be negative")
	}
	if c.HistorySize == 0 {
		c.HistorySize = defaults.SnapshotHistory
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vectra.Component, vectra.ComponentPerfMon)
	}
	return nil
}

// Monitor owns the snapshot history and the alert table.
type Monitor struct {
	cfg       MonitorConfig
	snapshots *utils.CircularBuffer[TierSnapshot]

	mu      sync.Mutex
	active  map[alertKey]*Alert
	history *utils.CircularBuffer[Alert]

	facadeCalls     atomic.Uint64
	facadeLatencyNS atomic.Int64

	tierMu       sync.Mutex
	servedByTier map[string]uint64
}

type alertKey struct {
	tier   string
	metric string
}

// NewMonitor returns a monitor over the given source.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	snapshots, err := utils.NewCircularBuffer[TierSnapshot](cfg.HistorySize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	history, err := utils.NewCircularBuffer[Alert](cfg.HistorySize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Monitor{
		cfg:          cfg,
		snapshots:    snapshots,
		history:      history,
		active:       make(map[alertKey]*Alert),
		servedByTier: make(map[string]uint64),
	}, nil
}

// Observe records one facade call: its latency and which tier served it.
func (m *Monitor) Observe(tier string, elapsed time.Duration) {
	m.facadeCalls.Add(1)
	m.facadeLatencyNS.Add(int64(elapsed))

	m.tierMu.Lock()
	m.servedByTier[tier]++
	m.tierMu.Unlock()
}

// ServedByTier returns how many observed facade calls each tier served.
func (m *Monitor) ServedByTier() map[string]uint64 {
	m.tierMu.Lock()
	defer m.tierMu.Unlock()
	out := make(map[string]uint64, len(m.servedByTier))
	for k, v := range m.servedByTier {
		out[k] = v
	}
	return out
}

// Sample takes one snapshot, appends it to the history and evaluates the
// alert thresholds. Returns the snapshot.
func (m *Monitor) Sample(ctx context.Context) TierSnapshot {
	stats := m.cfg.Source.Stats()

	snap := TierSnapshot{
		Timestamp: m.cfg.Clock.Now(),
		L1: TierSample{
			HitRate:    stats.L1.HitRate,
			AvgLatency: stats.L1.AvgLatency,
			Available:  stats.L1.Available,
		},
		L2: TierSample{
			HitRate:    stats.L2.HitRate,
			AvgLatency: stats.L2.AvgLatency,
			Available:  stats.L2.Available,
		},
		L3: TierSample{
			HitRate:    stats.L3.HitRate,
			AvgLatency: stats.L3.AvgLatency,
			Available:  stats.L3.Available,
		},
		L1Utilization:     stats.L1Utilization,
		OverallHitRate:    stats.OverallHitRate,
		OverallAvgLatency: stats.WeightedAvgLatency,
	}
	if calls := m.facadeCalls.Load(); calls > 0 {
		snap.FacadeAvgLatency = time.Duration(m.facadeLatencyNS.Load() / int64(calls))
	}

	m.snapshots.Add(snap)
	m.evaluate(ctx, snap, stats)
	return snap
}

// Run samples periodically until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Sample(ctx)
		}
	}
}

// ActiveAlerts returns the currently open alerts.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}

// AlertHistory returns the most recent alert transitions, oldest first. The
// ring holds at most HistorySize entries; older transitions rotate out.
func (m *Monitor) AlertHistory() []Alert {
	return m.history.Data(m.cfg.HistorySize)
}

// Snapshots returns the most recent n snapshots, oldest first.
func (m *Monitor) Snapshots(n int) []TierSnapshot {
	return m.snapshots.Data(n)
}

// RaiseInvariantViolation opens a critical alert for a broken internal
// invariant. The process continues; the alert is the observability surface.
func (m *Monitor) RaiseInvariantViolation(ctx context.Context, msg string) {
	m.transition(ctx, alertKey{tier: "core", metric: "invariant"}, true, Alert{
		Level:     LevelCritical,
		Tier:      "core",
		Metric:    "invariant",
		Message:   msg,
		Current:   1,
		Threshold: 0,
	})
}

// evaluate applies the threshold table to one snapshot. A breach opens an
// alert if none is active for that (tier, metric); a compliant sample closes
// the open alert.
func (m *Monitor) evaluate(ctx context.Context, snap TierSnapshot, stats tiercache.ManagerStats) {
	t := m.cfg.Thresholds

	overallTraffic := stats.L1.Hits+stats.L1.Misses > 0
	m.check(ctx, "overall", "hit_rate", LevelWarning,
		overallTraffic && snap.OverallHitRate < t.OverallHitRatePct,
		snap.OverallHitRate, t.OverallHitRatePct,
		fmt.Sprintf("aggregate hit rate %.1f%% is below the %.1f%% target", snap.OverallHitRate, t.OverallHitRatePct))

	m.check(ctx, "overall", "latency", LevelError,
		snap.OverallAvgLatency > t.OverallLatency,
		float64(snap.OverallAvgLatency.Milliseconds()), float64(t.OverallLatency.Milliseconds()),
		fmt.Sprintf("aggregate latency %v exceeds the %v budget", snap.OverallAvgLatency, t.OverallLatency))

	l1Traffic := stats.L1.Hits+stats.L1.Misses > 0
	m.check(ctx, vectra.TierL1, "hit_rate", LevelWarning,
		l1Traffic && snap.L1.HitRate < t.L1HitRatePct,
		snap.L1.HitRate, t.L1HitRatePct,
		fmt.Sprintf("l1 hit rate %.1f%% is below the %.1f%% target", snap.L1.HitRate, t.L1HitRatePct))
	m.check(ctx, vectra.TierL1, "latency", LevelWarning,
		snap.L1.AvgLatency > t.L1Latency,
		float64(snap.L1.AvgLatency.Milliseconds()), float64(t.L1Latency.Milliseconds()),
		fmt.Sprintf("l1 latency %v exceeds the %v budget", snap.L1.AvgLatency, t.L1Latency))

	l2Traffic := stats.L2.Hits+stats.L2.Misses > 0
	m.check(ctx, vectra.TierL2, "hit_rate", LevelWarning,
		l2Traffic && snap.L2.HitRate < t.L2HitRatePct,
		snap.L2.HitRate, t.L2HitRatePct,
		fmt.Sprintf("l2 hit rate %.1f%% is below the %.1f%% target", snap.L2.HitRate, t.L2HitRatePct))
	m.check(ctx, vectra.TierL2, "latency", LevelWarning,
		snap.L2.AvgLatency > t.L2Latency,
		float64(snap.L2.AvgLatency.Milliseconds()), float64(t.L2Latency.Milliseconds()),
		fmt.Sprintf("l2 latency %v exceeds the %v budget", snap.L2.AvgLatency, t.L2Latency))

	m.check(ctx, vectra.TierL3, "latency", LevelWarning,
		snap.L3.AvgLatency > t.L3Latency,
		float64(snap.L3.AvgLatency.Milliseconds()), float64(t.L3Latency.Milliseconds()),
		fmt.Sprintf("l3 latency %v exceeds the %v budget", snap.L3.AvgLatency, t.L3Latency))

	m.check(ctx, "facade", "latency", LevelWarning,
		m.facadeCalls.Load() > 0 && snap.FacadeAvgLatency > t.FacadeLatency,
		float64(snap.FacadeAvgLatency.Milliseconds()), float64(t.FacadeLatency.Milliseconds()),
		fmt.Sprintf("authorization facade latency %v exceeds the %v budget", snap.FacadeAvgLatency, t.FacadeLatency))
}

// check opens or resolves the alert for one (tier, metric) signal.
func (m *Monitor) check(ctx context.Context, tier, metric string, level AlertLevel, breached bool, current, threshold float64, msg string) {
	m.transition(ctx, alertKey{tier: tier, metric: metric}, breached, Alert{
		Level:     level,
		Tier:      tier,
		Metric:    metric,
		Current:   current,
		Threshold: threshold,
		Message:   msg,
	})
}

func (m *Monitor) transition(ctx context.Context, key alertKey, breached bool, template Alert) {
	var fire *Alert

	m.mu.Lock()
	existing, isActive := m.active[key]
	switch {
	case breached && !isActive:
		alert := template
		alert.ID = uuid.NewString()
		alert.OpenedAt = m.cfg.Clock.Now()
		m.active[key] = &alert
		m.history.Add(alert)
		copied := alert
		fire = &copied
	case !breached && isActive:
		existing.ResolvedAt = m.cfg.Clock.Now()
		delete(m.active, key)
		m.history.Add(*existing)
		copied := *existing
		fire = &copied
	}
	m.mu.Unlock()

	if fire == nil || m.cfg.OnAlert == nil {
		return
	}

	// Callbacks run outside the lock; a panicking callback must not take
	// the monitor down with it.
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.cfg.Logger.ErrorContext(ctx, "alert callback panicked", "alert", fire.ID, "panic", r)
			}
		}()
		m.cfg.OnAlert(*fire)
	}()

	if fire.Resolved() {
		m.cfg.Logger.InfoContext(ctx, "alert resolved", "tier", fire.Tier, "metric", fire.Metric)
	} else {
		m.cfg.Logger.WarnContext(ctx, "alert opened", "tier", fire.Tier, "metric", fire.Metric, "message", fire.Message)
	}
}
