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

package perfmon

import (
	"fmt"
	"sort"
	"time"

	"github.com/vectralabs/vectra"
	"github.com/vectralabs/vectra/lib/defaults"
)

// Direction describes where a metric is heading.
type Direction string

const (
	DirectionImproving Direction = "improving"
	DirectionDegrading Direction = "degrading"
	DirectionStable    Direction = "stable"
)

// Trend compares the most recent window of samples against the window
// before it for one metric.
type Trend struct {
	Metric    string
	Direction Direction
	// Recent and Prior are the window averages.
	Recent float64
	Prior  float64
	// Magnitude is the absolute change between the windows, in the
	// metric's own unit (percent points or milliseconds).
	Magnitude float64
}

// stableBand is the change below which a metric counts as stable.
const stableBand = 1.0

// Trends compares the last TrendWindow snapshots with the TrendWindow before
// them. Returns nil until two full windows of history exist.
func (m *Monitor) Trends() []Trend {
	window := defaults.TrendWindow
	data := m.snapshots.Data(2 * window)
	if len(data) < 2*window {
		return nil
	}
	prior, recent := data[:window], data[window:]

	return []Trend{
		trendOf("overall_hit_rate", prior, recent, true, func(s TierSnapshot) float64 { return s.OverallHitRate }),
		trendOf("overall_latency_ms", prior, recent, false, func(s TierSnapshot) float64 { return msOf(s.OverallAvgLatency) }),
		trendOf("l1_hit_rate", prior, recent, true, func(s TierSnapshot) float64 { return s.L1.HitRate }),
		trendOf("l2_hit_rate", prior, recent, true, func(s TierSnapshot) float64 { return s.L2.HitRate }),
		trendOf("l3_latency_ms", prior, recent, false, func(s TierSnapshot) float64 { return msOf(s.L3.AvgLatency) }),
		trendOf("facade_latency_ms", prior, recent, false, func(s TierSnapshot) float64 { return msOf(s.FacadeAvgLatency) }),
	}
}

// trendOf averages one metric over both windows. higherIsBetter decides which
// direction of movement counts as degrading.
func trendOf(metric string, prior, recent []TierSnapshot, higherIsBetter bool, value func(TierSnapshot) float64) Trend {
	p := mean(prior, value)
	r := mean(recent, value)
	delta := r - p

	t := Trend{Metric: metric, Recent: r, Prior: p, Magnitude: abs(delta)}
	switch {
	case t.Magnitude < stableBand:
		t.Direction = DirectionStable
	case (delta > 0) == higherIsBetter:
		t.Direction = DirectionImproving
	default:
		t.Direction = DirectionDegrading
	}
	return t
}

func mean(snaps []TierSnapshot, value func(TierSnapshot) float64) float64 {
	if len(snaps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range snaps {
		sum += value(s)
	}
	return sum / float64(len(snaps))
}

func msOf(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Recommendations derives tuning advice from the active alerts and the
// degrading trends. The output is deterministic for a given monitor state.
func (m *Monitor) Recommendations() []string {
	seen := make(map[string]struct{})
	add := func(s string) {
		seen[s] = struct{}{}
	}

	for _, a := range m.ActiveAlerts() {
		switch {
		case a.Tier == vectra.TierL1 && a.Metric == "hit_rate":
			add("increase the l1 size limit or raise per-kind TTLs; the in-process tier is missing too often")
		case a.Tier == vectra.TierL2 && a.Metric == "hit_rate":
			add("review invalidation patterns and l2 TTLs; the distributed tier is missing too often")
		case a.Tier == "overall" && a.Metric == "hit_rate":
			add("enable or widen predictive warming; aggregate hit rate is below target")
		case a.Metric == "latency":
			add(fmt.Sprintf("investigate %s latency; recent samples exceed the budget", a.Tier))
		case a.Metric == "invariant":
			add("an internal invariant was violated; inspect logs before trusting cache contents")
		}
	}

	for _, t := range m.Trends() {
		if t.Direction != DirectionDegrading {
			continue
		}
		add(fmt.Sprintf("%s is degrading: %.1f over the prior window vs %.1f now", t.Metric, t.Prior, t.Recent))
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
