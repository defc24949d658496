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

// Package defaults holds the default values and validation ranges for every
// tunable of the authorization cache core.
package defaults

import "time"

// L1 in-process store.
const (
	// L1MaxBytes is the default byte budget for the in-process tier.
	L1MaxBytes = 200 << 20

	// L1MinBytes is the smallest permitted byte budget.
	L1MinBytes = 1 << 20

	// L1MaxEntryFraction caps a single entry at this fraction of the budget.
	L1MaxEntryFraction = 0.1

	// L1SweepInterval is how often the manager sweeps expired L1 entries.
	L1SweepInterval = 5 * time.Minute
)

// L2 remote store.
const (
	// L2KeyPrefix namespaces every key written to the remote tier.
	L2KeyPrefix = "vc:l2:"

	// L2MaxConnections is the connection pool size for the remote tier.
	L2MaxConnections = 20

	// L2Deadline bounds every individual remote tier call.
	L2Deadline = 50 * time.Millisecond

	// L2ScanBatch is the cursor batch size for pattern deletes.
	L2ScanBatch = 200
)

// L3 projection reader.
const (
	// L3Deadline bounds every projection query.
	L3Deadline = 500 * time.Millisecond

	// L3RefreshInterval is how often the standard projection set is refreshed.
	L3RefreshInterval = 30 * time.Minute
)

// Circuit breaker.
const (
	// BreakerFailureThreshold trips the breaker after this many consecutive
	// failures.
	BreakerFailureThreshold = 5

	// BreakerRecoveryWindow is how long the breaker stays open before the
	// next call is allowed through to probe recovery.
	BreakerRecoveryWindow = 30 * time.Second
)

// Warming.
const (
	// WarmingBatchSize is the number of tasks a worker batch drains at once.
	WarmingBatchSize = 50

	// WarmingQueueCapPerPriority bounds each of the five priority queues.
	WarmingQueueCapPerPriority = 1000

	// WarmingPoolSize is the number of concurrent warming workers.
	WarmingPoolSize = 10

	// WarmingPollInterval is how long a throttled pool sleeps before
	// rechecking conditions.
	WarmingPollInterval = 5 * time.Second

	// WarmingCompletionHistory bounds the ring of completed task records.
	WarmingCompletionHistory = 10000

	// WarmingTriggerInterval is how often the manager kicks the scheduled
	// warming strategy.
	WarmingTriggerInterval = 30 * time.Minute

	// PredictiveInterval is how often the predictive strategy runs.
	PredictiveInterval = 10 * time.Minute

	// PredictionHorizon is how far ahead a predicted next access may be for
	// the user to be considered warm-worthy.
	PredictionHorizon = time.Hour

	// PredictionProbabilityFloor filters resources below this empirical
	// access probability out of predictive warming.
	PredictionProbabilityFloor = 0.1

	// FetchDeadline bounds a single fallback fetcher invocation.
	FetchDeadline = time.Second
)

// Startup warming caps.
const (
	StartupUserCap       = 100
	StartupGenerationCap = 200
	StartupTeamCap       = 50
)

// Access pattern learner.
const (
	// PatternTimestampCap bounds the per-user ring of access timestamps.
	PatternTimestampCap = 1000

	// PatternSessionCap bounds each per-session timestamp ring.
	PatternSessionCap = 100

	// PatternIdleEviction removes user records idle longer than this.
	PatternIdleEviction = 7 * 24 * time.Hour

	// PatternPruneInterval is how often idle records are purged.
	PatternPruneInterval = time.Hour

	// PatternHourlyWindow bounds the global hour-of-day buckets.
	PatternHourlyWindow = 24 * time.Hour

	// PatternDailyWindow bounds the global day-of-week buckets.
	PatternDailyWindow = 7 * 24 * time.Hour

	// PatternMinSamples is the minimum number of observed accesses before
	// the learner will predict a next access time.
	PatternMinSamples = 5
)

// Performance monitor.
const (
	// MonitoringInterval is the snapshot sampling period.
	MonitoringInterval = 30 * time.Second

	// SnapshotHistory bounds the snapshot ring.
	SnapshotHistory = 1000

	// TrendWindow is the number of recent samples compared against the
	// preceding window of the same size during trend analysis.
	TrendWindow = 10
)

// Hit rate and latency thresholds.
const (
	HitRateTargetPct    = 90.0
	HitRateExcellentPct = 95.0

	OverallLatencyBudget = 100 * time.Millisecond

	L1HitRateTargetPct = 95.0
	L1LatencyBudget    = 5 * time.Millisecond

	L2HitRateTargetPct = 85.0
	L2LatencyBudget    = 20 * time.Millisecond

	L3LatencyBudget = 100 * time.Millisecond

	FacadeLatencyBudget = 75 * time.Millisecond
)

// Lifecycle.
const (
	// ShutdownDrainDeadline bounds how long Stop waits for workers to drain.
	ShutdownDrainDeadline = 10 * time.Second
)

// KeyKind identifies the TTL class of a cached value.
type KeyKind string

const (
	KindDirectOwnership   KeyKind = "direct_ownership"
	KindTeamMembership    KeyKind = "team_membership"
	KindGenerationAccess  KeyKind = "generation_access"
	KindUserProfile       KeyKind = "user_profile"
	KindProjectVisibility KeyKind = "project_visibility"
)

// TTLPair carries the per-tier lifetimes for one key kind.
type TTLPair struct {
	L1 time.Duration
	L2 time.Duration
}

// ttlByKind holds the default per-kind TTLs. Unknown kinds fall back to the
// generation_access pair, the shortest-lived class.
var ttlByKind = map[KeyKind]TTLPair{
	KindDirectOwnership:   {L1: 15 * time.Minute, L2: 15 * time.Minute},
	KindTeamMembership:    {L1: 10 * time.Minute, L2: 10 * time.Minute},
	KindGenerationAccess:  {L1: 5 * time.Minute, L2: 5 * time.Minute},
	KindUserProfile:       {L1: 30 * time.Minute, L2: 30 * time.Minute},
	KindProjectVisibility: {L1: 20 * time.Minute, L2: 20 * time.Minute},
}

// TTLFor returns the per-tier TTLs for a key kind.
func TTLFor(kind KeyKind) TTLPair {
	if p, ok := ttlByKind[kind]; ok {
		return p
	}
	return ttlByKind[KindGenerationAccess]
}
