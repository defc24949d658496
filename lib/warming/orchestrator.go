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

package warming

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/vectralabs/vectra"
	"github.com/vectralabs/vectra/lib/defaults"
	"github.com/vectralabs/vectra/lib/keyspace"
	"github.com/vectralabs/vectra/lib/tiercache"
)

// Fetcher references registered by the runtime. Each key kind has one.
const (
	FetcherUserProfile        = "user_profile"
	FetcherGenerationMetadata = "generation_metadata"
	FetcherTeamMembership     = "team_membership"
	FetcherRecentVerdicts     = "recent_verdicts"
	FetcherMediaAccess        = "media_access"
)

// Pattern enumerates a family of cache keys worth warming, backed by a
// projection.
type Pattern struct {
	// Name identifies the pattern in Warm results.
	Name string
	// Projection is the L3 projection enumerated for keys.
	Projection string
	// Limit caps the enumeration.
	Limit int
	// KeyKind selects TTLs for warmed entries.
	KeyKind defaults.KeyKind
	// FetcherRef resolves the fetcher for each enumerated key.
	FetcherRef string
	// Key builds the cache key for one projection row. Rows missing the
	// fields the key needs report ok false and are skipped.
	Key func(row tiercache.ProjectionRow) (key string, ok bool)
}

// DefaultPatterns is the standard warming pattern set used by scheduled
// warming and WarmFrequent.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:       "active_user_profiles",
			Projection: tiercache.ProjectionActiveUsers,
			Limit:      defaults.StartupUserCap,
			KeyKind:    defaults.KindUserProfile,
			FetcherRef: FetcherUserProfile,
			Key:        userProfileKey,
		},
		{
			Name:       "recent_generation_metadata",
			Projection: tiercache.ProjectionRecentGenerations,
			Limit:      defaults.StartupGenerationCap,
			KeyKind:    defaults.KindGenerationAccess,
			FetcherRef: FetcherGenerationMetadata,
			Key:        generationMetadataKey,
		},
		{
			Name:       "active_team_memberships",
			Projection: tiercache.ProjectionActiveTeams,
			Limit:      defaults.StartupTeamCap,
			KeyKind:    defaults.KindTeamMembership,
			FetcherRef: FetcherTeamMembership,
			Key:        teamMemberKey,
		},
	}
}

func userProfileKey(row tiercache.ProjectionRow) (string, bool) {
	userID := rowString(row, "user_id")
	if userID == "" {
		return "", false
	}
	return keyspace.UserProfile(userID), true
}

func generationMetadataKey(row tiercache.ProjectionRow) (string, bool) {
	genID := rowString(row, "generation_id")
	if genID == "" {
		return "", false
	}
	return keyspace.GenerationMetadata(genID), true
}

// teamMemberKey addresses one concrete membership, so active-team rows must
// carry both sides of the pair.
func teamMemberKey(row tiercache.ProjectionRow) (string, bool) {
	userID := rowString(row, "user_id")
	teamID := rowString(row, "team_id")
	if userID == "" || teamID == "" {
		return "", false
	}
	return keyspace.TeamMember(userID, teamID), true
}

// ProjectionSource enumerates materialized projections. The tier cache
// manager implements it with degradation to empty results.
type ProjectionSource interface {
	FetchProjection(ctx context.Context, name string, filter map[string]string, limit int) []tiercache.ProjectionRow
}

// HotKeySource reports the most frequently read cache keys.
type HotKeySource interface {
	HottestKeys(n int) []string
}

// OrchestratorConfig contains parameters for [NewOrchestrator].
type OrchestratorConfig struct {
	// Queue receives produced tasks. Required.
	Queue *Queue
	// Learner drives the predictive strategy. Required.
	Learner *Learner
	// Projections enumerates startup and scheduled warming targets.
	// Required.
	Projections ProjectionSource
	// HotKeys feeds burst recovery. Optional.
	HotKeys HotKeySource
	// PredictiveEnabled toggles the periodic predictive strategy.
	PredictiveEnabled bool
	// PredictiveInterval is the period of the predictive loop.
	PredictiveInterval time.Duration
	// PredictionHorizon is how far ahead a predicted access may lie.
	PredictionHorizon time.Duration
	// ProbabilityFloor filters unlikely resources out of predictions.
	ProbabilityFloor float64
	// Patterns is the default warming pattern set.
	Patterns []Pattern
	// StartupUserCap, StartupGenerationCap and StartupTeamCap bound the
	// startup enumerations.
	StartupUserCap       int
	StartupGenerationCap int
	StartupTeamCap       int
	// BurstBatch bounds one burst-recovery batch.
	BurstBatch int
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in omitted fields.
func (c *OrchestratorConfig) CheckAndSetDefaults() error {
	if c.Queue == nil {
		return trace.BadParameter("missing queue")
	}
	if c.Learner == nil {
		return trace.BadParameter("missing learner")
	}
	if c.Projections == nil {
		return trace.BadParameter("missing projection source")
	}
	if c.PredictiveInterval <= 0 {
		c.PredictiveInterval = defaults.PredictiveInterval
	}
	if c.PredictionHorizon <= 0 {
		c.PredictionHorizon = defaults.PredictionHorizon
	}
	if c.ProbabilityFloor <= 0 {
		c.ProbabilityFloor = defaults.PredictionProbabilityFloor
	}
	if c.Patterns == nil {
		c.Patterns = DefaultPatterns()
	}
	if c.StartupUserCap <= 0 {
		c.StartupUserCap = defaults.StartupUserCap
	}
	if c.StartupGenerationCap <= 0 {
		c.StartupGenerationCap = defaults.StartupGenerationCap
	}
	if c.StartupTeamCap <= 0 {
		c.StartupTeamCap = defaults.StartupTeamCap
	}
	if c.BurstBatch <= 0 {
		c.BurstBatch = defaults.WarmingBatchSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vectra.Component, vectra.ComponentWarming)
	}
	return nil
}

// Orchestrator composes the warming strategies. Each strategy produces a
// batch of tasks for the priority queue; the worker pool executes them.
type Orchestrator struct {
	cfg OrchestratorConfig
}

// NewOrchestrator returns an orchestrator over the given queue and learner.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Startup runs the one-shot startup strategy: recently active users, recent
// generations and active teams are enqueued at critical and high priority so
// the first wave of traffic after a restart finds a warm cache.
func (o *Orchestrator) Startup(ctx context.Context) int {
	enqueued := 0

	users := o.cfg.Projections.FetchProjection(ctx, tiercache.ProjectionActiveUsers, nil, o.cfg.StartupUserCap)
	for _, row := range users {
		userID := rowString(row, "user_id")
		if userID == "" {
			continue
		}
		enqueued += o.push(ctx, &Task{
			Priority:   PriorityCritical,
			Strategy:   StrategyStartup,
			KeyKind:    defaults.KindUserProfile,
			CacheKey:   keyspace.UserProfile(userID),
			FetcherRef: FetcherUserProfile,
			Tags:       []string{"user:" + userID, "startup"},
		})
	}

	generations := o.cfg.Projections.FetchProjection(ctx, tiercache.ProjectionRecentGenerations, nil, o.cfg.StartupGenerationCap)
	for _, row := range generations {
		genID := rowString(row, "generation_id")
		if genID == "" {
			continue
		}
		enqueued += o.push(ctx, &Task{
			Priority:   PriorityHigh,
			Strategy:   StrategyStartup,
			KeyKind:    defaults.KindGenerationAccess,
			CacheKey:   keyspace.GenerationMetadata(genID),
			FetcherRef: FetcherGenerationMetadata,
			Tags:       []string{"generation:" + genID, "startup"},
		})
	}

	memberships := o.cfg.Projections.FetchProjection(ctx, tiercache.ProjectionActiveTeams, nil, o.cfg.StartupTeamCap)
	for _, row := range memberships {
		key, ok := teamMemberKey(row)
		if !ok {
			continue
		}
		userID := rowString(row, "user_id")
		teamID := rowString(row, "team_id")
		enqueued += o.push(ctx, &Task{
			Priority:   PriorityHigh,
			Strategy:   StrategyStartup,
			KeyKind:    defaults.KindTeamMembership,
			CacheKey:   key,
			FetcherRef: FetcherTeamMembership,
			Tags:       []string{"user:" + userID, "team:" + teamID, "startup"},
		})
	}

	o.cfg.Logger.InfoContext(ctx, "startup warming complete", "enqueued", enqueued)
	return enqueued
}

// PredictiveCycle runs one pass of the predictive strategy: users whose
// predicted next access falls within the horizon get low-priority tasks for
// their likely resources.
func (o *Orchestrator) PredictiveCycle(ctx context.Context) int {
	if !o.cfg.PredictiveEnabled || !o.cfg.Learner.Enabled() {
		return 0
	}

	now := o.cfg.Clock.Now()
	horizon := now.Add(o.cfg.PredictionHorizon)
	enqueued := 0

	for _, userID := range o.cfg.Learner.TrackedUsers() {
		next, ok := o.cfg.Learner.NextAccessTime(userID)
		if !ok || next.After(horizon) {
			continue
		}

		for _, likely := range o.cfg.Learner.LikelyResources(userID, 5) {
			if likely.Probability < o.cfg.ProbabilityFloor {
				continue
			}
			enqueued += o.push(ctx, &Task{
				Priority:   PriorityLow,
				Strategy:   StrategyPredictive,
				KeyKind:    defaults.KindGenerationAccess,
				CacheKey:   keyspace.RecentVerdicts(userID, likely.Kind),
				FetcherRef: FetcherRecentVerdicts,
				Tags:       []string{"user:" + userID, "predictive"},
				Metadata: map[string]string{
					"resource_kind": likely.Kind,
					"probability":   formatProbability(likely.Probability),
				},
			})
		}

		// The profile itself is cheap and nearly always needed first.
		enqueued += o.push(ctx, &Task{
			Priority:   PriorityLow,
			Strategy:   StrategyPredictive,
			KeyKind:    defaults.KindUserProfile,
			CacheKey:   keyspace.UserProfile(userID),
			FetcherRef: FetcherUserProfile,
			Tags:       []string{"user:" + userID, "predictive"},
		})
	}

	if enqueued > 0 {
		o.cfg.Logger.DebugContext(ctx, "predictive warming cycle", "enqueued", enqueued)
	}
	return enqueued
}

// ScheduledWarm implements the manager's periodic warming trigger: the
// default pattern set at medium priority.
func (o *Orchestrator) ScheduledWarm(ctx context.Context) error {
	_, err := o.Warm(ctx, patternNames(o.cfg.Patterns))
	return trace.Wrap(err)
}

// Warm enqueues medium-priority tasks for the named patterns and reports how
// many tasks each pattern produced.
func (o *Orchestrator) Warm(ctx context.Context, patterns []string) (map[string]int, error) {
	byName := make(map[string]Pattern, len(o.cfg.Patterns))
	for _, p := range o.cfg.Patterns {
		byName[p.Name] = p
	}

	out := make(map[string]int, len(patterns))
	for _, name := range patterns {
		p, ok := byName[name]
		if !ok {
			return out, trace.NotFound("unknown warming pattern %q", name)
		}

		rows := o.cfg.Projections.FetchProjection(ctx, p.Projection, nil, p.Limit)
		count := 0
		for _, row := range rows {
			key, ok := p.Key(row)
			if !ok {
				continue
			}
			count += o.push(ctx, &Task{
				Priority:   PriorityMedium,
				Strategy:   StrategyScheduled,
				KeyKind:    p.KeyKind,
				CacheKey:   key,
				FetcherRef: p.FetcherRef,
				Tags:       []string{"pattern:" + p.Name, "scheduled"},
			})
		}
		out[name] = count
	}
	return out, nil
}

// EnqueueReactive enqueues a caller-supplied task, e.g. after a miss storm.
// Fails with a limit exceeded error when the target priority band is full;
// callers must not block on that.
func (o *Orchestrator) EnqueueReactive(task *Task) error {
	if task == nil {
		return trace.BadParameter("missing task")
	}
	if task.Strategy == "" {
		task.Strategy = StrategyReactive
	}
	o.stamp(task)
	return trace.Wrap(o.cfg.Queue.Push(task))
}

// BurstRecovery reacts to a hit rate collapse by re-warming the hottest
// known keys at medium priority. Fired by the monitor's alert callback.
func (o *Orchestrator) BurstRecovery(ctx context.Context) int {
	if o.cfg.HotKeys == nil {
		return 0
	}

	enqueued := 0
	for _, key := range o.cfg.HotKeys.HottestKeys(o.cfg.BurstBatch) {
		ref, kind := fetcherForKey(key)
		if ref == "" {
			continue
		}
		enqueued += o.push(ctx, &Task{
			Priority:   PriorityMedium,
			Strategy:   StrategyBurstRecovery,
			KeyKind:    kind,
			CacheKey:   key,
			FetcherRef: ref,
			Tags:       []string{"burst_recovery"},
		})
	}
	if enqueued > 0 {
		o.cfg.Logger.InfoContext(ctx, "burst recovery warming", "enqueued", enqueued)
	}
	return enqueued
}

// fetcherForKey maps a cache key shape onto the fetcher able to rebuild it.
// Keys with an unrecognized shape cannot be re-warmed and are skipped.
func fetcherForKey(key string) (string, defaults.KeyKind) {
	parts := strings.Split(key, ":")
	switch {
	case len(parts) == 3 && parts[0] == "auth" && parts[1] == "user_profile":
		return FetcherUserProfile, defaults.KindUserProfile
	case len(parts) == 4 && parts[0] == "auth" && parts[1] == "team_member":
		return FetcherTeamMembership, defaults.KindTeamMembership
	case len(parts) == 4 && parts[0] == "auth" && parts[1] == "recent_verdicts":
		return FetcherRecentVerdicts, defaults.KindGenerationAccess
	case len(parts) == 5 && parts[0] == "auth" && parts[1] == "generation" && parts[4] == "media":
		return FetcherMediaAccess, defaults.KindGenerationAccess
	case len(parts) == 3 && parts[0] == "gen" && parts[2] == "metadata":
		return FetcherGenerationMetadata, defaults.KindGenerationAccess
	}
	return "", ""
}

// Run executes the periodic predictive loop until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := o.cfg.Clock.NewTicker(o.cfg.PredictiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			o.PredictiveCycle(ctx)
		}
	}
}

// push stamps and enqueues a task, returning 1 on success. Queue-full is
// backpressure, not an error; it is logged at debug and the task dropped.
func (o *Orchestrator) push(ctx context.Context, task *Task) int {
	o.stamp(task)
	if err := o.cfg.Queue.Push(task); err != nil {
		o.cfg.Logger.DebugContext(ctx, "warming task rejected", "key", task.CacheKey, "error", err)
		return 0
	}
	return 1
}

func (o *Orchestrator) stamp(task *Task) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = o.cfg.Clock.Now()
	}
}

func patternNames(patterns []Pattern) []string {
	names := make([]string, 0, len(patterns))
	for _, p := range patterns {
		names = append(names, p.Name)
	}
	return names
}

func rowString(row tiercache.ProjectionRow, field string) string {
	v, _ := row[field].(string)
	return v
}

func formatProbability(p float64) string {
	return strconv.FormatFloat(p, 'f', 3, 64)
}
