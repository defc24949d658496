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

// Package authzcache is the domain-shaped authorization API over the tier
// cache. Callers resolve media access, team access and ownership predicates;
// raw cache keys never leave this package or [keyspace].
package authzcache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/vectralabs/vectra"
	"github.com/vectralabs/vectra/lib/defaults"
	"github.com/vectralabs/vectra/lib/keyspace"
	"github.com/vectralabs/vectra/lib/tiercache"
	"github.com/vectralabs/vectra/lib/warming"
)

// AuditTrail records how one resolution was served.
type AuditTrail struct {
	Key        string
	Source     tiercache.Source
	Elapsed    time.Duration
	ResolvedAt time.Time
}

// Permissions is the media permission set for one user on one generation.
// The audit trail is per-resolution and never cached.
type Permissions struct {
	CanRead     bool `json:"can_read"`
	CanEdit     bool `json:"can_edit"`
	CanDelete   bool `json:"can_delete"`
	CanDownload bool `json:"can_download"`
	CanShare    bool `json:"can_share"`

	Audit AuditTrail `json:"-"`
}

// TeamAccess is the outcome of a team-scoped authorization check.
type TeamAccess struct {
	Allowed bool   `json:"allowed"`
	Role    string `json:"role"`
	TeamID  string `json:"team_id"`

	Audit AuditTrail `json:"-"`
}

// ownershipVerdict is the cached shape of the ownership predicate.
type ownershipVerdict struct {
	Owned bool `json:"owned"`
}

// Evaluator is the external policy engine consulted when every cache tier
// misses. It is the source of truth; the cache only memoizes it.
type Evaluator interface {
	MediaAccess(ctx context.Context, userID, generationID string) (*Permissions, error)
	TeamAccess(ctx context.Context, userID, resourceID, requiredRole string) (*TeamAccess, error)
	DirectOwnership(ctx context.Context, ownerID, userID, ownershipContext string) (bool, error)
}

// Observer receives per-call latency and the serving tier.
type Observer interface {
	Observe(tier string, elapsed time.Duration)
}

// AccessRecorder feeds the pattern learner.
type AccessRecorder interface {
	RecordAccess(userID, resourceKind, operation, sessionTag string)
}

// PredictionScorer is told when a cache tier serves a key, so predictive
// warming accuracy can be measured.
type PredictionScorer interface {
	ObservePredictedHit(key string)
}

// WarmSeeder runs named warming patterns on demand.
type WarmSeeder interface {
	Warm(ctx context.Context, patterns []string) (map[string]int, error)
}

// FacadeConfig contains parameters for [NewFacade].
type FacadeConfig struct {
	// Manager is the tier cache. Required.
	Manager *tiercache.Manager
	// Evaluator is the policy engine behind the cache. Required.
	Evaluator Evaluator
	// Recorder, if set, learns access patterns from facade calls.
	Recorder AccessRecorder
	// Predictions, if set, scores cache hits against predictive warming.
	Predictions PredictionScorer
	// Observer, if set, receives latency and serving-tier observations.
	Observer Observer
	// Seeder, if set, backs WarmFrequent.
	Seeder WarmSeeder
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in omitted fields.
func (c *FacadeConfig) CheckAndSetDefaults() error {
	if c.Manager == nil {
		return trace.BadParameter("missing cache manager")
	}
	if c.Evaluator == nil {
		return trace.BadParameter("missing policy evaluator")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vectra.Component, vectra.ComponentAuthzCache)
	}
	return nil
}

// Facade resolves authorization questions through the tier cache.
type Facade struct {
	cfg    FacadeConfig
	tracer oteltrace.Tracer
}

// NewFacade returns a facade over the given manager and evaluator.
func NewFacade(cfg FacadeConfig) (*Facade, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Facade{
		cfg:    cfg,
		tracer: otel.Tracer("vectra/authzcache"),
	}, nil
}

// ResolveMediaAccess returns the media permission set for a user on a
// generation, consulting the cache tiers before the policy evaluator.
func (f *Facade) ResolveMediaAccess(ctx context.Context, generationID, userID string) (*Permissions, error) {
	ctx, span := f.tracer.Start(ctx, "authzcache/ResolveMediaAccess")
	defer span.End()

	if generationID == "" || userID == "" {
		return nil, trace.BadParameter("missing generation or user id")
	}

	key := keyspace.MediaAccess(userID, generationID)

	perms := &Permissions{}
	audit, err := f.resolve(ctx, key, perms, resolveSpec{
		kind:     defaults.KindGenerationAccess,
		priority: 7,
		tags:     []string{"user:" + userID, "generation:" + generationID},
		fetch: func(ctx context.Context) (any, error) {
			return f.cfg.Evaluator.MediaAccess(ctx, userID, generationID)
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	f.record(userID, "generation", "media")
	perms.Audit = audit
	return perms, nil
}

// ResolveTeamAccess returns whether the user holds at least requiredRole on
// the team-scoped resource.
func (f *Facade) ResolveTeamAccess(ctx context.Context, resourceID, userID, requiredRole string) (*TeamAccess, error) {
	ctx, span := f.tracer.Start(ctx, "authzcache/ResolveTeamAccess")
	defer span.End()

	if resourceID == "" || userID == "" {
		return nil, trace.BadParameter("missing resource or user id")
	}

	key := keyspace.Verdict("team", userID, resourceID, requiredRole)

	access := &TeamAccess{}
	audit, err := f.resolve(ctx, key, access, resolveSpec{
		kind:     defaults.KindTeamMembership,
		priority: 8,
		tags:     []string{"user:" + userID, "resource:" + resourceID},
		fetch: func(ctx context.Context) (any, error) {
			return f.cfg.Evaluator.TeamAccess(ctx, userID, resourceID, requiredRole)
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	f.record(userID, "team", "access")
	access.Audit = audit
	return access, nil
}

// ResolveDirectOwnership answers the ownership predicate. It is the
// highest-priority cacheable verdict and carries the longest TTL.
func (f *Facade) ResolveDirectOwnership(ctx context.Context, ownerID, userID, ownershipContext string) (bool, error) {
	ctx, span := f.tracer.Start(ctx, "authzcache/ResolveDirectOwnership")
	defer span.End()

	if ownerID == "" || userID == "" {
		return false, trace.BadParameter("missing owner or user id")
	}

	key := keyspace.DirectOwnership(ownerID, userID, ownershipContext)

	verdict := &ownershipVerdict{}
	_, err := f.resolve(ctx, key, verdict, resolveSpec{
		kind:     defaults.KindDirectOwnership,
		priority: 10,
		tags:     []string{"user:" + userID, "owner:" + ownerID},
		fetch: func(ctx context.Context) (any, error) {
			owned, err := f.cfg.Evaluator.DirectOwnership(ctx, ownerID, userID, ownershipContext)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return &ownershipVerdict{Owned: owned}, nil
		},
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	f.record(userID, "ownership", ownershipContext)
	return verdict.Owned, nil
}

// InvalidateUser removes every cached verdict scoped to the user across the
// tiers. Safe to repeat; absent keys are not an error.
func (f *Facade) InvalidateUser(ctx context.Context, userID string) error {
	if userID == "" {
		return trace.BadParameter("missing user id")
	}
	for _, pattern := range keyspace.UserPatterns(userID) {
		if _, err := f.cfg.Manager.InvalidatePattern(ctx, pattern); err != nil {
			return trace.Wrap(err)
		}
	}
	f.cfg.Manager.InvalidateByTag(ctx, "user:"+userID)
	return nil
}

// InvalidateResource removes every cached verdict scoped to the resource.
func (f *Facade) InvalidateResource(ctx context.Context, resourceID string) error {
	if resourceID == "" {
		return trace.BadParameter("missing resource id")
	}
	if _, err := f.cfg.Manager.InvalidatePattern(ctx, keyspace.ResourcePattern(resourceID)); err != nil {
		return trace.Wrap(err)
	}
	f.cfg.Manager.InvalidateByTag(ctx, "resource:"+resourceID)
	return nil
}

// WarmFrequent seeds the warming queue with the default pattern set and
// returns how many tasks each pattern enqueued.
func (f *Facade) WarmFrequent(ctx context.Context) (map[string]int, error) {
	if f.cfg.Seeder == nil {
		return nil, trace.NotImplemented("no warming seeder configured")
	}
	names := make([]string, 0, len(warming.DefaultPatterns()))
	for _, p := range warming.DefaultPatterns() {
		names = append(names, p.Name)
	}
	counts, err := f.cfg.Seeder.Warm(ctx, names)
	return counts, trace.Wrap(err)
}

// resolveSpec carries the per-verdict cache parameters for resolve.
type resolveSpec struct {
	kind     defaults.KeyKind
	priority int
	tags     []string
	fetch    func(ctx context.Context) (any, error)
}

// resolve runs one cached lookup: tiers first, evaluator on miss, with
// corrupt payloads evicted and re-fetched rather than surfaced.
func (f *Facade) resolve(ctx context.Context, key string, out any, spec resolveSpec) (AuditTrail, error) {
	start := f.cfg.Clock.Now()
	ttl := defaults.TTLFor(spec.kind)

	fallback := func(ctx context.Context) ([]byte, error) {
		v, err := spec.fetch(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		payload, err := tiercache.Encode(v)
		return payload, trace.Wrap(err)
	}

	payload, source, err := f.cfg.Manager.Get(ctx, key, tiercache.GetOpts{
		Fallback: fallback,
		L1TTL:    ttl.L1,
		L2TTL:    ttl.L2,
		Priority: spec.priority,
		Tags:     spec.tags,
	})
	if err != nil {
		return AuditTrail{}, trace.Wrap(err)
	}

	if err := tiercache.DecodeJSON(payload, out); err != nil {
		if !errors.Is(err, tiercache.ErrCorruptPayload) {
			return AuditTrail{}, trace.Wrap(err)
		}
		// A corrupt entry is evicted and treated as a miss; the evaluator
		// result replaces it.
		f.cfg.Logger.WarnContext(ctx, "evicting corrupt cache entry", "key", key)
		f.cfg.Manager.Invalidate(ctx, key)
		payload, err = fallback(ctx)
		if err != nil {
			return AuditTrail{}, trace.Wrap(err)
		}
		f.cfg.Manager.Set(ctx, key, payload, ttl.L1, ttl.L2, spec.priority, spec.tags)
		if err := tiercache.DecodeJSON(payload, out); err != nil {
			return AuditTrail{}, trace.Wrap(err)
		}
		source = tiercache.SourceFallback
	}

	elapsed := f.cfg.Clock.Now().Sub(start)
	if f.cfg.Observer != nil {
		f.cfg.Observer.Observe(string(source), elapsed)
	}
	if f.cfg.Predictions != nil && (source == tiercache.SourceL1 || source == tiercache.SourceL2) {
		f.cfg.Predictions.ObservePredictedHit(key)
	}
	return AuditTrail{
		Key:        key,
		Source:     source,
		Elapsed:    elapsed,
		ResolvedAt: start,
	}, nil
}

// record feeds the access into the pattern learner when one is wired.
func (f *Facade) record(userID, resourceKind, operation string) {
	if f.cfg.Recorder != nil {
		f.cfg.Recorder.RecordAccess(userID, resourceKind, operation, "")
	}
}
