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
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/vectralabs/vectra/lib/defaults"
)

// ProjectionRow is one row of a materialized projection.
type ProjectionRow map[string]any

// QueryFn fetches rows of a named projection from the slow path. The cache
// core never talks to the relational store directly; this function is the
// seam the surrounding process fills in.
type QueryFn func(ctx context.Context, name string, filter map[string]string, limit int) ([]ProjectionRow, error)

// RefreshFn asks the slow path to rebuild a named projection.
type RefreshFn func(ctx context.Context, name string) error

// Standard projections the cache core consults.
const (
	ProjectionActiveUsers       = "active_users"
	ProjectionRecentGenerations = "recent_generations"
	ProjectionActiveTeams       = "active_teams"
	ProjectionRecentVerdicts    = "recent_authorization_verdicts"
)

// StandardProjections is the set refreshed by the manager's background
// sweeper on the half hour.
var StandardProjections = []string{
	ProjectionActiveUsers,
	ProjectionRecentGenerations,
	ProjectionActiveTeams,
	ProjectionRecentVerdicts,
}

// ProjectionReaderConfig contains parameters for [NewProjectionReader].
type ProjectionReaderConfig struct {
	// Query fetches projection rows. Required.
	Query QueryFn
	// Refresh rebuilds a projection. Optional; when unset RefreshProjection
	// only records the request time.
	Refresh RefreshFn
	// Deadline bounds every query.
	Deadline time.Duration
	// Clock is the time source for freshness bookkeeping.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in omitted fields.
func (c *ProjectionReaderConfig) CheckAndSetDefaults() error {
	if c.Query == nil {
		return trace.BadParameter("missing projection query function")
	}
	if c.Deadline <= 0 {
		c.Deadline = defaults.L3Deadline
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ProjectionReader is the read-only third tier: precomputed projections over
// the relational store. Identical concurrent fetches are collapsed into a
// single query.
type ProjectionReader struct {
	cfg   ProjectionReaderConfig
	group singleflight.Group

	mu        sync.Mutex
	refreshed map[string]time.Time
}

// NewProjectionReader returns a reader over the supplied query function.
func NewProjectionReader(cfg ProjectionReaderConfig) (*ProjectionReader, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ProjectionReader{
		cfg:       cfg,
		refreshed: make(map[string]time.Time),
	}, nil
}

// FetchProjection returns up to limit rows of the named projection matching
// filter. Failures degrade to an error the manager treats as a miss.
func (r *ProjectionReader) FetchProjection(ctx context.Context, name string, filter map[string]string, limit int) ([]ProjectionRow, error) {
	key := fmt.Sprintf("%s/%v/%d", name, filter, limit)
	rows, err, _ := r.group.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
		defer cancel()
		rows, err := r.cfg.Query(ctx, name, filter, limit)
		if err != nil {
			return nil, trace.ConnectionProblem(err, "l3 projection %q query failed", name)
		}
		return rows, nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return rows.([]ProjectionRow), nil
}

// RefreshProjection asks the slow path to rebuild the named projection and
// records the refresh time.
func (r *ProjectionReader) RefreshProjection(ctx context.Context, name string) error {
	if r.cfg.Refresh != nil {
		ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
		defer cancel()
		if err := r.cfg.Refresh(ctx, name); err != nil {
			return trace.ConnectionProblem(err, "l3 projection %q refresh failed", name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed[name] = r.cfg.Clock.Now()
	return nil
}

// LastRefreshed returns when the named projection was last refreshed, if
// ever.
func (r *ProjectionReader) LastRefreshed(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.refreshed[name]
	return t, ok
}
