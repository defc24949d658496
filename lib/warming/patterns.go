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
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/vectralabs/vectra/lib/defaults"
	"github.com/vectralabs/vectra/lib/utils"
)

// LearnerConfig contains parameters for [NewLearner].
type LearnerConfig struct {
	// Enabled toggles pattern learning globally. When disabled, recording
	// is a no-op and predictions are empty.
	Enabled bool
	// TimestampCap bounds the per-user ring of access timestamps.
	TimestampCap int
	// SessionCap bounds each per-session timestamp ring.
	SessionCap int
	// IdleEviction removes user records idle longer than this.
	IdleEviction time.Duration
	// MinSamples is the number of observed accesses required before a next
	// access time is predicted.
	MinSamples int
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in omitted fields.
func (c *LearnerConfig) CheckAndSetDefaults() error {
	if c.TimestampCap < 0 || c.SessionCap < 0 {
		return trace.BadParameter("ring capacities must not be negative")
	}
	if c.TimestampCap == 0 {
		c.TimestampCap = defaults.PatternTimestampCap
	}
	if c.SessionCap == 0 {
		c.SessionCap = defaults.PatternSessionCap
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = defaults.PatternIdleEviction
	}
	if c.MinSamples <= 0 {
		c.MinSamples = defaults.PatternMinSamples
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// userRecord is the per-user access model. Rings are bounded so memory does
// not grow with the number of accesses.
type userRecord struct {
	timestamps  *utils.CircularBuffer[time.Time]
	byKind      map[string]int
	byOperation map[string]int
	sessions    map[string]*utils.CircularBuffer[time.Time]
	lastUpdated time.Time
}

// ResourceLikelihood pairs a resource kind with its empirical access
// probability for one user.
type ResourceLikelihood struct {
	Kind        string
	Probability float64
}

// Learner maintains per-user and global access models and predicts upcoming
// accesses for the predictive warming strategy.
type Learner struct {
	cfg LearnerConfig

	mu    sync.Mutex
	users map[string]*userRecord

	globalMu sync.Mutex
	byKind   map[string]*utils.CircularBuffer[time.Time]
	byOp     map[string]*utils.CircularBuffer[time.Time]
	byHour   [24]*utils.CircularBuffer[time.Time]
	byDay    [7]*utils.CircularBuffer[time.Time]

	predMu    sync.Mutex
	predicted map[string]bool // key -> later observed as cache hit
	predHits  int
	predTotal int
}

// NewLearner returns an empty learner.
func NewLearner(cfg LearnerConfig) (*Learner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	l := &Learner{
		cfg:       cfg,
		users:     make(map[string]*userRecord),
		byKind:    make(map[string]*utils.CircularBuffer[time.Time]),
		byOp:      make(map[string]*utils.CircularBuffer[time.Time]),
		predicted: make(map[string]bool),
	}
	for i := range l.byHour {
		l.byHour[i], _ = utils.NewCircularBuffer[time.Time](cfg.TimestampCap)
	}
	for i := range l.byDay {
		l.byDay[i], _ = utils.NewCircularBuffer[time.Time](cfg.TimestampCap)
	}
	return l, nil
}

// Enabled reports whether pattern learning is active.
func (l *Learner) Enabled() bool {
	return l.cfg.Enabled
}

// RecordAccess ingests one access event. The only ingress to the learner.
func (l *Learner) RecordAccess(userID, resourceKind, operation, sessionTag string) {
	if !l.cfg.Enabled || userID == "" {
		return
	}

	now := l.cfg.Clock.Now()

	l.mu.Lock()
	rec, ok := l.users[userID]
	if !ok {
		timestamps, _ := utils.NewCircularBuffer[time.Time](l.cfg.TimestampCap)
		rec = &userRecord{
			timestamps:  timestamps,
			byKind:      make(map[string]int),
			byOperation: make(map[string]int),
			sessions:    make(map[string]*utils.CircularBuffer[time.Time]),
		}
		l.users[userID] = rec
	}
	rec.timestamps.Add(now)
	rec.byKind[resourceKind]++
	rec.byOperation[operation]++
	rec.lastUpdated = now
	if sessionTag != "" {
		ring, ok := rec.sessions[sessionTag]
		if !ok {
			ring, _ = utils.NewCircularBuffer[time.Time](l.cfg.SessionCap)
			rec.sessions[sessionTag] = ring
		}
		ring.Add(now)
	}
	l.mu.Unlock()

	l.globalMu.Lock()
	if resourceKind != "" {
		ring, ok := l.byKind[resourceKind]
		if !ok {
			ring, _ = utils.NewCircularBuffer[time.Time](l.cfg.TimestampCap)
			l.byKind[resourceKind] = ring
		}
		ring.Add(now)
	}
	if operation != "" {
		ring, ok := l.byOp[operation]
		if !ok {
			ring, _ = utils.NewCircularBuffer[time.Time](l.cfg.TimestampCap)
			l.byOp[operation] = ring
		}
		ring.Add(now)
	}
	l.byHour[now.Hour()].Add(now)
	l.byDay[int(now.Weekday())].Add(now)
	l.globalMu.Unlock()
}

// NextAccessTime predicts when the user will next be active: the last access
// plus the mean of the observed inter-access intervals. Requires the
// configured minimum number of samples.
func (l *Learner) NextAccessTime(userID string) (time.Time, bool) {
	if !l.cfg.Enabled {
		return time.Time{}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.users[userID]
	if !ok {
		return time.Time{}, false
	}
	samples := rec.timestamps.Data(rec.timestamps.Cap())
	if len(samples) < l.cfg.MinSamples {
		return time.Time{}, false
	}

	var total time.Duration
	for i := 1; i < len(samples); i++ {
		total += samples[i].Sub(samples[i-1])
	}
	mean := total / time.Duration(len(samples)-1)
	return samples[len(samples)-1].Add(mean), true
}

// LikelyResources returns up to topN resource kinds the user accesses, with
// empirical probabilities, sorted descending.
func (l *Learner) LikelyResources(userID string, topN int) []ResourceLikelihood {
	if !l.cfg.Enabled || topN <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.users[userID]
	if !ok {
		return nil
	}

	total := 0
	for _, n := range rec.byKind {
		total += n
	}
	if total == 0 {
		return nil
	}

	out := make([]ResourceLikelihood, 0, len(rec.byKind))
	for kind, n := range rec.byKind {
		out = append(out, ResourceLikelihood{Kind: kind, Probability: float64(n) / float64(total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Kind < out[j].Kind
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// TrackedUsers returns the IDs of all users with a pattern record.
func (l *Learner) TrackedUsers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.users))
	for id := range l.users {
		out = append(out, id)
	}
	return out
}

// Prune removes user records idle since before cutoff and returns how many
// were removed.
func (l *Learner) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, rec := range l.users {
		if rec.lastUpdated.Before(cutoff) {
			delete(l.users, id)
			removed++
		}
	}
	return removed
}

// PruneGlobal expires global buckets outside their windows: hour-of-day
// buckets keep one day of samples, day-of-week buckets keep one week.
func (l *Learner) PruneGlobal() {
	now := l.cfg.Clock.Now()
	hourCutoff := now.Add(-defaults.PatternHourlyWindow)
	dayCutoff := now.Add(-defaults.PatternDailyWindow)

	l.globalMu.Lock()
	defer l.globalMu.Unlock()

	for _, ring := range l.byHour {
		ring.Filter(func(t time.Time) bool { return !t.Before(hourCutoff) })
	}
	for _, ring := range l.byDay {
		ring.Filter(func(t time.Time) bool { return !t.Before(dayCutoff) })
	}
	for _, ring := range l.byKind {
		ring.Filter(func(t time.Time) bool { return !t.Before(dayCutoff) })
	}
	for _, ring := range l.byOp {
		ring.Filter(func(t time.Time) bool { return !t.Before(dayCutoff) })
	}
}

// RunPruner periodically evicts idle user records and expired global
// buckets until ctx is canceled.
func (l *Learner) RunPruner(ctx context.Context) {
	ticker := l.cfg.Clock.NewTicker(defaults.PatternPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.Prune(l.cfg.Clock.Now().Add(-l.cfg.IdleEviction))
			l.PruneGlobal()
		}
	}
}

// MarkPredicted records that key was warmed by the predictive strategy. The
// prediction counts as accurate once a later read for the key is served from
// cache.
func (l *Learner) MarkPredicted(key string) {
	if !l.cfg.Enabled {
		return
	}
	l.predMu.Lock()
	defer l.predMu.Unlock()
	if _, ok := l.predicted[key]; !ok {
		// The accuracy counters are cumulative; the map only needs to hold
		// keys whose outcome is still pending, so it is safe to shed an
		// arbitrary entry at the cap.
		if len(l.predicted) >= predictionTrackingCap {
			for k := range l.predicted {
				delete(l.predicted, k)
				break
			}
		}
		l.predicted[key] = false
		l.predTotal++
	}
}

// predictionTrackingCap bounds the set of pending predicted keys.
const predictionTrackingCap = 10000

// ObservePredictedHit reports a cache hit for key; if the key was warmed
// predictively and not yet counted, the prediction is marked accurate.
func (l *Learner) ObservePredictedHit(key string) {
	if !l.cfg.Enabled {
		return
	}
	l.predMu.Lock()
	defer l.predMu.Unlock()
	if hit, ok := l.predicted[key]; ok && !hit {
		l.predicted[key] = true
		l.predHits++
	}
}

// PredictionAccuracy returns the fraction of predictively warmed keys that
// were later served from cache, and the number of predictions made.
func (l *Learner) PredictionAccuracy() (float64, int) {
	l.predMu.Lock()
	defer l.predMu.Unlock()
	if l.predTotal == 0 {
		return 0, 0
	}
	return float64(l.predHits) / float64(l.predTotal), l.predTotal
}
