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
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vectralabs/vectra"
	"github.com/vectralabs/vectra/lib/defaults"
	"github.com/vectralabs/vectra/lib/tiercache"
	"github.com/vectralabs/vectra/lib/utils"
)

// CacheManager is the slice of the tier cache manager the warming subsystem
// consumes.
type CacheManager interface {
	Get(ctx context.Context, key string, opts tiercache.GetOpts) ([]byte, tiercache.Source, error)
	Set(ctx context.Context, key string, payload []byte, l1TTL, l2TTL time.Duration, priority int, tags []string) tiercache.SetResult
	AggregateHitRate() float64
}

var taskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: vectra.MetricNamespace,
	Subsystem: "warming",
	Name:      "tasks_total",
	Help:      "Completed warming tasks by strategy and outcome.",
}, []string{"strategy", "outcome"})

var warmingRegisterOnce sync.Once

func ensureWarmingRegistered() {
	warmingRegisterOnce.Do(func() {
		prometheus.MustRegister(taskOutcomes)
	})
}

// Completion records the outcome of one warming task, retained in a bounded
// history ring.
type Completion struct {
	TaskID        string
	CacheKey      string
	Strategy      Strategy
	Priority      Priority
	Success       bool
	AlreadyCached bool
	ExecutionMS   int64
	Bytes         int
	CompletedAt   time.Time
}

// PoolConfig contains parameters for [NewPool].
type PoolConfig struct {
	// Queue feeds the pool. Required.
	Queue *Queue
	// Manager resolves and stores warmed values. Required.
	Manager CacheManager
	// Fetchers resolves task fetcher references. Required.
	Fetchers *Registry
	// Learner, if set, receives predicted-key bookkeeping.
	Learner *Learner
	// Workers bounds concurrent task execution.
	Workers int
	// BatchSize is the number of tasks drained per cycle.
	BatchSize int
	// PollInterval is how long the pool sleeps when throttled or idle.
	PollInterval time.Duration
	// HitRateExcellent is the aggregate hit rate percentage above which
	// warming is unnecessary and the pool throttles itself.
	HitRateExcellent float64
	// FetchRPS bounds fetcher invocations per second, protecting the slow
	// path. Zero disables the limiter.
	FetchRPS int
	// FetchDeadline bounds each fetcher invocation.
	FetchDeadline time.Duration
	// HistorySize bounds the completion ring.
	HistorySize int
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in omitted fields.
func (c *PoolConfig) CheckAndSetDefaults() error {
	if c.Queue == nil {
		return trace.BadParameter("missing queue")
	}
	if c.Manager == nil {
		return trace.BadParameter("missing cache manager")
	}
	if c.Fetchers == nil {
		return trace.BadParameter("missing fetcher registry")
	}
	if c.Workers < 0 || c.BatchSize < 0 || c.FetchRPS < 0 || c.HistorySize < 0 {
		return trace.BadParameter("pool sizes must not be negative")
	}
	if c.Workers == 0 {
		c.Workers = defaults.WarmingPoolSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaults.WarmingBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.WarmingPollInterval
	}
	if c.HitRateExcellent == 0 {
		c.HitRateExcellent = defaults.HitRateExcellentPct
	}
	if c.FetchDeadline <= 0 {
		c.FetchDeadline = defaults.FetchDeadline
	}
	if c.HistorySize == 0 {
		c.HistorySize = defaults.WarmingCompletionHistory
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vectra.Component, vectra.ComponentWarming)
	}
	return nil
}

// Pool drains the warming queue with a fixed set of cooperative workers.
// Batches preserve priority order; work is skipped entirely while the cache
// is already meeting its hit rate target.
type Pool struct {
	cfg     PoolConfig
	limiter *rate.Limiter
	history *utils.CircularBuffer[Completion]

	active    atomic.Int64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// NewPool returns a pool ready to run.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureWarmingRegistered()

	history, err := utils.NewCircularBuffer[Completion](cfg.HistorySize)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var limiter *rate.Limiter
	if cfg.FetchRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.FetchRPS), cfg.FetchRPS)
	}

	return &Pool{cfg: cfg, limiter: limiter, history: history}, nil
}

// Run drains the queue until ctx is canceled. In-flight tasks finish before
// workers exit; queued tasks are abandoned.
func (p *Pool) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if p.throttled() {
			if !p.sleep(ctx) {
				return
			}
			continue
		}

		batch := p.cfg.Queue.PopBatch(p.cfg.BatchSize)
		if len(batch) == 0 {
			if !p.sleep(ctx) {
				return
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Workers)
		for _, task := range batch {
			g.Go(func() error {
				p.execute(gctx, task)
				return nil
			})
		}
		// Workers never return errors; failures are recorded per task.
		_ = g.Wait()
	}
}

// RunBatch synchronously drains up to one batch. Used by tests and by the
// one-shot warming entry points.
func (p *Pool) RunBatch(ctx context.Context) int {
	batch := p.cfg.Queue.PopBatch(p.cfg.BatchSize)
	for _, task := range batch {
		p.execute(ctx, task)
	}
	return len(batch)
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Active    int64
	Succeeded uint64
	Failed    uint64
}

// Stats returns the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Active:    p.active.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
	}
}

// History returns the most recent n completions, oldest first.
func (p *Pool) History(n int) []Completion {
	return p.history.Data(n)
}

// throttled reports whether warming work should be skipped: either the
// cache is already performing above the excellent threshold, or the pool is
// saturated.
func (p *Pool) throttled() bool {
	if p.cfg.Manager.AggregateHitRate() >= p.cfg.HitRateExcellent {
		return true
	}
	return p.active.Load() >= int64(p.cfg.Workers)
}

// sleep waits one poll interval, returning false if ctx was canceled.
func (p *Pool) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.cfg.Clock.After(p.cfg.PollInterval):
		return true
	}
}

// execute runs one task: a value already in cache is a free success;
// otherwise the task's fetcher produces the value and the manager stores it
// under the TTLs of the task's key kind.
func (p *Pool) execute(ctx context.Context, task *Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := p.cfg.Clock.Now()
	task.ScheduledAt = start

	success, alreadyCached, bytes := p.warm(ctx, task)

	task.CompletedAt = p.cfg.Clock.Now()
	task.Success = success
	task.ExecutionMS = task.CompletedAt.Sub(start).Milliseconds()

	outcome := "failure"
	if success {
		outcome = "success"
		p.succeeded.Add(1)
	} else {
		p.failed.Add(1)
	}
	taskOutcomes.WithLabelValues(string(task.Strategy), outcome).Inc()

	p.history.Add(Completion{
		TaskID:        task.ID,
		CacheKey:      task.CacheKey,
		Strategy:      task.Strategy,
		Priority:      task.Priority,
		Success:       success,
		AlreadyCached: alreadyCached,
		ExecutionMS:   task.ExecutionMS,
		Bytes:         bytes,
		CompletedAt:   task.CompletedAt,
	})
}

func (p *Pool) warm(ctx context.Context, task *Task) (success, alreadyCached bool, bytes int) {
	payload, _, err := p.cfg.Manager.Get(ctx, task.CacheKey, tiercache.GetOpts{})
	if err == nil && payload != nil {
		return true, true, 0
	}

	fetch, ok := p.cfg.Fetchers.Resolve(task.FetcherRef)
	if !ok {
		p.cfg.Logger.WarnContext(ctx, "warming task references unknown fetcher", "task", task.ID, "fetcher", task.FetcherRef)
		return false, false, 0
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return false, false, 0
		}
	}

	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchDeadline)
	defer cancel()
	payload, err = fetch(fctx, task.CacheKey)
	if err != nil || payload == nil {
		if err != nil {
			p.cfg.Logger.DebugContext(ctx, "warming fetch failed", "task", task.ID, "key", task.CacheKey, "error", err)
		}
		return false, false, 0
	}

	ttl := defaults.TTLFor(task.KeyKind)
	p.cfg.Manager.Set(ctx, task.CacheKey, payload, ttl.L1, ttl.L2, task.Priority.cachePriority(), task.Tags)

	if p.cfg.Learner != nil && task.Strategy == StrategyPredictive {
		p.cfg.Learner.MarkPredicted(task.CacheKey)
	}
	return true, false, len(payload)
}
