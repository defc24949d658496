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
	"container/heap"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/vectralabs/vectra/lib/defaults"
)

// Priority orders warming tasks. Lower numbers run first.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityMedium     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

// String returns the priority name used in logs and task metadata.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	}
	return "unknown"
}

func (p Priority) valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// cachePriority maps a task priority onto the 1..10 entry priority scale of
// the in-process store, where higher is more valuable: critical tasks pin
// their entries hardest against eviction.
func (p Priority) cachePriority() int {
	if !p.valid() {
		return 1
	}
	return 12 - 2*int(p)
}

// Strategy identifies which warming strategy produced a task.
type Strategy string

const (
	StrategyStartup       Strategy = "startup"
	StrategyPredictive    Strategy = "predictive"
	StrategyReactive      Strategy = "reactive"
	StrategyScheduled     Strategy = "scheduled"
	StrategyBurstRecovery Strategy = "burst_recovery"
)

// Task is one unit of warming work: resolve a cache key ahead of demand.
// Tasks reference their fetcher by identifier rather than closure so they
// stay serializable.
type Task struct {
	// ID uniquely identifies the task.
	ID string
	// Priority orders the task in the queue.
	Priority Priority
	// Strategy records which strategy produced the task.
	Strategy Strategy
	// KeyKind selects the TTL class used when the fetched value is stored.
	KeyKind defaults.KeyKind
	// CacheKey is the key to warm.
	CacheKey string
	// FetcherRef resolves to a FetchFn through the registry.
	FetcherRef string
	// EstExecMS and EstBytes are scheduling hints.
	EstExecMS int64
	EstBytes  int64
	// CreatedAt breaks ties within a priority, FIFO.
	CreatedAt time.Time
	// ScheduledAt is when a worker picked the task up.
	ScheduledAt time.Time
	// CompletedAt is when the task finished.
	CompletedAt time.Time
	// Success reports the outcome.
	Success bool
	// ExecutionMS is the measured execution time.
	ExecutionMS int64
	// Tags annotate the task and the warmed entry.
	Tags []string
	// Metadata carries strategy-specific context.
	Metadata map[string]string

	seq uint64
}

// less orders tasks by (priority asc, created_at asc), with the push
// sequence as a final tiebreak so ordering is total.
func (t *Task) less(o *Task) bool {
	if t.Priority != o.Priority {
		return t.Priority < o.Priority
	}
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	return t.seq < o.seq
}

// QueueConfig contains parameters for [NewQueue].
type QueueConfig struct {
	// CapacityPerPriority bounds each of the five priority bands.
	CapacityPerPriority int
}

// CheckAndSetDefaults validates the config and fills in omitted fields.
func (c *QueueConfig) CheckAndSetDefaults() error {
	if c.CapacityPerPriority < 0 {
		return trace.BadParameter("queue capacity must not be negative")
	}
	if c.CapacityPerPriority == 0 {
		c.CapacityPerPriority = defaults.WarmingQueueCapPerPriority
	}
	return nil
}

// Queue is the five-band priority queue feeding the warming worker pool.
// Pop order is strictly priority-then-FIFO. A full band rejects new tasks;
// the rejection is backpressure, not an error condition, and callers must
// not block on it.
type Queue struct {
	cfg QueueConfig

	mu      sync.Mutex
	heap    taskHeap
	counts  map[Priority]int
	nextSeq uint64
}

// NewQueue returns an empty queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Queue{
		cfg:    cfg,
		counts: make(map[Priority]int),
	}, nil
}

// Push enqueues a task. A band at capacity rejects the task with a limit
// exceeded error.
func (q *Queue) Push(task *Task) error {
	if task == nil {
		return trace.BadParameter("missing task")
	}
	if !task.Priority.valid() {
		return trace.BadParameter("invalid task priority %d", task.Priority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.counts[task.Priority] >= q.cfg.CapacityPerPriority {
		return trace.LimitExceeded("warming queue full for priority %v", task.Priority)
	}

	task.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, task)
	q.counts[task.Priority]++
	return nil
}

// Pop removes and returns the highest-priority task, or false when empty.
func (q *Queue) Pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil, false
	}
	task := heap.Pop(&q.heap).(*Task)
	q.counts[task.Priority]--
	return task, true
}

// PopBatch removes up to n tasks in priority order.
func (q *Queue) PopBatch(n int) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > q.heap.Len() {
		n = q.heap.Len()
	}
	batch := make([]*Task, 0, n)
	for range n {
		task := heap.Pop(&q.heap).(*Task)
		q.counts[task.Priority]--
		batch = append(batch, task)
	}
	return batch
}

// Size returns the total number of queued tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// SizeAt returns the number of queued tasks at one priority.
func (q *Queue) SizeAt(p Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[p]
}

// taskHeap implements heap.Interface over tasks.
type taskHeap []*Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}
