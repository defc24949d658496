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
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/vectralabs/vectra/lib/defaults"
)

// EvictionPolicy selects how the in-process store picks eviction victims.
type EvictionPolicy string

const (
	// EvictLRU evicts the least recently used entry.
	EvictLRU EvictionPolicy = "LRU"
	// EvictLFU evicts the least frequently used entry.
	EvictLFU EvictionPolicy = "LFU"
	// EvictTTL evicts the entry closest to expiry.
	EvictTTL EvictionPolicy = "TTL"
	// EvictHybrid blends recency, frequency and priority into one score and
	// evicts the lowest-scoring entry.
	EvictHybrid EvictionPolicy = "HYBRID"
)

// Entry is the unit stored in the in-process tier.
type Entry struct {
	// Key is the namespaced cache key.
	Key string
	// Payload is the encoded value, envelope included.
	Payload []byte
	// Size is the payload length in bytes.
	Size int
	// CreatedAt is when the entry was stored.
	CreatedAt time.Time
	// ExpiresAt is the expiry deadline; zero means no expiry.
	ExpiresAt time.Time
	// LastAccess is the time of the most recent read.
	LastAccess time.Time
	// AccessCount increases monotonically on every read.
	AccessCount uint64
	// Priority weights the entry during hybrid eviction, 1 through 10.
	Priority int
	// Tags allow group invalidation.
	Tags []string
}

// expired reports whether the entry has passed its expiry deadline.
func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// MemStoreConfig contains parameters for [NewMemStore].
type MemStoreConfig struct {
	// MaxBytes is the total byte budget. Entries above 10% of this budget
	// are rejected outright.
	MaxBytes int64
	// Policy selects the eviction policy; defaults to hybrid.
	Policy EvictionPolicy
	// Clock is the time source for TTL decisions.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in omitted fields.
func (c *MemStoreConfig) CheckAndSetDefaults() error {
	if c.MaxBytes == 0 {
		c.MaxBytes = defaults.L1MaxBytes
	}
	if c.MaxBytes < defaults.L1MinBytes {
		return trace.BadParameter("l1 byte budget %d is below the %d minimum", c.MaxBytes, int64(defaults.L1MinBytes))
	}
	switch c.Policy {
	case "":
		c.Policy = EvictHybrid
	case EvictLRU, EvictLFU, EvictTTL, EvictHybrid:
	default:
		return trace.BadParameter("unknown eviction policy %q", c.Policy)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// MemStore is the bounded in-process cache tier. A single mutex guards the
// entry map and the auxiliary indices (recency list, tag index, byte total),
// which are maintained in lockstep.
type MemStore struct {
	cfg MemStoreConfig

	mu         sync.Mutex
	entries    map[string]*list.Element
	recency    *list.List // front = most recently used
	byTag      map[string]map[string]struct{}
	totalBytes int64

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewMemStore returns an empty store.
func NewMemStore(cfg MemStoreConfig) (*MemStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MemStore{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		recency: list.New(),
		byTag:   make(map[string]map[string]struct{}),
	}, nil
}

// Get returns the payload for key. Absent and expired entries are misses;
// expired entries are removed inline. A hit bumps the access count, the
// recency position and the last access time.
func (s *MemStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false
	}

	entry := el.Value.(*Entry)
	now := s.cfg.Clock.Now()
	if entry.expired(now) {
		s.removeLocked(el)
		s.misses++
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccess = now
	s.recency.MoveToFront(el)
	s.hits++
	return entry.Payload, true
}

// Peek returns the entry metadata for key without bumping access state or
// expiring the entry. Used by stats and tests.
func (s *MemStore) Peek(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *el.Value.(*Entry), true
}

// Set stores payload under key. Entries larger than 10% of the byte budget
// are rejected with a limit exceeded error and the store is left unchanged.
// An existing entry is replaced in place; otherwise space is freed by the
// configured eviction policy before inserting.
func (s *MemStore) Set(key string, payload []byte, ttl time.Duration, priority int, tags []string) error {
	size := int64(len(payload))
	if float64(size) > float64(s.cfg.MaxBytes)*defaults.L1MaxEntryFraction {
		return trace.LimitExceeded("entry %q of %d bytes exceeds the per-entry cap", key, size)
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()

	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}

	if !s.ensureCapacityLocked(size, now) {
		return trace.LimitExceeded("cannot free %d bytes for entry %q", size, key)
	}

	entry := &Entry{
		Key:        key,
		Payload:    payload,
		Size:       int(size),
		CreatedAt:  now,
		LastAccess: now,
		Priority:   priority,
		Tags:       tags,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	el := s.recency.PushFront(entry)
	s.entries[key] = el
	s.totalBytes += size
	for _, tag := range tags {
		keys, ok := s.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			s.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

// Delete removes the entry for key, if present.
func (s *MemStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}
}

// DeleteByTag removes every entry carrying tag and returns how many were
// removed.
func (s *MemStore) DeleteByTag(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.byTag[tag]
	removed := 0
	for key := range keys {
		if el, ok := s.entries[key]; ok {
			s.removeLocked(el)
			removed++
		}
	}
	return removed
}

// DeleteByPattern removes every entry whose key matches the glob pattern and
// returns how many were removed.
func (s *MemStore) DeleteByPattern(pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, trace.BadParameter("invalid pattern %q: %v", pattern, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []*list.Element
	for key, el := range s.entries {
		if g.Match(key) {
			victims = append(victims, el)
		}
	}
	for _, el := range victims {
		s.removeLocked(el)
	}
	return len(victims), nil
}

// Sweep removes all expired entries in one pass and returns how many were
// removed.
func (s *MemStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	var victims []*list.Element
	for _, el := range s.entries {
		if el.Value.(*Entry).expired(now) {
			victims = append(victims, el)
		}
	}
	for _, el := range victims {
		s.removeLocked(el)
	}
	return len(victims)
}

// Clear removes every entry.
func (s *MemStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*list.Element)
	s.recency.Init()
	s.byTag = make(map[string]map[string]struct{})
	s.totalBytes = 0
}

// MemStoreStats is a point-in-time view of the store.
type MemStoreStats struct {
	Entries     int
	TotalBytes  int64
	MaxBytes    int64
	Utilization float64
	Hits        uint64
	Misses      uint64
	Evictions   uint64
}

// Stats returns counters and the current size of the store.
func (s *MemStore) Stats() MemStoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MemStoreStats{
		Entries:     len(s.entries),
		TotalBytes:  s.totalBytes,
		MaxBytes:    s.cfg.MaxBytes,
		Utilization: float64(s.totalBytes) / float64(s.cfg.MaxBytes),
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
	}
}

// HottestKeys returns up to n keys ordered by descending access count.
// Burst-recovery warming uses these as the re-warm set.
func (s *MemStore) HottestKeys(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type hot struct {
		key   string
		count uint64
	}
	all := make([]hot, 0, len(s.entries))
	for key, el := range s.entries {
		all = append(all, hot{key: key, count: el.Value.(*Entry).AccessCount})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].key < all[j].key
	})
	if n > len(all) {
		n = len(all)
	}
	keys := make([]string, 0, n)
	for _, h := range all[:n] {
		keys = append(keys, h.key)
	}
	return keys
}

// Len returns the number of entries currently stored.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// TotalBytes returns the current byte total.
func (s *MemStore) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

// removeLocked unlinks an entry from the map, the recency list and the tag
// index, and releases its bytes.
func (s *MemStore) removeLocked(el *list.Element) {
	entry := el.Value.(*Entry)
	delete(s.entries, entry.Key)
	s.recency.Remove(el)
	s.totalBytes -= int64(entry.Size)
	for _, tag := range entry.Tags {
		if keys, ok := s.byTag[tag]; ok {
			delete(keys, entry.Key)
			if len(keys) == 0 {
				delete(s.byTag, tag)
			}
		}
	}
}

// ensureCapacityLocked evicts entries under the configured policy until need
// bytes fit in the budget, or the store is empty. Expired entries go first.
func (s *MemStore) ensureCapacityLocked(need int64, now time.Time) bool {
	if s.totalBytes+need <= s.cfg.MaxBytes {
		return true
	}

	// Expired entries are free wins before the policy runs.
	var expired []*list.Element
	for _, el := range s.entries {
		if el.Value.(*Entry).expired(now) {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		s.removeLocked(el)
	}

	for s.totalBytes+need > s.cfg.MaxBytes {
		victim := s.victimLocked(now)
		if victim == nil {
			return false
		}
		s.removeLocked(victim)
		s.evictions++
	}
	return true
}

// victimLocked selects the next eviction victim under the configured policy.
func (s *MemStore) victimLocked(now time.Time) *list.Element {
	if s.recency.Len() == 0 {
		return nil
	}

	switch s.cfg.Policy {
	case EvictLRU:
		return s.recency.Back()
	case EvictLFU:
		var victim *list.Element
		var minCount uint64
		for el := s.recency.Front(); el != nil; el = el.Next() {
			entry := el.Value.(*Entry)
			if victim == nil || entry.AccessCount < minCount {
				victim, minCount = el, entry.AccessCount
			}
		}
		return victim
	case EvictTTL:
		// Closest expiry first; entries without expiry are last resorts.
		var victim *list.Element
		var minExpiry time.Time
		for el := s.recency.Front(); el != nil; el = el.Next() {
			entry := el.Value.(*Entry)
			if entry.ExpiresAt.IsZero() {
				continue
			}
			if victim == nil || entry.ExpiresAt.Before(minExpiry) {
				victim, minExpiry = el, entry.ExpiresAt
			}
		}
		if victim == nil {
			victim = s.recency.Back()
		}
		return victim
	default: // EvictHybrid
		var victim *list.Element
		minScore := 0.0
		for el := s.recency.Front(); el != nil; el = el.Next() {
			score := hybridScore(el.Value.(*Entry), now)
			if victim == nil || score < minScore {
				victim, minScore = el, score
			}
		}
		return victim
	}
}

// hybridScore blends recency, frequency and priority. Higher scores are more
// valuable; the lowest score is evicted first.
func hybridScore(e *Entry, now time.Time) float64 {
	recency := 1.0 / (now.Sub(e.LastAccess).Seconds() + 1)
	frequency := min(float64(e.AccessCount)/100, 1)
	priority := float64(e.Priority) / 10
	return 0.4*recency + 0.4*frequency + 0.2*priority
}
