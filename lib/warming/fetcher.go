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
	"sync"

	"github.com/gravitational/trace"
)

// KeyedFetchFn produces the authoritative value for a cache key. One fetcher
// is registered per key kind; the task carries the fetcher's identifier
// rather than a closure, so tasks stay serializable and could be restarted
// from a persistent queue.
type KeyedFetchFn func(ctx context.Context, cacheKey string) ([]byte, error)

// Registry maps fetcher identifiers to fetch functions.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]KeyedFetchFn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]KeyedFetchFn)}
}

// Register installs fn under ref, replacing any previous registration.
func (r *Registry) Register(ref string, fn KeyedFetchFn) error {
	if ref == "" {
		return trace.BadParameter("missing fetcher reference")
	}
	if fn == nil {
		return trace.BadParameter("missing fetch function for %q", ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[ref] = fn
	return nil
}

// Resolve returns the fetch function registered under ref.
func (r *Registry) Resolve(ref string) (KeyedFetchFn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[ref]
	return fn, ok
}
