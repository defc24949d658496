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

package utils

import (
	"sync"

	"github.com/gravitational/trace"
)

// CircularBuffer is an in-memory ring of predefined size. Once full, each
// Add overwrites the oldest element. It backs the bounded histories kept by
// the cache core: monitor snapshots, warming completion records, and the
// access-timestamp rings of the pattern learner.
type CircularBuffer[T any] struct {
	mu    sync.Mutex
	buf   []T
	start int
	end   int
	size  int
}

// NewCircularBuffer returns a ring that holds size elements before rotating.
func NewCircularBuffer[T any](size int) (*CircularBuffer[T], error) {
	if size <= 0 {
		return nil, trace.BadParameter("circular buffer size should be > 0")
	}
	return &CircularBuffer[T]{
		buf:   make([]T, size),
		start: -1,
		end:   -1,
	}, nil
}

// Add pushes a new item onto the buffer.
func (b *CircularBuffer[T]) Add(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		b.start = 0
		b.end = 0
		b.size = 1
	} else if b.size < len(b.buf) {
		b.end++
		b.size++
	} else {
		b.end = b.start
		b.start = (b.start + 1) % len(b.buf)
	}

	b.buf[b.end] = v
}

// Data returns a copy of the most recent n elements, oldest first.
func (b *CircularBuffer[T]) Data(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || b.size == 0 {
		return nil
	}

	// skip the oldest items so that the most recent are always provided
	start := b.start
	if n < b.size {
		start = (b.start + (b.size - n)) % len(b.buf)
	}

	if start <= b.end {
		return append([]T(nil), b.buf[start:b.end+1]...)
	}

	out := append([]T(nil), b.buf[start:]...)
	return append(out, b.buf[:b.end+1]...)
}

// Len returns the number of elements currently held.
func (b *CircularBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the fixed capacity of the ring.
func (b *CircularBuffer[T]) Cap() int {
	return len(b.buf)
}

// Filter retains only the elements for which keep returns true, preserving
// order. Used to expire time-windowed rings in place.
func (b *CircularBuffer[T]) Filter(keep func(T) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return
	}

	kept := make([]T, 0, b.size)
	for i := range b.size {
		kept = append(kept, b.buf[(b.start+i)%len(b.buf)])
	}

	b.start, b.end, b.size = -1, -1, 0
	for _, v := range kept {
		if !keep(v) {
			continue
		}
		if b.size == 0 {
			b.start, b.end, b.size = 0, 0, 1
		} else {
			b.end = (b.end + 1) % len(b.buf)
			b.size++
		}
		b.buf[b.end] = v
	}
}
