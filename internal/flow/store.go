// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flow

import "sync"

// shard owns a partition of the flow map. All reads and writes for a given
// FlowKey happen inside its shard's single mutex.
type shard struct {
	mu   sync.Mutex
	data map[Key]map[WindowID]*Aggregate
}

// WindowID identifies one window instance an Aggregate belongs to within
// a shard's per-key map, so tumbling and sliding windows keep independent
// aggregates for the same FlowKey.
type WindowID struct {
	Kind  string
	Start int64 // unix nanos
}

// Store is the concurrent FlowKey -> Aggregate map, partitioned by key
// hash into NextPow2(2*parallelism) shards, grounded on the rate
// limiter's core.Store sharding shape.
type Store struct {
	shards []*shard
	mask   uint64
}

// NewStore allocates a Store with the given shard count, rounded up to
// the next power of two.
func NewStore(shardCount int) *Store {
	n := nextPow2(shardCount)
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{data: make(map[Key]map[WindowID]*Aggregate)}
	}
	return &Store{shards: shards, mask: uint64(n - 1)}
}

func nextPow2(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// ShardCount returns the number of shards backing the store.
func (s *Store) ShardCount() int { return len(s.shards) }

func (s *Store) shardFor(k Key) *shard {
	return s.shards[k.Hash()&s.mask]
}

// GetOrCreate returns the Aggregate for (key, window), creating it lazily
// on first access. The returned
// pointer is only safe to mutate while the shard lock is held: callers
// performing a read-modify-write should use Access instead.
func (s *Store) GetOrCreate(key Key, win WindowID) *Aggregate {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.getOrCreateLocked(sh, key, win)
}

func (s *Store) getOrCreateLocked(sh *shard, key Key, win WindowID) *Aggregate {
	byWindow, ok := sh.data[key]
	if !ok {
		byWindow = make(map[WindowID]*Aggregate)
		sh.data[key] = byWindow
	}
	agg, ok := byWindow[win]
	if !ok {
		agg = NewAggregate(key)
		byWindow[win] = agg
	}
	return agg
}

// Access runs fn with the Aggregate for (key, window) while the owning
// shard's lock is held, the only safe way to read-modify-write an
// Aggregate: acquire the shard lock for each affected FlowKey first.
func (s *Store) Access(key Key, win WindowID, fn func(*Aggregate)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fn(s.getOrCreateLocked(sh, key, win))
}

// WithLock runs fn with the shard owning key locked, so callers can
// perform a read-modify-write against the Aggregate atomically.
func (s *Store) WithLock(key Key, fn func()) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fn()
}

// Remove deletes the Aggregate for (key, window), e.g. after a tumbling
// window's emission.
func (s *Store) Remove(key Key, win WindowID) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	byWindow, ok := sh.data[key]
	if !ok {
		return
	}
	delete(byWindow, win)
	if len(byWindow) == 0 {
		delete(sh.data, key)
	}
}

// ForEachWindow calls fn once per (key, window, aggregate) triple across
// every shard, holding that shard's lock for the duration of the call —
// mirroring core.Store.ForEach's traversal contract.
func (s *Store) ForEachWindow(fn func(Key, WindowID, *Aggregate)) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, byWindow := range sh.data {
			for win, agg := range byWindow {
				fn(key, win, agg)
			}
		}
		sh.mu.Unlock()
	}
}
