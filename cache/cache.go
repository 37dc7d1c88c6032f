// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache implements a bounded in-memory cache whose entries expire at
// a wall-clock instant supplied per insert (a time-to-use cache).
//
// Expiration instants originate from GitHub (token expiry, rate-limit reset
// timestamps), so comparisons intentionally use the wall clock rather than a
// monotonic one. In case of major clock skew or a system clock reset, cache
// expirations could occur out of order.
package cache

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// sweepInterval is how often the background reaper removes expired entries.
// Correctness does not depend on the sweep: Lookup checks expiry itself.
const sweepInterval = 30 * time.Second

// Cache represents a generic time-to-use cacher. All items in the cache must
// be of the same type T; each item carries its own expiration instant. The
// cache holds at most maxSize entries; inserting beyond that evicts the entry
// with the earliest expiration.
//
// For performance, it's strongly recommended that you store pointers to
// objects instead of actual objects.
type Cache[T any] struct {
	// data is the actual internal cache storage.
	data map[string]*cacheEntry[T]

	// expiries orders entries by expiration instant, earliest first.
	expiries expiryHeap[T]

	// maxSize bounds the number of entries.
	maxSize int

	// stopped indicates whether the cache is stopped. stopCh is a channel used
	// to control cancellation.
	stopped uint32
	stopCh  chan struct{}

	// mu is the internal lock to allow for concurrent operations.
	mu sync.RWMutex
}

// New creates a new in memory time-to-use cache. Panics if maxSize is 0 or
// negative.
func New[T any](maxSize int) *Cache[T] {
	if maxSize <= 0 {
		panic("maxSize must be positive")
	}

	c := &Cache[T]{
		data:    make(map[string]*cacheEntry[T], maxSize),
		maxSize: maxSize,
		stopCh:  make(chan struct{}),
	}

	go c.start(sweepInterval)

	return c
}

// Size returns the current number of items in the cache, including items that
// have expired but have not been swept yet.
func (c *Cache[T]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.isStopped() {
		panic("cache is stopped")
	}

	return len(c.data)
}

// Clear removes all items from the cache, regardless of their expiration.
// Note this is different from Stop() which deletes all cached items and
// prevents new items from being added.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isStopped() {
		panic("cache is stopped")
	}

	c.clear()
	c.data = make(map[string]*cacheEntry[T], c.maxSize)
}

// clear removes all items from the cache, zeroing out as many items as
// possible for efficient GC. Callers must check if the cache is stopped and
// acquire a full lock before calling this function.
func (c *Cache[T]) clear() {
	var zeroV T

	for k, v := range c.data {
		v.value = zeroV
		delete(c.data, k)
	}
	c.data = nil
	c.expiries = nil
}

// Lookup checks the cache for a non-expired object by the supplied key name.
// The bool return informs the caller if there was a cache hit or not. A
// return of nil, true means that nil is in the cache.
func (c *Cache[T]) Lookup(name string) (T, bool) {
	now := time.Now().UTC()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.isStopped() {
		panic("cache is stopped")
	}

	v, ok := c.data[name]
	if !ok || !v.expiresAt.After(now) {
		var zeroV T
		return zeroV, false
	}
	return v.value, true
}

// Set saves the current value of an object in the cache. The entry is visible
// to Lookup until the supplied expiration instant, after which it behaves as
// absent. Inserting a new key into a full cache evicts the entry with the
// earliest expiration.
func (c *Cache[T]) Set(name string, object T, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isStopped() {
		panic("cache is stopped")
	}

	if e, ok := c.data[name]; ok {
		e.value = object
		e.expiresAt = expiresAt
		heap.Fix(&c.expiries, e.index)
		return
	}

	if len(c.data) >= c.maxSize {
		c.evictEarliest()
	}

	e := &cacheEntry[T]{
		key:       name,
		value:     object,
		expiresAt: expiresAt,
	}
	c.data[name] = e
	heap.Push(&c.expiries, e)
}

// evictEarliest removes the entry closest to expiration. Callers must hold a
// full lock.
func (c *Cache[T]) evictEarliest() {
	if c.expiries.Len() == 0 {
		return
	}
	e := heap.Pop(&c.expiries).(*cacheEntry[T])
	delete(c.data, e.key)

	var zeroV T
	e.value = zeroV
}

// Stop clears the cache and prevents new entries from being added and
// retrieved.
func (c *Cache[T]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}
	close(c.stopCh)

	c.clear()
}

// start begins the background reaping process for expired entries. It runs
// until stopped via Stop() and is intended to be called as a goroutine.
func (c *Cache[T]) start(sweep time.Duration) {
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		// Check if we're stopped first to prevent entering a race between a short
		// time ticker and the stop channel.
		if c.isStopped() {
			return
		}

		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			func() {
				now := time.Now().UTC()

				c.mu.Lock()
				defer c.mu.Unlock()

				c.cleanUntil(now)
			}()
		}
	}
}

// cleanUntil pops entries off the expiry heap until the earliest expiration
// is greater than the given time. Callers must hold a full lock.
func (c *Cache[T]) cleanUntil(when time.Time) {
	var zeroV T

	for c.expiries.Len() > 0 {
		e := c.expiries[0]
		if e.expiresAt.After(when) {
			break
		}

		heap.Pop(&c.expiries)
		delete(c.data, e.key)
		e.value = zeroV
	}
}

// isStopped is a helper for checking if the cache is stopped.
func (c *Cache[T]) isStopped() bool {
	return atomic.LoadUint32(&c.stopped) == 1
}

// cacheEntry represents a single cached value and its position in the expiry
// heap.
type cacheEntry[T any] struct {
	key       string
	value     T
	expiresAt time.Time
	index     int
}

// expiryHeap is a min-heap of cache entries ordered by expiration instant.
type expiryHeap[T any] []*cacheEntry[T]

func (h expiryHeap[T]) Len() int { return len(h) }

func (h expiryHeap[T]) Less(i, j int) bool {
	return h[i].expiresAt.Before(h[j].expiresAt)
}

func (h expiryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap[T]) Push(x any) {
	e := x.(*cacheEntry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
