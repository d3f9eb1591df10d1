// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package ttlcache implements a cache with a fixed TTL. The TTL for an
// item starts decreasing each time the item is added to the cache.
//
// There is no active garbage collection; expired items are deleted
// from the cache upon Get. The sync client caches its region choice
// here so that health probes are not repeated on every sync cycle.
package ttlcache

import (
	"sync"
	"time"

	"github.com/grailbio/zksync/clock"
)

type cacheValue[V any] struct {
	value      V
	expiration time.Time
}

// Cache maps keys of type K to values of type V with a fixed TTL.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	cache map[K]cacheValue[V]
	ttl   time.Duration
	clock clock.Clock
}

// New returns a cache whose entries expire ttl after they are set.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return NewClock[K, V](ttl, clock.Real())
}

// NewClock is New with an explicit clock.
func NewClock[K comparable, V any](ttl time.Duration, clk clock.Clock) *Cache[K, V] {
	return &Cache[K, V]{
		cache: map[K]cacheValue[V]{},
		ttl:   ttl,
		clock: clk,
	}
}

// Get returns the value for key if it is present and unexpired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[key]
	if ok && v.expiration.After(c.clock.Now()) {
		return v.value, true
	}
	if ok {
		delete(c.cache, key) // key is expired - delete it.
	}
	var zero V
	return zero, false
}

// Set stores value under key, resetting its TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.cache[key] = cacheValue[V]{
		value:      value,
		expiration: c.clock.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Delete removes key from the cache.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()
}
