// Copyright (C) 2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// FetchFunc is the function signature for fetching values
type FetchFunc[K comparable, V any] func(key K) (V, error)

// FIFOCache remembers the results of the most recent keys, evicting in
// insertion order. It backs idempotent request handling: a repeated key
// returns the first result instead of running the operation again.
type FIFOCache[K comparable, V any] struct {
	sfGroup singleflight.Group

	lock     sync.RWMutex
	cache    map[K]V
	ring     []K
	next     int
	capacity int
}

// NewFIFOCache creates a FIFO cache holding at most capacity entries
func NewFIFOCache[K comparable, V any](capacity int) *FIFOCache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFOCache[K, V]{
		cache:    make(map[K]V, capacity),
		ring:     make([]K, 0, capacity),
		capacity: capacity,
	}
}

// Get returns the remembered value for key, or runs fetchFunc once and
// remembers its result. Concurrent calls for the same key share one run.
func (c *FIFOCache[K, V]) Get(key K, fetchFunc FetchFunc[K, V]) (V, error) {
	if val, ok := c.Peek(key); ok {
		return val, nil
	}

	v, err, _ := c.sfGroup.Do(keyToString(key), func() (interface{}, error) {
		// a racing caller may have stored the value between Peek and Do
		if val, ok := c.Peek(key); ok {
			return val, nil
		}
		val, err := fetchFunc(key)
		if err != nil {
			return nil, err
		}
		c.lock.Lock()
		c.set(key, val)
		c.lock.Unlock()
		return val, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Peek returns the remembered value for key without fetching
func (c *FIFOCache[K, V]) Peek(key K) (V, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	val, ok := c.cache[key]
	return val, ok
}

// set adds a key-value pair to the cache (caller must hold write lock)
func (c *FIFOCache[K, V]) set(key K, val V) {
	if _, exists := c.cache[key]; exists {
		c.cache[key] = val
		return
	}

	if len(c.ring) < c.capacity {
		c.ring = append(c.ring, key)
	} else {
		delete(c.cache, c.ring[c.next])
		c.ring[c.next] = key
		c.next = (c.next + 1) % c.capacity
	}
	c.cache[key] = val
}

// Len returns the current number of items in the cache
func (c *FIFOCache[K, V]) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.cache)
}
