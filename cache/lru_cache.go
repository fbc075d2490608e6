// Copyright (C) 2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"github.com/luxfi/geth/common/lru"
	"golang.org/x/sync/singleflight"
)

// LRUCache holds values that never change once fetched, such as the
// plaintext behind a ciphertext handle. Concurrent misses on the same key
// share one fetch.
type LRUCache[K comparable, V any] struct {
	cache   *lru.Cache[K, V]
	sfGroup singleflight.Group
}

func NewLRUCache[K comparable, V any](size int) *LRUCache[K, V] {
	return &LRUCache[K, V]{
		cache: lru.NewCache[K, V](size),
	}
}

// Get returns the cached value for key, fetching it with fetchFunc on a
// miss. If [invalidate] is true the cached value is dropped first. Failed
// fetches are not cached.
func (c *LRUCache[K, V]) Get(key K, fetchFunc func(K) (V, error), invalidate bool) (V, error) {
	if invalidate {
		c.cache.Remove(key)
	} else if value, found := c.cache.Get(key); found {
		return value, nil
	}

	v, err, _ := c.sfGroup.Do(keyToString(key), func() (interface{}, error) {
		newValue, err := fetchFunc(key)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, newValue)
		return newValue, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Peek returns the cached value for key without fetching
func (c *LRUCache[K, V]) Peek(key K) (V, bool) {
	return c.cache.Peek(key)
}

// Len returns the number of cached values
func (c *LRUCache[K, V]) Len() int {
	return c.cache.Len()
}
