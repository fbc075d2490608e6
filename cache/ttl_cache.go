// Copyright (C) 2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type ttlItem[V any] struct {
	value   V
	fetched time.Time
}

// TTLCache holds values that may change, such as node key material, and
// refetches them once they are older than the ttl.
type TTLCache[K comparable, V any] struct {
	ttl     time.Duration
	now     func() time.Time
	sfGroup singleflight.Group

	lock sync.RWMutex
	data map[K]ttlItem[V]
}

func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		ttl:  ttl,
		now:  time.Now,
		data: make(map[K]ttlItem[V]),
	}
}

// Get returns the cached value for key if it is fresh, otherwise fetches it.
// If [invalidate] is true the cached value is dropped first, so concurrent
// readers wait for the refetch instead of observing the stale value.
func (c *TTLCache[K, V]) Get(key K, fetchFunc func(K) (V, error), invalidate bool) (V, error) {
	if invalidate {
		c.Invalidate(key)
	} else {
		c.lock.RLock()
		item, exists := c.data[key]
		c.lock.RUnlock()
		if exists && c.now().Sub(item.fetched) < c.ttl {
			return item.value, nil
		}
	}

	v, err, _ := c.sfGroup.Do(keyToString(key), func() (interface{}, error) {
		newValue, err := fetchFunc(key)
		if err != nil {
			return nil, err
		}
		c.lock.Lock()
		c.data[key] = ttlItem[V]{
			value:   newValue,
			fetched: c.now(),
		}
		c.lock.Unlock()
		return newValue, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate drops key
func (c *TTLCache[K, V]) Invalidate(key K) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.data, key)
}

// keyToString is defined to allow for both fmt.Stringer and primitive string types.
func keyToString[K comparable](key K) string {
	if s, ok := any(key).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", key)
}
