// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type ttlEntry[V any] struct {
	value   V
	fetched time.Time
}

// TTLCache serves values for at most ttl after they were fetched. The relayer
// keeps side reads such as connection status in one so that a busy loop does
// not query the chain on every iteration.
type TTLCache[K comparable, V any] struct {
	ttl time.Duration

	lock    sync.RWMutex
	entries map[K]ttlEntry[V]
	group   singleflight.Group
}

func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		ttl:     ttl,
		entries: make(map[K]ttlEntry[V]),
	}
}

// Get returns the value of key, fetching it when missing or expired. With
// invalidate set the cached value is dropped first, so no concurrent reader
// observes it again.
func (c *TTLCache[K, V]) Get(key K, fetch Fetcher[K, V], invalidate bool) (V, error) {
	if invalidate {
		c.Invalidate(key)
	} else if v, ok := c.fresh(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(flightKey(key), func() (interface{}, error) {
		v, err := fetch(key)
		if err != nil {
			return v, err
		}
		c.lock.Lock()
		c.entries[key] = ttlEntry[V]{value: v, fetched: time.Now()}
		c.lock.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate drops the cached value of key
func (c *TTLCache[K, V]) Invalidate(key K) {
	c.lock.Lock()
	delete(c.entries, key)
	c.lock.Unlock()
}

func (c *TTLCache[K, V]) fresh(key K) (V, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Since(e.fetched) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}
