// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// FIFOCache evicts the oldest inserted key once capacity is reached. It suits
// data read roughly in insertion order, like outgoing messages by counter.
type FIFOCache[K comparable, V any] struct {
	capacity int

	lock    sync.RWMutex
	entries map[K]V
	order   []K
	group   singleflight.Group
}

func NewFIFOCache[K comparable, V any](capacity int) *FIFOCache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFOCache[K, V]{
		capacity: capacity,
		entries:  make(map[K]V, capacity),
		order:    make([]K, 0, capacity),
	}
}

// Get returns the cached value of key or fetches and caches it. Failed
// fetches are not cached.
func (c *FIFOCache[K, V]) Get(key K, fetch Fetcher[K, V]) (V, error) {
	c.lock.RLock()
	v, ok := c.entries[key]
	c.lock.RUnlock()
	if ok {
		return v, nil
	}

	res, err, _ := c.group.Do(flightKey(key), func() (interface{}, error) {
		v, err := fetch(key)
		if err != nil {
			return v, err
		}
		c.Put(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Put inserts or replaces the value of key
func (c *FIFOCache[K, V]) Put(key K, value V) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = value
		return
	}
	if len(c.order) == c.capacity {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	c.entries[key] = value
	c.order = append(c.order, key)
}

func (c *FIFOCache[K, V]) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.entries)
}
