// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"github.com/luxfi/geth/common/lru"
	"golang.org/x/sync/singleflight"
)

// LRUCache keeps the most recently used values of immutable data, such as
// signatures over a batch digest. Values never expire.
type LRUCache[K comparable, V any] struct {
	cache *lru.Cache[K, V]
	group singleflight.Group
}

func NewLRUCache[K comparable, V any](size int) *LRUCache[K, V] {
	return &LRUCache[K, V]{
		cache: lru.NewCache[K, V](size),
	}
}

// Get returns the cached value of key or fetches and caches it. With
// invalidate set the cached value is dropped first.
func (c *LRUCache[K, V]) Get(key K, fetch Fetcher[K, V], invalidate bool) (V, error) {
	if invalidate {
		c.cache.Remove(key)
	} else if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(flightKey(key), func() (interface{}, error) {
		v, err := fetch(key)
		if err != nil {
			return v, err
		}
		c.cache.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Peek returns the cached value of key without fetching
func (c *LRUCache[K, V]) Peek(key K) (V, bool) {
	return c.cache.Peek(key)
}

func (c *LRUCache[K, V]) Add(key K, value V) {
	c.cache.Add(key, value)
}

func (c *LRUCache[K, V]) Len() int {
	return c.cache.Len()
}
