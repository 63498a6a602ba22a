// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

// Package cache holds the read-through caches used by the relayer and the
// signing service. Every cache deduplicates concurrent fetches of one key.
package cache

import "fmt"

// Fetcher loads the value of a key on a cache miss
type Fetcher[K comparable, V any] func(key K) (V, error)

// flightKey names a key for singleflight. fmt.Stringer keys such as ids.ID
// use their canonical form.
func flightKey[K comparable](key K) string {
	if s, ok := any(key).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", key)
}
