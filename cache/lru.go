// Package cache provides a bounded-capacity cache with least-recently-used
// eviction.
//
// LRU is used wherever admit needs to remember "recent" things without
// letting memory grow with the number of users: the local window counter
// keeps one entry per recently active rate key, and the gate keeps the IDs of
// recently seen events to suppress redeliveries.
//
// Example:
//
//	seen, _ := cache.New[string, struct{}](10000)
//	if found, _ := seen.ContainsOrAdd(eventID, struct{}{}); found {
//	    // duplicate
//	}
package cache

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidSize is returned when a cache is created with a non-positive size.
var ErrInvalidSize = errors.New("cache: size must be positive")

// options holds cache configuration (unexported)
type options[K comparable, V any] struct {
	onEvict func(K, V)
}

// Option configures an LRU.
type Option[K comparable, V any] func(*options[K, V])

// WithEvictCallback registers fn to be called whenever an entry is evicted
// to make room for a new one or removed explicitly.
func WithEvictCallback[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(o *options[K, V]) {
		o.onEvict = fn
	}
}

// LRU is a fixed-size cache that evicts the least recently used entry once
// full. All methods are safe for concurrent use.
type LRU[K comparable, V any] struct {
	size  int
	cache *lru.Cache[K, V]
}

// New creates an LRU holding at most size entries.
func New[K comparable, V any](size int, opts ...Option[K, V]) (*LRU[K, V], error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}

	o := &options[K, V]{}
	for _, opt := range opts {
		opt(o)
	}

	var (
		c   *lru.Cache[K, V]
		err error
	)
	if o.onEvict != nil {
		c, err = lru.NewWithEvict[K, V](size, o.onEvict)
	} else {
		c, err = lru.New[K, V](size)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	return &LRU[K, V]{size: size, cache: c}, nil
}

// Add stores value under key, marking it most recently used.
// Returns true if an older entry was evicted to make room.
func (c *LRU[K, V]) Add(key K, value V) bool {
	return c.cache.Add(key, value)
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.cache.Get(key)
}

// Peek returns the value for key without touching its recency.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	return c.cache.Peek(key)
}

// Contains reports whether key is present without touching its recency.
func (c *LRU[K, V]) Contains(key K) bool {
	return c.cache.Contains(key)
}

// ContainsOrAdd checks for key and adds it if absent, as one step.
// found reports whether the key was already present (in which case the
// stored value is left alone); evicted reports whether adding caused an
// eviction.
func (c *LRU[K, V]) ContainsOrAdd(key K, value V) (found, evicted bool) {
	return c.cache.ContainsOrAdd(key, value)
}

// Remove deletes key. Returns true if it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	return c.cache.Remove(key)
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	return c.cache.Len()
}

// Cap returns the maximum number of entries.
func (c *LRU[K, V]) Cap() int {
	return c.size
}

// Keys returns the keys from oldest to newest.
func (c *LRU[K, V]) Keys() []K {
	return c.cache.Keys()
}

// Purge removes every entry.
func (c *LRU[K, V]) Purge() {
	c.cache.Purge()
}
