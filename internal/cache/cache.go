// Package cache provides the bounded in-memory caches used by the resolver.
package cache

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// ErrInvalidLimit is returned when a cache is configured with a non-positive limit.
var ErrInvalidLimit = errors.New("cache limit must be greater than zero")

// Cache is a bounded key/value store. Implementations are safe for
// concurrent use; Set overwrites an existing entry for the same key.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Remove(key K) bool
	Len() int
	Purge()
}

// ResolutionCache maps a DID (URL) to its resolution result.
type ResolutionCache = Cache[string, *types.DIDResolutionResult]

// LRUCache evicts the least recently used entry once Limit is reached.
// Get refreshes recency.
type LRUCache[K comparable, V any] struct {
	inner *lru.Cache[K, V]
	limit int
}

// NewLRUCache creates an LRU cache holding at most limit entries.
func NewLRUCache[K comparable, V any](limit int) (*LRUCache[K, V], error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	inner, err := lru.New[K, V](limit)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &LRUCache[K, V]{inner: inner, limit: limit}, nil
}

func (c *LRUCache[K, V]) Get(key K) (V, bool) { return c.inner.Get(key) }
func (c *LRUCache[K, V]) Set(key K, value V)  { c.inner.Add(key, value) }
func (c *LRUCache[K, V]) Remove(key K) bool   { return c.inner.Remove(key) }
func (c *LRUCache[K, V]) Len() int            { return c.inner.Len() }
func (c *LRUCache[K, V]) Purge()              { c.inner.Purge() }

// Limit returns the configured capacity.
func (c *LRUCache[K, V]) Limit() int { return c.limit }

// Keys returns the keys from oldest to newest.
func (c *LRUCache[K, V]) Keys() []K { return c.inner.Keys() }

// TTLCache is an LRU cache whose entries also expire after a fixed duration.
type TTLCache[K comparable, V any] struct {
	inner *expirable.LRU[K, V]
	limit int
	ttl   time.Duration
}

// NewLRUCacheWithTTL creates an LRU cache whose entries expire after ttl.
func NewLRUCacheWithTTL[K comparable, V any](limit int, ttl time.Duration) (*TTLCache[K, V], error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be greater than zero, got %s", ttl)
	}
	return &TTLCache[K, V]{
		inner: expirable.NewLRU[K, V](limit, nil, ttl),
		limit: limit,
		ttl:   ttl,
	}, nil
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) { return c.inner.Get(key) }
func (c *TTLCache[K, V]) Set(key K, value V)  { c.inner.Add(key, value) }
func (c *TTLCache[K, V]) Remove(key K) bool   { return c.inner.Remove(key) }
func (c *TTLCache[K, V]) Len() int            { return c.inner.Len() }
func (c *TTLCache[K, V]) Purge()              { c.inner.Purge() }

// TTL returns the configured entry lifetime.
func (c *TTLCache[K, V]) TTL() time.Duration { return c.ttl }

// NewResolutionCache builds the resolver's cache; a zero ttl disables expiry.
func NewResolutionCache(limit int, ttl time.Duration) (ResolutionCache, error) {
	if ttl > 0 {
		c, err := NewLRUCacheWithTTL[string, *types.DIDResolutionResult](limit, ttl)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	c, err := NewLRUCache[string, *types.DIDResolutionResult](limit)
	if err != nil {
		return nil, err
	}
	return c, nil
}
