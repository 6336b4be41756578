// Package vcache provides an identity-preserving object cache. It serves two
// purposes: making sure there is only one live instance of an object with a
// given key, and avoiding the cost of re-creating objects that are expensive
// to build while still letting the garbage collector reclaim them.
package vcache

import "weak"

const (
	// RecentListSize is the number of entries held strongly.
	RecentListSize = 20

	// PruneGap is the number of insertions between sweeps of dead entries.
	PruneGap = 500
)

type recent[K comparable, V any] struct {
	key K
	val *V
}

// Cache maps keys to weakly held values, with the most recently used entries
// also held strongly so they cannot be collected.
//
// A Cache is not safe for concurrent use.
type Cache[K comparable, V any] struct {
	entries   map[K]weak.Pointer[V]
	recent    []recent[K, V]
	nextPrune int
}

// New returns an empty Cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]weak.Pointer[V]),
		recent:  make([]recent[K, V], 0, RecentListSize),
	}
}

// Get returns the value cached for key. A false result means the key was
// never stored, was removed, or its value has been collected; the caller
// must rebuild the value and Set it again.
func (c *Cache[K, V]) Get(key K) (*V, bool) {
	for i := range c.recent {
		if c.recent[i].key == key {
			val := c.recent[i].val
			c.promote(i)
			return val, true
		}
	}

	wp, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	val := wp.Value()
	if val == nil {
		return nil, false
	}

	c.pushFront(key, val)
	return val, true
}

// Set stores val under key, replacing any previous value, and marks it as the
// most recently used entry.
func (c *Cache[K, V]) Set(key K, val *V) {
	c.entries[key] = weak.Make(val)
	c.dropRecent(key)
	c.pushFront(key, val)
	c.prune()
}

// Remove forgets key entirely.
func (c *Cache[K, V]) Remove(key K) {
	c.dropRecent(key)
	delete(c.entries, key)
}

// Len returns the number of weakly held entries, including entries whose
// value may already have been collected but not yet swept.
func (c *Cache[K, V]) Len() int {
	return len(c.entries)
}

// RecentLen returns the number of strongly held entries.
func (c *Cache[K, V]) RecentLen() int {
	return len(c.recent)
}

func (c *Cache[K, V]) prune() {
	c.nextPrune++
	if c.nextPrune < PruneGap {
		return
	}

	for k, wp := range c.entries {
		if wp.Value() == nil {
			delete(c.entries, k)
		}
	}

	c.nextPrune = 0
}

func (c *Cache[K, V]) promote(i int) {
	if i == 0 {
		return
	}
	e := c.recent[i]
	copy(c.recent[1:i+1], c.recent[:i])
	c.recent[0] = e
}

func (c *Cache[K, V]) dropRecent(key K) {
	for i := range c.recent {
		if c.recent[i].key == key {
			c.recent = append(c.recent[:i], c.recent[i+1:]...)
			return
		}
	}
}

func (c *Cache[K, V]) pushFront(key K, val *V) {
	for len(c.recent) >= RecentListSize {
		c.recent[len(c.recent)-1] = recent[K, V]{}
		c.recent = c.recent[:len(c.recent)-1]
	}
	c.recent = append(c.recent, recent[K, V]{})
	copy(c.recent[1:], c.recent)
	c.recent[0] = recent[K, V]{key: key, val: val}
}
