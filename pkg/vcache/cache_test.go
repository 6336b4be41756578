package vcache

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

type object struct {
	name string
	pad  [64]byte
}

func newObject(name string) *object {
	return &object{name: name}
}

func TestCacheIdentity(t *testing.T) {
	c := New[string, object]()

	a := newObject("a")
	c.Set("a", a)

	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Same(t, a, got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCacheOverwrite(t *testing.T) {
	c := New[int, object]()

	first, second := newObject("first"), newObject("second")
	c.Set(1, first)
	c.Set(1, second)

	got, ok := c.Get(1)
	assert.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, c.RecentLen())
	assert.Equal(t, 1, c.Len())
}

func TestCacheRecentListBounded(t *testing.T) {
	c := New[int, object]()

	for i := 0; i < 3*RecentListSize; i++ {
		c.Set(i, newObject(fmt.Sprint(i)))
		assert.LessOrEqual(t, c.RecentLen(), RecentListSize)
	}
	assert.Equal(t, RecentListSize, c.RecentLen())
}

func TestCacheRecentNeverMisses(t *testing.T) {
	c := New[int, object]()

	for i := 0; i < 100; i++ {
		c.Set(i, newObject(fmt.Sprint(i)))
	}

	runtime.GC()
	runtime.GC()

	// everything still in the recency list must be reported alive
	for _, e := range append([]recent[int, object](nil), c.recent...) {
		got, ok := c.Get(e.key)
		assert.True(t, ok)
		assert.Equal(t, fmt.Sprint(e.key), got.name)
	}
}

func TestCachePromotion(t *testing.T) {
	c := New[int, object]()

	for i := 0; i < RecentListSize; i++ {
		c.Set(i, newObject(fmt.Sprint(i)))
	}

	_, ok := c.Get(0)
	assert.True(t, ok)
	assert.Equal(t, 0, c.recent[0].key)

	// inserting one more evicts the least recently used, which is now 1
	c.Set(RecentListSize, newObject("new"))
	for _, e := range c.recent {
		assert.NotEqual(t, 1, e.key)
	}
}

func TestCacheCollectedEntryMisses(t *testing.T) {
	c := New[int, object]()

	c.Set(-1, newObject("victim"))
	for i := 0; i < RecentListSize; i++ {
		c.Set(i, newObject(fmt.Sprint(i)))
	}

	collected := false
	for i := 0; i < 10 && !collected; i++ {
		runtime.GC()
		_, ok := c.Get(-1)
		collected = !ok
	}
	assert.True(t, collected)
}

func TestCacheRemove(t *testing.T) {
	c := New[string, object]()

	o := newObject("x")
	c.Set("x", o)
	c.Remove("x")

	_, ok := c.Get("x")
	assert.False(t, ok)
	assert.Equal(t, 0, c.RecentLen())
	assert.Equal(t, 0, c.Len())
	runtime.KeepAlive(o)
}

func TestCacheSweep(t *testing.T) {
	c := New[int, object]()

	for i := 0; i < PruneGap-1; i++ {
		c.Set(i, newObject(fmt.Sprint(i)))
	}
	assert.Equal(t, PruneGap-1, c.nextPrune)
	assert.Equal(t, PruneGap-1, c.Len())

	runtime.GC()
	runtime.GC()

	c.Set(PruneGap-1, newObject("last"))
	assert.Equal(t, 0, c.nextPrune)

	c.Set(PruneGap, newObject("after"))
	assert.Equal(t, 1, c.nextPrune)

	// the strongly held entries, the entry evicted by the sweeping insertion
	// and the insertions since the sweep
	assert.LessOrEqual(t, c.Len(), RecentListSize+1+c.nextPrune)
}
