// Package tcache implements the Thread Cache (spec §4.4): a per-thread
// array of free-object stacks, one per size class, with no locking on
// the fast path.
package tcache

import (
	"github.com/DengY11/dmalloc/internal/central"
	"github.com/DengY11/dmalloc/internal/objheader"
	"github.com/DengY11/dmalloc/internal/pageheap"
	"github.com/DengY11/dmalloc/internal/sizeclass"
)

// Limit is the high-water mark (spec's "limit") at which Free drains
// half its inventory back to the Central Reservoir.
const Limit = 128

type classStack struct {
	head  uintptr
	count int
}

// Cache is privately owned by exactly one goroutine for its lifetime
// in the Registry: nothing else touches its fields while it is live,
// so Allocate/Free need no synchronization (spec: "no locking appears
// on the fast paths").
type Cache struct {
	gid     int64
	classes [sizeclass.Count]classStack
}

// FetchFunc and ReleaseFunc adapt a Cache to its backing Central
// Reservoir; Arena supplies closures bound to a single *central.Reservoir
// and shard hint so this package stays independent of central's shard
// policy.
type FetchFunc func(class int, out []uintptr) (int, error)
type ReleaseFunc func(class int, objs []uintptr)

// Allocate pops a free object of class, refilling from the Central
// Reservoir via fetch if the class stack is empty.
func (c *Cache) Allocate(class int, fetch FetchFunc) (uintptr, error) {
	cs := &c.classes[class]
	if cs.head == 0 {
		batch := central.FetchBatch(class)
		buf := make([]uintptr, batch)
		n, err := fetch(class, buf)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, pageheap.ErrOutOfMemory
		}
		for i := 0; i < n; i++ {
			objheader.WriteUintptr(buf[i], cs.head)
			cs.head = buf[i]
		}
		cs.count += n
	}
	p := cs.head
	cs.head = objheader.ReadUintptr(p)
	cs.count--
	return p, nil
}

// Free pushes p onto class's stack, draining half of the stack (at most
// central.ReleaseBatch objects) to the Central Reservoir via release if
// the stack exceeds Limit.
func (c *Cache) Free(class int, p uintptr, release ReleaseFunc) {
	cs := &c.classes[class]
	objheader.WriteUintptr(p, cs.head)
	cs.head = p
	cs.count++
	if cs.count > Limit {
		n := cs.count / 2
		if n > central.ReleaseBatch {
			n = central.ReleaseBatch
		}
		c.drainBatch(class, n, release)
	}
}

func (c *Cache) drainBatch(class int, max int, release ReleaseFunc) {
	cs := &c.classes[class]
	buf := make([]uintptr, 0, max)
	for cs.head != 0 && len(buf) < max {
		p := cs.head
		cs.head = objheader.ReadUintptr(p)
		buf = append(buf, p)
	}
	cs.count -= len(buf)
	release(class, buf)
}

// Drain empties every class stack back to the Central Reservoir in
// release-sized batches (spec's teardown operation).
func (c *Cache) Drain(release ReleaseFunc) {
	for class := range c.classes {
		for c.classes[class].head != 0 {
			c.drainBatch(class, central.ReleaseBatch, release)
		}
	}
}

// ShardHint returns a stable per-owner value Arena uses to pick a
// Central Reservoir shard, so repeated fetches from the same cache
// tend to land on the same shard.
func (c *Cache) ShardHint() int {
	return int(c.gid)
}
