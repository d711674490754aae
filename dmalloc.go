package dmalloc

import (
	"sync"
	"unsafe"

	"github.com/DengY11/dmalloc/internal/pageheap"
)

var (
	defaultOnce  sync.Once
	defaultArena *Arena
)

// defaultInstance lazily constructs the process-wide default Arena on
// first use. sync.Once gives exactly the compare-and-set-with-spin
// semantics spec §5 describes for one-time initialization: concurrent
// callers block on Do until the first caller's NewArena returns, then
// all observe the same fully-initialized Arena.
func defaultInstance() *Arena {
	defaultOnce.Do(func() {
		defaultArena = NewArena(DefaultConfig())
	})
	return defaultArena
}

// Init forces initialization of the default arena, for callers that
// want to pay the OS-mapping cost at a known point rather than on first
// Allocate. Calling it is optional; every other function in this file
// initializes lazily on demand.
func Init() {
	defaultInstance()
}

// Allocate returns a pointer to size writable, uninitialized bytes, or
// nil if the request cannot be satisfied. Every non-nil return must be
// paired with exactly one Free or Reallocate call.
func Allocate(size int) unsafe.Pointer {
	p, err := defaultInstance().Allocate(size)
	if err != nil {
		return nil
	}
	return p
}

// Free releases a pointer previously returned by Allocate or
// Reallocate. Freeing nil is a no-op.
func Free(p unsafe.Pointer) {
	defaultInstance().Free(p)
}

// Reallocate resizes the allocation at p to size bytes, preserving the
// lesser of its old and new contents, and returns the (possibly moved)
// pointer, or nil if the request cannot be satisfied, in which case p
// is left untouched and still owned by the caller.
func Reallocate(p unsafe.Pointer, size int) unsafe.Pointer {
	q, err := defaultInstance().Reallocate(p, size)
	if err != nil {
		return nil
	}
	return q
}

// Stats returns a snapshot of the default arena's Page Heap counters
// (spec §6).
func Stats() pageheap.Stats {
	return defaultInstance().Stats()
}

// Reclaim returns every fully empty SmallSpan to the Page Heap and then
// unmaps every free span of at least minPages, in that order. It
// reports pages actually returned to the OS.
func Reclaim(minPages int) int {
	a := defaultInstance()
	a.ReclaimCentralSpans()
	return a.ReleasePages(minPages)
}

// TeardownCurrentThread drains and forgets the calling goroutine's
// Thread Cache on the default arena. See Arena.TeardownCurrentThread.
func TeardownCurrentThread() {
	defaultInstance().TeardownCurrentThread()
}

// ReapIdleThreadCaches drains and forgets every Thread Cache on the
// default arena whose owning goroutine has already exited. Returns the
// number reaped.
func ReapIdleThreadCaches() int {
	return defaultInstance().ReapIdleThreadCaches()
}
