// Package dmalloc implements a three-tier, multi-threaded
// explicit-lifetime allocator: a Page Heap that owns OS-mapped virtual
// memory as variable-sized spans, a Central Reservoir that carves those
// spans into uniform per-size-class pools, and a Thread Cache that gives
// each goroutine a lock-free fast path against its own pool shard.
//
// Memory handed out by an Arena is never tracked by the Go garbage
// collector: callers are responsible for pairing every Allocate with
// exactly one Free (or Reallocate), and for never dereferencing a
// pointer after it has been freed.
package dmalloc

import (
	"errors"
	"math"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/DengY11/dmalloc/internal/central"
	"github.com/DengY11/dmalloc/internal/objheader"
	"github.com/DengY11/dmalloc/internal/pageheap"
	"github.com/DengY11/dmalloc/internal/sizeclass"
	"github.com/DengY11/dmalloc/internal/tcache"
)

// Arena is a self-contained allocator instance: the recommended
// instance-passing shape for the process-wide state spec.md treats as a
// singleton (spec §9's Design Notes). The package-level Allocate/Free/
// Reallocate functions wrap one lazily-initialized default Arena.
type Arena struct {
	cfg ArenaConfig
	log *zap.Logger

	ph  *pageheap.PageHeap
	cr  *central.Reservoir
	reg *tcache.Registry

	freeCalls uint64 // atomic, drives the periodic scavenge sweep
}

// NewArena constructs an Arena from cfg. Safe to call more than once;
// each Arena owns independent Page Heap/Central Reservoir/Thread Cache
// state and shares nothing with any other Arena.
func NewArena(cfg ArenaConfig) *Arena {
	log := cfg.logger()

	var phOpts []pageheap.Option
	phOpts = append(phOpts, pageheap.WithLogger(log))
	if cfg.PageSize != 0 {
		phOpts = append(phOpts, pageheap.WithPageSize(cfg.PageSize))
	}
	if cfg.GrowPages > 0 {
		phOpts = append(phOpts, pageheap.WithGrowPages(cfg.GrowPages))
	}
	ph := pageheap.New(phOpts...)

	shards := cfg.Shards
	if shards < 1 {
		shards = 1
	}
	cr := central.New(ph, central.WithShards(shards), central.WithLogger(log))

	a := &Arena{
		cfg: cfg,
		log: log,
		ph:  ph,
		cr:  cr,
		reg: tcache.NewRegistry(),
	}
	log.Info("dmalloc: arena initialized",
		zap.Int("shards", shards),
		zap.String("large_policy", largePolicyName(cfg.LargePolicy)))
	return a
}

func largePolicyName(p LargePolicy) string {
	if p == LargePageHeapBacked {
		return "page_heap_backed"
	}
	return "direct_mapped"
}

// maxAllocSize bounds size+header arithmetic away from uintptr overflow
// on every supported platform.
const maxAllocSize = math.MaxInt32

func wrapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pageheap.ErrOutOfMemory):
		return ErrOutOfMemory
	case errors.Is(err, pageheap.ErrBadArgument):
		return ErrBadArgument
	default:
		return err
	}
}

// Allocate returns a pointer to size writable bytes, or an error if the
// request cannot be satisfied (spec §4.5's allocation front-end).
func (a *Arena) Allocate(size int) (unsafe.Pointer, error) {
	if size < 0 || size > maxAllocSize {
		return nil, ErrBadArgument
	}
	if class, ok := sizeclass.ClassOf(size); ok {
		return a.allocateSmall(class)
	}
	return a.allocateLarge(size)
}

func (a *Arena) allocateSmall(class int) (unsafe.Pointer, error) {
	c := a.reg.Current()
	fetch := func(class int, out []uintptr) (int, error) {
		return a.cr.Fetch(class, c.ShardHint(), out)
	}
	p, err := c.Allocate(class, fetch)
	if err != nil {
		return nil, wrapErr(err)
	}
	return unsafe.Pointer(p), nil
}

func (a *Arena) allocateLarge(size int) (unsafe.Pointer, error) {
	total := int64(objheader.Size) + int64(size)
	if total > maxAllocSize {
		return nil, ErrBadArgument
	}
	pageSize := a.ph.PageSize()
	pages := int((uintptr(total) + pageSize - 1) / pageSize)

	switch a.cfg.LargePolicy {
	case LargePageHeapBacked:
		span, err := a.ph.SpanAlloc(pages)
		if err != nil {
			return nil, wrapErr(err)
		}
		objheader.Write(span.Start, objheader.Header{
			Class: objheader.LargeClassSentinel,
			Flags: objheader.FlagLarge,
		})
		return unsafe.Pointer(objheader.UserPointer(span.Start)), nil
	default: // LargeDirectMapped
		base, err := pageheap.RawMap(pages, pageSize)
		if err != nil {
			return nil, wrapErr(err)
		}
		objheader.Write(base, objheader.Header{
			Class: uint32(pages),
			Flags: objheader.FlagLarge | objheader.FlagDirectMapped,
		})
		return unsafe.Pointer(objheader.UserPointer(base)), nil
	}
}

// Free releases a pointer previously returned by Allocate or
// Reallocate. Freeing nil is a no-op; freeing anything else is the
// caller's responsibility to get right exactly once.
func (a *Arena) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	addr := uintptr(p)
	base := objheader.HeaderBase(addr)
	h := objheader.Read(base)

	switch {
	case h.IsLarge() && h.IsDirectMapped():
		pages := int(h.Class)
		if err := pageheap.RawUnmap(base, pages, a.ph.PageSize()); err != nil {
			a.log.Warn("dmalloc: munmap on free failed", zap.Error(err))
		}
	case h.IsLarge():
		if span := a.ph.SpanForAddr(base); span != nil {
			a.ph.SpanFree(span)
		}
	default:
		class := int(h.Class)
		if class < 0 || class >= sizeclass.Count {
			a.log.Error("dmalloc: free called on a pointer with a corrupt header",
				zap.Error(ErrInvariant), zap.Int("class", class))
			return
		}
		c := a.reg.Current()
		release := func(class int, objs []uintptr) {
			a.cr.Release(class, c.ShardHint(), objs)
		}
		c.Free(class, addr, release)
	}

	a.afterFree()
}

func (a *Arena) afterFree() {
	if a.cfg.ScavengePeriod == 0 {
		return
	}
	n := atomic.AddUint64(&a.freeCalls, 1)
	if n%a.cfg.ScavengePeriod == 0 {
		a.Scavenge(1)
	}
}

// payloadCapacity returns the number of bytes available to the caller
// at a live object's user pointer, used by Reallocate to decide how
// much of the old contents to copy forward.
func (a *Arena) payloadCapacity(h objheader.Header, base uintptr) int {
	if !h.IsLarge() {
		return sizeclass.SizeOf(int(h.Class))
	}
	pageSize := a.ph.PageSize()
	var pages int
	if h.IsDirectMapped() {
		pages = int(h.Class)
	} else if span := a.ph.SpanForAddr(base); span != nil {
		pages = span.Pages
	}
	total := pages*int(pageSize) - objheader.Size
	if total < 0 {
		return 0
	}
	return total
}

// Reallocate resizes the allocation at p to size bytes, preserving the
// lesser of its old and new contents, per spec §4.5. A nil p behaves
// like Allocate; a zero size is served like a one-byte request and still
// returns a live allocation rather than freeing p (spec leaves realloc(p, 0) to the
// implementation; this module never implicitly frees on resize).
func (a *Arena) Reallocate(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if p == nil {
		return a.Allocate(size)
	}
	if size < 0 || size > maxAllocSize {
		return nil, ErrBadArgument
	}

	addr := uintptr(p)
	base := objheader.HeaderBase(addr)
	h := objheader.Read(base)

	if !h.IsLarge() {
		if class, ok := sizeclass.ClassOf(size); ok && class == int(h.Class) {
			return p, nil
		}
	}

	newPtr, err := a.Allocate(size)
	if err != nil {
		return nil, err
	}

	oldCap := a.payloadCapacity(h, base)
	n := oldCap
	if size < n {
		n = size
	}
	if n > 0 {
		src := unsafe.Slice((*byte)(p), n)
		dst := unsafe.Slice((*byte)(newPtr), n)
		copy(dst, src)
	}
	a.Free(p)
	return newPtr, nil
}

// Stats returns a snapshot of the Page Heap's counters (spec §6).
func (a *Arena) Stats() pageheap.Stats {
	return a.ph.Stats()
}

// ReclaimCentralSpans returns every fully empty SmallSpan in the
// Central Reservoir to the Page Heap and reports how many were
// reclaimed (spec §9's optional SmallSpan reclamation).
func (a *Arena) ReclaimCentralSpans() int {
	return a.cr.ReclaimEmptySpans()
}

// Scavenge advises the kernel that free Page Heap spans of at least
// minPages can be discarded, without unmapping them (spec's
// pageheap_madvise_idle_spans). It is the operation the periodic
// scavenge counter drives automatically.
func (a *Arena) Scavenge(minPages int) int {
	return a.ph.MadviseIdleSpans(minPages)
}

// ReleasePages unmaps every free Page Heap span of at least minPages,
// actually returning address space to the OS (spec's
// pageheap_release_empty_spans).
func (a *Arena) ReleasePages(minPages int) int {
	return a.ph.ReleaseEmptySpans(minPages)
}

// TeardownCurrentThread drains the calling goroutine's Thread Cache
// back to the Central Reservoir and forgets it, for a caller that knows
// it is about to stop allocating on this goroutine. Ordinary goroutine
// exit is handled instead by ReapIdleThreadCaches.
func (a *Arena) TeardownCurrentThread() {
	c, ok := a.reg.Forget()
	if !ok {
		return
	}
	release := func(class int, objs []uintptr) {
		a.cr.Release(class, c.ShardHint(), objs)
	}
	c.Drain(release)
}

// ReapIdleThreadCaches drains and forgets every Thread Cache whose
// owning goroutine has already exited, approximating the thread-exit
// teardown hook spec §3/§4.4 assume (see internal/tcache for why Go
// cannot provide one directly). Returns the number reaped.
func (a *Arena) ReapIdleThreadCaches() int {
	return a.reg.ReapIdle(func(c *tcache.Cache) {
		release := func(class int, objs []uintptr) {
			a.cr.Release(class, c.ShardHint(), objs)
		}
		c.Drain(release)
	})
}

// Collector exposes this Arena's Page Heap statistics as a
// prometheus.Collector under namespace (spec §6, additive
// instrumentation).
func (a *Arena) Collector(namespace string) *pageheap.Collector {
	return pageheap.NewCollector(a.ph, namespace)
}
