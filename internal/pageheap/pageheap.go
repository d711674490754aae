package pageheap

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MaxBuckets (spec's B) is the number of exact-page-count free buckets.
// Free spans of 1..MaxBuckets-2 pages sit in exact-count lists
// (freeBuckets[pages-1]); every free span with page_count >= MaxBuckets-1
// sits in the last bucket, backed by the large-run skip list instead of
// a plain list.
const MaxBuckets = 64

// DefaultGrowPages (spec's G) amortizes the cost of OS mapping calls.
const DefaultGrowPages = 64

// Stats is the read-only snapshot contract from spec §6.
type Stats struct {
	PageSize    uintptr
	MappedPages uint64
	FreePages   uint64
	SpansInUse  uint64
	SpansFree   uint64
}

// PageHeap owns all virtual memory obtained from the OS (spec §4.1).
type PageHeap struct {
	mu sync.Mutex

	pageSize  uintptr
	growPages int
	log       *zap.Logger

	freeBuckets [MaxBuckets - 1]*Span // exact-count free lists, index i holds count i+1
	large       *largeIndex

	addrHead *Span // address-ordered doubly linked list, all spans

	meta metaPool

	mappedPages uint64
	freePages   uint64
	spansInUse  uint64
	spansFree   uint64
}

// Option configures a PageHeap at construction.
type Option func(*PageHeap)

// WithPageSize overrides the OS page size query, for deterministic tests.
func WithPageSize(n uintptr) Option {
	return func(h *PageHeap) { h.pageSize = n }
}

// WithGrowPages overrides DefaultGrowPages.
func WithGrowPages(n int) Option {
	return func(h *PageHeap) { h.growPages = n }
}

// WithLogger attaches a structured logger for lifecycle events. The fast
// paths (span_alloc/span_free on a hit) never log, per spec §7.
func WithLogger(l *zap.Logger) Option {
	return func(h *PageHeap) { h.log = l }
}

// New constructs a PageHeap. Safe to call once per Arena; process-wide
// singleton semantics (spec §5's compare-and-set init) are the caller's
// (Arena's) responsibility.
func New(opts ...Option) *PageHeap {
	h := &PageHeap{
		growPages: DefaultGrowPages,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.pageSize == 0 {
		h.pageSize = osPageSize()
	}
	h.large = newLargeIndex(uint64(h.pageSize))
	return h
}

// PageSize returns the page size this heap was initialized with.
func (h *PageHeap) PageSize() uintptr {
	return h.pageSize
}

func bucketIndex(pages int) int {
	if pages <= 0 {
		return 0
	}
	if pages >= MaxBuckets-1 {
		return MaxBuckets - 1
	}
	return pages - 1
}

func isLargeBucket(idx int) bool { return idx == MaxBuckets-1 }

func (h *PageHeap) bucketInsert(s *Span) {
	idx := bucketIndex(s.Pages)
	if isLargeBucket(idx) {
		h.large.insert(s)
		return
	}
	s.nextFree = h.freeBuckets[idx]
	h.freeBuckets[idx] = s
}

func (h *PageHeap) bucketRemove(s *Span) {
	idx := bucketIndex(s.Pages)
	if isLargeBucket(idx) {
		h.large.remove(s)
		return
	}
	var prev *Span
	for cur := h.freeBuckets[idx]; cur != nil; cur = cur.nextFree {
		if cur == s {
			if prev != nil {
				prev.nextFree = cur.nextFree
			} else {
				h.freeBuckets[idx] = cur.nextFree
			}
			s.nextFree = nil
			return
		}
		prev = cur
	}
}

func (h *PageHeap) addrInsertSorted(s *Span) {
	if h.addrHead == nil {
		h.addrHead = s
		s.prevAddr, s.nextAddr = nil, nil
		return
	}
	var prev *Span
	cur := h.addrHead
	for cur != nil && cur.Start < s.Start {
		prev = cur
		cur = cur.nextAddr
	}
	s.prevAddr, s.nextAddr = prev, cur
	if prev != nil {
		prev.nextAddr = s
	} else {
		h.addrHead = s
	}
	if cur != nil {
		cur.prevAddr = s
	}
}

func (h *PageHeap) addrRemove(s *Span) {
	if s.prevAddr != nil {
		s.prevAddr.nextAddr = s.nextAddr
	} else {
		h.addrHead = s.nextAddr
	}
	if s.nextAddr != nil {
		s.nextAddr.prevAddr = s.prevAddr
	}
	s.prevAddr, s.nextAddr = nil, nil
}

func canCoalesce(a, b *Span, pageSize uintptr) bool {
	if a == nil || b == nil {
		return false
	}
	if a.InUse || b.InUse {
		return false
	}
	return a.End(pageSize) == b.Start
}

// coalesceNeighbors merges s with its free address-order neighbors (left
// first, then right) and reinserts the surviving span into its bucket.
func (h *PageHeap) coalesceNeighbors(s *Span) {
	if left := s.prevAddr; canCoalesce(left, s, h.pageSize) {
		h.bucketRemove(left)
		left.Pages += s.Pages
		left.nextAddr = s.nextAddr
		if s.nextAddr != nil {
			s.nextAddr.prevAddr = left
		}
		h.meta.release(s)
		s = left
		h.spansFree--
	}
	if right := s.nextAddr; canCoalesce(s, right, h.pageSize) {
		h.bucketRemove(right)
		s.Pages += right.Pages
		s.nextAddr = right.nextAddr
		if right.nextAddr != nil {
			right.nextAddr.prevAddr = s
		}
		h.meta.release(right)
		h.spansFree--
	}
	h.bucketInsert(s)
}

func (h *PageHeap) spanCreate(start uintptr, inUse bool) *Span {
	s := h.meta.acquire()
	s.Start = start
	s.InUse = inUse
	return s
}

// Grow maps page_count (or the heap's grow size if <= 0) fresh pages from the
// OS and publishes them as one new free span (spec's pageheap_grow).
func (h *PageHeap) Grow(pageCount int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.growLocked(pageCount)
}

func (h *PageHeap) growLocked(pageCount int) error {
	if pageCount <= 0 {
		pageCount = h.growPages
	}
	start, err := osMap(pageCount, h.pageSize)
	if err != nil {
		h.log.Warn("pageheap: grow failed", zap.Int("pages", pageCount), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	s := h.spanCreate(start, false)
	s.Pages = pageCount
	h.addrInsertSorted(s)
	h.bucketInsert(s)
	h.mappedPages += uint64(pageCount)
	h.freePages += uint64(pageCount)
	h.spansFree++
	h.log.Info("pageheap: grew", zap.Int("pages", pageCount), zap.Uintptr("start", start))
	return nil
}

// findSuitable mirrors dmalloc.c's find_suitable: scan exact-count
// buckets from idx upward, then fall back to the large-run skip list.
func (h *PageHeap) findSuitable(pageCount int) *Span {
	idx := bucketIndex(pageCount)
	if idx < MaxBuckets-1 {
		if head := h.freeBuckets[idx]; head != nil {
			return head
		}
		for i := idx + 1; i < MaxBuckets-1; i++ {
			if head := h.freeBuckets[i]; head != nil {
				return head
			}
		}
	}
	return h.large.lowerBound(pageCount)
}

// SpanAlloc returns a span with exactly pageCount pages (spec's
// span_alloc), splitting a larger free span or growing the heap as
// needed. Returns nil, ErrOutOfMemory on exhaustion.
func (h *PageHeap) SpanAlloc(pageCount int) (*Span, error) {
	if pageCount <= 0 {
		return nil, ErrBadArgument
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.findSuitable(pageCount)
	if s == nil {
		grow := pageCount
		if grow < h.growPages {
			grow = h.growPages
		}
		if err := h.growLocked(grow); err != nil {
			return nil, err
		}
		s = h.findSuitable(pageCount)
		if s == nil {
			return nil, ErrOutOfMemory
		}
	}

	h.bucketRemove(s)
	if s.Pages == pageCount {
		s.InUse = true
		h.freePages -= uint64(s.Pages)
		h.spansFree--
		h.spansInUse++
		return s, nil
	}

	remain := s.Pages - pageCount
	remainStart := s.Start + uintptr(pageCount)*h.pageSize
	s.Pages = pageCount
	s.InUse = true

	r := h.spanCreate(remainStart, false)
	r.Pages = remain
	r.nextAddr = s.nextAddr
	r.prevAddr = s
	if s.nextAddr != nil {
		s.nextAddr.prevAddr = r
	}
	s.nextAddr = r
	h.bucketInsert(r)

	h.spansInUse++
	h.freePages -= uint64(pageCount)
	return s, nil
}

// SpanFree marks s free, coalesces it with address-adjacent free
// neighbors, and reinserts the surviving span into its bucket (spec's
// span_free). Freeing a span that is not in use is a no-op.
func (h *PageHeap) SpanFree(s *Span) {
	if s == nil || !s.InUse {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s.InUse = false
	h.spansInUse--
	h.freePages += uint64(s.Pages)
	h.spansFree++
	h.coalesceNeighbors(s)
}

// SpanForAddr walks the address-ordered span list to find the span
// containing addr (spec's pageheap_span_for_addr). Used to recover the
// owning span of a PH-backed large allocation from its header alone.
func (h *PageHeap) SpanForAddr(addr uintptr) *Span {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cur := h.addrHead; cur != nil; cur = cur.nextAddr {
		if cur.Start > addr {
			break
		}
		if cur.Contains(addr, h.pageSize) {
			return cur
		}
	}
	return nil
}

// Stats returns a snapshot of the heap's counters (spec §6).
func (h *PageHeap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		PageSize:    h.pageSize,
		MappedPages: h.mappedPages,
		FreePages:   h.freePages,
		SpansInUse:  h.spansInUse,
		SpansFree:   h.spansFree,
	}
}

type reclaimRange struct {
	addr  uintptr
	pages int
}

// ReleaseEmptySpans unmaps every free span with page_count >= minPages
// and returns the number of pages released (spec's
// pageheap_release_empty_spans). Candidate spans are unlinked from the
// bucket and address-order list under the lock and the unmap syscalls
// are issued after releasing it, so a slow munmap never blocks an
// unrelated allocate/free on another goroutine. Unlike MadviseIdleSpans,
// this mutates the indexes before the syscall runs, so a failed unmap
// must roll back: on failure the span is re-linked into both indexes
// with its counters untouched, and only committed (counters decremented,
// metadata released back to the pool) once the unmap has actually
// succeeded — per spec §4.1, "unmap failure during reclamation leaves
// state consistent by rollback".
func (h *PageHeap) ReleaseEmptySpans(minPages int) int {
	if minPages <= 0 {
		minPages = 1
	}
	var candidates []*Span

	h.mu.Lock()
	cur := h.addrHead
	for cur != nil {
		next := cur.nextAddr
		if !cur.InUse && cur.Pages >= minPages {
			h.bucketRemove(cur)
			h.addrRemove(cur)
			candidates = append(candidates, cur)
		}
		cur = next
	}
	h.mu.Unlock()

	released := 0
	for _, s := range candidates {
		if err := osUnmap(s.Start, s.Pages, h.pageSize); err != nil {
			h.log.Warn("pageheap: munmap during reclaim failed, restoring span",
				zap.Uintptr("start", s.Start), zap.Int("pages", s.Pages), zap.Error(err))
			h.mu.Lock()
			h.addrInsertSorted(s)
			h.bucketInsert(s)
			h.mu.Unlock()
			continue
		}
		h.mu.Lock()
		h.mappedPages -= uint64(s.Pages)
		h.freePages -= uint64(s.Pages)
		h.spansFree--
		h.meta.release(s)
		h.mu.Unlock()
		released += s.Pages
	}
	h.log.Info("pageheap: released empty spans", zap.Int("pages", released))
	return released
}

// MadviseIdleSpans advises the kernel that every free span with
// page_count >= minPages can be reclaimed, without unmapping it or
// touching any index (spec's pageheap_madvise_idle_spans).
func (h *PageHeap) MadviseIdleSpans(minPages int) int {
	if minPages <= 0 {
		minPages = 1
	}
	var toAdvise []reclaimRange

	h.mu.Lock()
	for cur := h.addrHead; cur != nil; cur = cur.nextAddr {
		if !cur.InUse && cur.Pages >= minPages {
			toAdvise = append(toAdvise, reclaimRange{addr: cur.Start, pages: cur.Pages})
		}
	}
	h.mu.Unlock()

	advised := 0
	for _, r := range toAdvise {
		if err := osMadviseDontNeed(r.addr, r.pages, h.pageSize); err != nil {
			h.log.Warn("pageheap: madvise during soft reclaim failed", zap.Error(err))
			continue
		}
		advised += r.pages
	}
	return advised
}
