// Package central implements the Central Reservoir (spec §4.3): a
// per-size-class pool of uniformly sized objects carved from Page Heap
// spans, served to Thread Caches in batches.
package central

import (
	"sync"

	"go.uber.org/zap"

	"github.com/DengY11/dmalloc/internal/objheader"
	"github.com/DengY11/dmalloc/internal/pageheap"
	"github.com/DengY11/dmalloc/internal/sizeclass"
)

// ReleaseBatch (spec's R) is the largest batch a Thread Cache hands
// back to the Central Reservoir in one Release call.
const ReleaseBatch = 256

// carveTargetSlots mirrors the reference's "amortize with ~512 slots"
// guidance for carving a fresh SmallSpan.
const carveTargetSlots = 512

// FetchBatch returns F(c): the number of objects a Thread Cache asks
// for on refill, larger for smaller (cheaper, more numerous) classes.
func FetchBatch(class int) int {
	if sizeclass.SizeOf(class) <= 64 {
		return 512
	}
	return 256
}

// smallSpan is the Central Reservoir's bookkeeping for one backing span
// (spec's SmallSpan), kept on the Go heap: free counts the span's slots
// currently on a central shard stack, so free==0 iff every slot is out
// in a Thread Cache or a live allocation; free==total iff the span is
// fully empty and eligible to return to the Page Heap.
type smallSpan struct {
	span  *pageheap.Span
	total int
	free  int
}

// shard is one of a class's S free-object stacks (spec §4.3 sharding).
// The free list is intrusive: it is threaded through the manually
// mapped slot memory itself via raw uintptr links, not Go pointers.
type shard struct {
	mu   sync.Mutex
	head uintptr
}

type classState struct {
	class    int
	objSize  int
	slotSize int
	shards   []*shard

	// mu guards spans and is always acquired before any shard's mu
	// (Fetch/Release/reclaimClass all take cs.mu, then a shard's mu),
	// never the other way around.
	mu    sync.Mutex
	spans map[uintptr]*smallSpan
}

// Reservoir is the Central Reservoir: one classState per size class.
type Reservoir struct {
	ph      *pageheap.PageHeap
	log     *zap.Logger
	nshards int
	classes [sizeclass.Count]*classState
}

// Option configures a Reservoir at construction.
type Option func(*Reservoir)

// WithShards sets S, the number of shards per class (spec §4.3). A
// fetch targets one shard, chosen by the caller's hint (typically a
// hash of thread identity); release targets any shard, since an
// object's owner back-reference lets any shard accept a foreign
// release — the "simpler" of the two policies spec §4.3 allows,
// chosen here and documented in DESIGN.md.
func WithShards(n int) Option {
	return func(r *Reservoir) { r.nshards = n }
}

// WithLogger attaches a structured logger for carve/reclaim events.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reservoir) { r.log = l }
}

// New constructs a Reservoir backed by ph.
func New(ph *pageheap.PageHeap, opts ...Option) *Reservoir {
	r := &Reservoir{ph: ph, nshards: 1, log: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	if r.nshards < 1 {
		r.nshards = 1
	}
	for c := 0; c < sizeclass.Count; c++ {
		cs := &classState{
			class:    c,
			objSize:  sizeclass.SizeOf(c),
			slotSize: objheader.Size + sizeclass.SizeOf(c),
			shards:   make([]*shard, r.nshards),
			spans:    make(map[uintptr]*smallSpan),
		}
		for i := range cs.shards {
			cs.shards[i] = &shard{}
		}
		r.classes[c] = cs
	}
	return r
}

func (r *Reservoir) shardIndex(hint int) int {
	if hint < 0 {
		hint = -hint
	}
	return hint % r.nshards
}

// Fetch pops up to len(out) free objects (user pointers) of the given
// class into out, carving a fresh SmallSpan first if the target shard
// is empty. Returns the number fetched, which is fewer than len(out)
// when the shard holds fewer objects than requested; a failed carve
// returns zero and the error.
//
// cs.mu is held across the whole pop-and-accounting sequence, not just
// the counter update: popping an object off the shard's free stack and
// decrementing its owning SmallSpan's free count must happen as one
// atomic step, or reclaimClass can observe a stale free count between
// the two and reclaim a span that still has a live object in flight to
// this call's caller (spec §8's "No overlap", mirroring the single lock
// central_fetch_batch holds across pop and free_objs-- in the original).
func (r *Reservoir) Fetch(class, shardHint int, out []uintptr) (int, error) {
	cs := r.classes[class]
	sh := cs.shards[r.shardIndex(shardHint)]

	cs.mu.Lock()
	defer cs.mu.Unlock()
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.head == 0 {
		if err := r.carve(cs, sh); err != nil {
			return 0, err
		}
	}
	n := 0
	for sh.head != 0 && n < len(out) {
		user := sh.head
		sh.head = objheader.ReadUintptr(user)
		out[n] = user
		n++
	}
	for i := 0; i < n; i++ {
		h := objheader.Read(objheader.HeaderBase(out[i]))
		if ss := cs.spans[h.Owner]; ss != nil {
			ss.free--
		}
	}
	return n, nil
}

// carve allocates a fresh span from the Page Heap large enough for
// carveTargetSlots objects, writes each slot's Object Header, and
// threads every slot onto sh's free stack. Must be called with cs.mu
// and sh.mu held.
func (r *Reservoir) carve(cs *classState, sh *shard) error {
	pageSize := r.ph.PageSize()
	need := uintptr(carveTargetSlots) * uintptr(cs.slotSize)
	pages := int((need + pageSize - 1) / pageSize)
	if pages < 1 {
		pages = 1
	}
	span, err := r.ph.SpanAlloc(pages)
	if err != nil {
		return err
	}
	capacity := (pages * int(pageSize)) / cs.slotSize
	if capacity < 1 {
		r.ph.SpanFree(span)
		return pageheap.ErrOutOfMemory
	}

	ss := &smallSpan{span: span, total: capacity, free: capacity}
	cs.spans[span.Start] = ss

	base := span.Start
	for i := 0; i < capacity; i++ {
		slotBase := base + uintptr(i*cs.slotSize)
		objheader.Write(slotBase, objheader.Header{Owner: span.Start, Class: uint32(cs.class)})
		user := objheader.UserPointer(slotBase)
		objheader.WriteUintptr(user, sh.head)
		sh.head = user
	}
	r.log.Info("central: carved span", zap.Int("class", cs.class), zap.Int("slots", capacity))
	return nil
}

// Release pushes objs back onto class's target shard and updates owner
// free counts, push-and-accounting under the same cs.mu+sh.mu scope as
// Fetch. It never reclaims a fully empty SmallSpan inline — see
// ReclaimEmptySpans, an explicit maintenance operation, matching spec
// §9's framing of SmallSpan reclamation as optional/deferrable.
func (r *Reservoir) Release(class, shardHint int, objs []uintptr) {
	if len(objs) == 0 {
		return
	}
	cs := r.classes[class]
	sh := cs.shards[r.shardIndex(shardHint)]

	cs.mu.Lock()
	defer cs.mu.Unlock()
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, p := range objs {
		objheader.WriteUintptr(p, sh.head)
		sh.head = p
		h := objheader.Read(objheader.HeaderBase(p))
		if ss := cs.spans[h.Owner]; ss != nil {
			ss.free++
		}
	}
}

// ReclaimEmptySpans scans every class for SmallSpans with free==total,
// unlinks their objects from every shard's free stack, and returns the
// backing spans to the Page Heap. Returns the number of spans reclaimed.
func (r *Reservoir) ReclaimEmptySpans() int {
	total := 0
	for c := 0; c < sizeclass.Count; c++ {
		total += r.reclaimClass(r.classes[c])
	}
	return total
}

// reclaimClass holds cs.mu across both the full/not-full scan and the
// shard unlink loop below, not just the scan: releasing cs.mu between
// the two would let a concurrent Fetch observe a span as still present
// in cs.spans, pop one of its objects, and only then lose the race to
// decrement ss.free after this function already judged the span empty
// and started returning it to the Page Heap. Holding cs.mu throughout
// makes that interleaving impossible, since Fetch also takes cs.mu
// before ever touching a shard's free stack.
func (r *Reservoir) reclaimClass(cs *classState) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var full []*smallSpan
	for start, ss := range cs.spans {
		if ss.free == ss.total {
			full = append(full, ss)
			delete(cs.spans, start)
		}
	}
	if len(full) == 0 {
		return 0
	}

	owners := make(map[uintptr]bool, len(full))
	for _, ss := range full {
		owners[ss.span.Start] = true
	}

	// Unlink requires the central stack contain exactly the objects
	// owned by a reclaimed span and no others outside it (spec §4.3);
	// a full scan of every shard's stack satisfies that exactly.
	for _, sh := range cs.shards {
		sh.mu.Lock()
		cur := sh.head
		sh.head = 0
		for cur != 0 {
			next := objheader.ReadUintptr(cur)
			h := objheader.Read(objheader.HeaderBase(cur))
			if !owners[h.Owner] {
				objheader.WriteUintptr(cur, sh.head)
				sh.head = cur
			}
			cur = next
		}
		sh.mu.Unlock()
	}

	for _, ss := range full {
		r.ph.SpanFree(ss.span)
	}
	r.log.Info("central: reclaimed empty spans", zap.Int("count", len(full)))
	return len(full)
}
