// Package pageheap implements the Page Heap (spec §4.1): it owns all
// virtual memory obtained from the OS and hands it out as variable-sized
// page runs ("spans"), splitting and coalescing on demand.
//
// See largeindex.go for the large-run lookup structure and osmem*.go for
// the platform memory calls.
package pageheap

// Span is a contiguous run of pages owned by the Page Heap (spec §3).
//
// Span metadata lives in ordinary, GC-visible Go memory: it is never
// placed inside the raw OS pages it describes. The user-payload bytes a
// Span backs are manually mapped and are never scanned or moved by the
// Go garbage collector, so no Go pointer may be stored inside them; any
// cross-reference that must live in that memory (the Central Reservoir's
// intrusive free lists, Object Headers) is encoded as a plain uintptr
// address instead. See DESIGN.md for the full rationale.
type Span struct {
	Start     uintptr // page-aligned base address
	Pages     int     // page count, >= 1
	InUse     bool

	prevAddr *Span // addr-order doubly linked list (all spans, free and in-use)
	nextAddr *Span

	nextFree *Span // singly linked list within an exact-page-count bucket

	skipNext [maxSkipLevels]*Span // large-run skip list forward pointers
	skipLvl  int

	poolNext *Span // metadata pool free list linkage (see metapool.go)
}

// End returns the address one past the last byte of the span.
func (s *Span) End(pageSize uintptr) uintptr {
	return s.Start + uintptr(s.Pages)*pageSize
}

// Contains reports whether addr falls within the span's page range.
func (s *Span) Contains(addr uintptr, pageSize uintptr) bool {
	return addr >= s.Start && addr < s.End(pageSize)
}
