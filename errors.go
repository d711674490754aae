package dmalloc

import "errors"

// Sentinel errors surfaced by the *Arena instance API (spec §7). The
// package-level three-function API collapses all of these to a nil
// return, matching spec.md's BadArgument-maps-to-OutOfMemory framing
// for callers who don't want to distinguish them.
var (
	ErrOutOfMemory = errors.New("dmalloc: out of memory")
	ErrBadArgument = errors.New("dmalloc: bad argument")
	// ErrInvariant is logged (never returned — Free has no error return,
	// matching free()'s void signature) when Arena.Free reads an object
	// header whose class field falls outside the size-class table,
	// spec §7's canonical Invariant trigger: the header is corrupt, the
	// pointer was never one this arena returned, or it has already been
	// freed and its slot reused and rewritten by something else.
	ErrInvariant = errors.New("dmalloc: invariant violation")
)
