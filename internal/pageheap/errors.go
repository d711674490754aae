package pageheap

import "errors"

// ErrOutOfMemory is returned when the OS mapping call fails and the
// one-shot grow-and-retry in SpanAlloc still could not satisfy a request
// (spec §7: OutOfMemory).
var ErrOutOfMemory = errors.New("pageheap: out of memory")

// ErrBadArgument is returned for a non-positive page count. Spec §7
// folds BadArgument into OutOfMemory at the public API surface; the
// instance-level API here keeps it distinguishable.
var ErrBadArgument = errors.New("pageheap: bad argument")
