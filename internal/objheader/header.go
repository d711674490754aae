// Package objheader implements the fixed Object Header prefix placed
// immediately before every user pointer, large or small (spec §4.6).
//
// Header fields are written directly into manually-mapped memory, so
// Owner is a plain uintptr address rather than a typed Go pointer: the
// garbage collector does not trace pointers embedded in memory it did
// not allocate, and a live Go pointer stored only there would be
// invisible to it. Every owner reference here is instead an address
// that the caller resolves through a registry it already keeps alive
// on the Go heap (the Central Reservoir's span-by-start map for small
// objects, the Page Heap's address-ordered span list for PH-backed
// large objects).
package objheader

import (
	"unsafe"

	"github.com/DengY11/dmalloc/internal/sizeclass"
)

// Flag bits, per spec §4.6.
const (
	FlagLarge        uint32 = 1 << 0 // bit 0: set iff large
	FlagDirectMapped uint32 = 1 << 1 // bit 1 (meaningful only if FlagLarge): set iff direct-mapped
)

// LargeClassSentinel is the class field value written for PH-backed
// large allocations, matching spec §4.6 ("class = 0xFFFF").
const LargeClassSentinel uint32 = 0xFFFF

// Header is the in-memory layout of the object header.
type Header struct {
	Owner uintptr // small: owning SmallSpan's backing Span.Start; large: unused (0)
	Class uint32  // small: size class index; large-PH: LargeClassSentinel; large-direct: page count
	Flags uint32
}

// Size is the aligned size of a Header as stored in memory.
var Size = sizeclass.RoundUp(int(unsafe.Sizeof(Header{})), sizeclass.Align)

// Write stores h at base.
func Write(base uintptr, h Header) {
	*(*Header)(unsafe.Pointer(base)) = h
}

// Read loads the header stored at base.
func Read(base uintptr) Header {
	return *(*Header)(unsafe.Pointer(base))
}

// UserPointer returns the address returned to the caller for a slot
// whose header starts at base.
func UserPointer(base uintptr) uintptr {
	return base + uintptr(Size)
}

// HeaderBase returns the address of the header belonging to a
// previously returned user pointer.
func HeaderBase(userPtr uintptr) uintptr {
	return userPtr - uintptr(Size)
}

// IsLarge reports whether h describes a large allocation.
func (h Header) IsLarge() bool { return h.Flags&FlagLarge != 0 }

// IsDirectMapped reports whether h describes a direct-mapped large
// allocation (only meaningful when IsLarge is true).
func (h Header) IsDirectMapped() bool { return h.Flags&FlagDirectMapped != 0 }

// WriteUintptr/ReadUintptr store/load an intrusive free-list link (a
// raw address, never a Go pointer) at addr. Used by the Central
// Reservoir and Thread Cache to thread free objects together directly
// inside the manually-mapped slot memory.
func WriteUintptr(addr uintptr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = v
}

func ReadUintptr(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}
