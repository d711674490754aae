package dmalloc_test

import (
	"testing"

	"github.com/DengY11/dmalloc"
)

// These mirror original_source/tests/bench_malloc_vs_dmalloc.c: compare
// this allocator's small-object hot path and large-object path against
// the Go runtime's own make([]byte, n).

func BenchmarkAllocateFreeSmall(b *testing.B) {
	a := dmalloc.NewArena(dmalloc.DefaultConfig())
	defer a.TeardownCurrentThread()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p, err := a.Allocate(64)
		if err != nil {
			b.Fatal(err)
		}
		a.Free(p)
	}
}

func BenchmarkMakeByteSliceSmall(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := make([]byte, 64)
		_ = buf
	}
}

func BenchmarkAllocateFreeLarge(b *testing.B) {
	a := dmalloc.NewArena(dmalloc.DefaultConfig())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p, err := a.Allocate(256 * 1024)
		if err != nil {
			b.Fatal(err)
		}
		a.Free(p)
	}
}

func BenchmarkMakeByteSliceLarge(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := make([]byte, 256*1024)
		_ = buf
	}
}
