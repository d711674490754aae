package dmalloc_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/DengY11/dmalloc"
)

func TestPackageLevelRoundtrip(t *testing.T) {
	p := dmalloc.Allocate(128)
	require.NotNil(t, p)
	writePattern(p, 128, 0x5A)
	checkPattern(t, p, 128, 0x5A)

	q := dmalloc.Reallocate(p, 256)
	require.NotNil(t, q)
	checkPattern(t, q, 128, 0x5A)

	dmalloc.Free(q)
}

func TestPackageLevelBadArgumentReturnsNil(t *testing.T) {
	require.Nil(t, dmalloc.Allocate(-1))
}

func TestPackageLevelFreeNilIsNoop(t *testing.T) {
	dmalloc.Free(nil)
}

func TestPackageLevelStatsAndReclaim(t *testing.T) {
	dmalloc.Init()
	var ptrs []unsafe.Pointer
	for i := 0; i < 64; i++ {
		ptrs = append(ptrs, dmalloc.Allocate(48))
	}
	for _, p := range ptrs {
		dmalloc.Free(p)
	}
	st := dmalloc.Stats()
	require.Greater(t, st.MappedPages, uint64(0))
	require.GreaterOrEqual(t, dmalloc.Reclaim(1), 0)
}
