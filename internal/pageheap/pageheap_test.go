package pageheap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGrowAllocFreeCoalesce(t *testing.T) {
	h := New()
	require.NoError(t, h.Grow(64))

	a, err := h.SpanAlloc(10)
	require.NoError(t, err)
	b, err := h.SpanAlloc(20)
	require.NoError(t, err)
	c, err := h.SpanAlloc(5)
	require.NoError(t, err)

	h.SpanFree(a)
	h.SpanFree(b)
	h.SpanFree(c)

	st := h.Stats()
	require.EqualValues(t, 1, st.SpansFree)
	require.EqualValues(t, 64, st.FreePages)

	released := h.ReleaseEmptySpans(64)
	require.Equal(t, 64, released)
	require.EqualValues(t, 0, h.Stats().MappedPages)
}

func TestBestFitOrdering(t *testing.T) {
	h := New()
	require.NoError(t, h.Grow(10))
	require.NoError(t, h.Grow(20))
	require.NoError(t, h.Grow(50))

	s, err := h.SpanAlloc(15)
	require.NoError(t, err)
	require.Equal(t, 15, s.Pages)
	// the 20-page grow should have been the donor: after splitting, a
	// 5-page remainder must exist somewhere in the free set.
	require.EqualValues(t, 1, countFreeWithPages(h, 5))
}

func TestBestFitLargeIndex(t *testing.T) {
	h := New()
	require.NoError(t, h.Grow(128))
	require.NoError(t, h.Grow(96))

	s1, err := h.SpanAlloc(100)
	require.NoError(t, err)
	require.Equal(t, 100, s1.Pages)

	s2, err := h.SpanAlloc(96)
	require.NoError(t, err)
	require.Equal(t, 96, s2.Pages)

	h.SpanFree(s1)
	h.SpanFree(s2)

	st := h.Stats()
	require.EqualValues(t, 224, st.FreePages)
	require.Equal(t, 224, h.ReleaseEmptySpans(64))
}

func TestSpanForAddr(t *testing.T) {
	h := New()
	require.NoError(t, h.Grow(64))
	s, err := h.SpanAlloc(4)
	require.NoError(t, err)

	found := h.SpanForAddr(s.Start)
	require.Same(t, s, found)

	mid := s.Start + h.PageSize()
	require.Same(t, s, h.SpanForAddr(mid))
}

func countFreeWithPages(h *PageHeap, pages int) int {
	n := 0
	h.mu.Lock()
	defer h.mu.Unlock()
	for cur := h.addrHead; cur != nil; cur = cur.nextAddr {
		if !cur.InUse && cur.Pages == pages {
			n++
		}
	}
	return n
}
