package dmalloc_test

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/DengY11/dmalloc"
)

func writePattern(p unsafe.Pointer, n int, b byte) {
	buf := unsafe.Slice((*byte)(p), n)
	for i := range buf {
		buf[i] = b
	}
}

func checkPattern(t *testing.T, p unsafe.Pointer, n int, b byte) {
	t.Helper()
	buf := unsafe.Slice((*byte)(p), n)
	for i, v := range buf {
		require.Equalf(t, b, v, "byte %d mismatch", i)
	}
}

func TestArenaSmallObjectChurnWithRealloc(t *testing.T) {
	a := dmalloc.NewArena(dmalloc.DefaultConfig())
	defer a.TeardownCurrentThread()

	const sizes = 4
	ptrs := make([]unsafe.Pointer, 0, 2000)
	for round := 0; round < 200; round++ {
		size := 8 + (round%sizes)*64
		p, err := a.Allocate(size)
		require.NoError(t, err)
		writePattern(p, size, byte(round))
		checkPattern(t, p, size, byte(round))

		grown, err := a.Reallocate(p, size*2)
		require.NoError(t, err)
		checkPattern(t, grown, size, byte(round))
		ptrs = append(ptrs, grown)
	}
	for _, p := range ptrs {
		a.Free(p)
	}
}

func TestArenaLargeBypassBothPolicies(t *testing.T) {
	for _, policy := range []dmalloc.LargePolicy{dmalloc.LargeDirectMapped, dmalloc.LargePageHeapBacked} {
		cfg := dmalloc.DefaultConfig()
		cfg.LargePolicy = policy
		a := dmalloc.NewArena(cfg)

		p, err := a.Allocate(64 * 1024)
		require.NoError(t, err)
		require.NotNil(t, p)
		writePattern(p, 64*1024, 0xAB)
		checkPattern(t, p, 64*1024, 0xAB)

		grown, err := a.Reallocate(p, 128*1024)
		require.NoError(t, err)
		checkPattern(t, grown, 64*1024, 0xAB)

		a.Free(grown)
	}
}

func TestArenaConcurrentTorture(t *testing.T) {
	a := dmalloc.NewArena(dmalloc.DefaultConfig())
	var g errgroup.Group
	ctx := context.Background()
	sem := semaphore.NewWeighted(8) // bound true concurrency below the full fan-out width

	for w := 0; w < 32; w++ {
		w := w
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			defer a.TeardownCurrentThread()
			var ptrs []unsafe.Pointer
			for i := 0; i < 500; i++ {
				size := 16 + ((w*31 + i) % 900)
				p, err := a.Allocate(size)
				if err != nil {
					return err
				}
				writePattern(p, size, byte(w))
				ptrs = append(ptrs, p)
				if len(ptrs) > 50 {
					a.Free(ptrs[0])
					ptrs = ptrs[1:]
				}
			}
			for _, p := range ptrs {
				a.Free(p)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestArenaAdversarialChurnAndReclaim(t *testing.T) {
	a := dmalloc.NewArena(dmalloc.DefaultConfig())

	ptrs := make([]unsafe.Pointer, 0, 4096)
	for i := 0; i < 4096; i++ {
		p, err := a.Allocate(32)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		a.Free(p)
	}

	reclaimed := a.ReclaimCentralSpans()
	require.GreaterOrEqual(t, reclaimed, 0)

	released := a.ReleasePages(1)
	require.GreaterOrEqual(t, released, 0)
}

func TestArenaBadArgument(t *testing.T) {
	a := dmalloc.NewArena(dmalloc.DefaultConfig())
	_, err := a.Allocate(-1)
	require.ErrorIs(t, err, dmalloc.ErrBadArgument)
}

func TestArenaFreeNilIsNoop(t *testing.T) {
	a := dmalloc.NewArena(dmalloc.DefaultConfig())
	a.Free(nil)
}

func TestArenaReapIdleThreadCaches(t *testing.T) {
	a := dmalloc.NewArena(dmalloc.DefaultConfig())
	done := make(chan struct{})
	go func() {
		p, err := a.Allocate(32)
		require.NoError(t, err)
		a.Free(p)
		close(done)
	}()
	<-done

	var reaped int
	require.Eventually(t, func() bool {
		reaped = a.ReapIdleThreadCaches()
		return reaped >= 1
	}, time.Second, time.Millisecond)
	require.GreaterOrEqual(t, reaped, 1)
}
