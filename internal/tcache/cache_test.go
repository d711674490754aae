package tcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DengY11/dmalloc/internal/central"
	"github.com/DengY11/dmalloc/internal/pageheap"
	"github.com/DengY11/dmalloc/internal/sizeclass"
)

func newHarness(t *testing.T) (*central.Reservoir, FetchFunc, ReleaseFunc) {
	ph := pageheap.New()
	r := central.New(ph)
	fetch := func(class int, out []uintptr) (int, error) { return r.Fetch(class, 0, out) }
	release := func(class int, objs []uintptr) { r.Release(class, 0, objs) }
	return r, fetch, release
}

func TestAllocateRefillsFromCentral(t *testing.T) {
	_, fetch, release := newHarness(t)
	c := &Cache{}
	class, _ := sizeclass.ClassOf(24)

	p, err := c.Allocate(class, fetch)
	require.NoError(t, err)
	require.NotZero(t, p)

	c.Free(class, p, release)
}

func TestFreeDrainsOverWatermark(t *testing.T) {
	_, fetch, release := newHarness(t)
	c := &Cache{}
	class, _ := sizeclass.ClassOf(16)

	var objs []uintptr
	for i := 0; i < Limit+central.ReleaseBatch; i++ {
		p, err := c.Allocate(class, fetch)
		require.NoError(t, err)
		objs = append(objs, p)
	}
	for _, p := range objs {
		c.Free(class, p, release)
	}
	require.LessOrEqual(t, c.classes[class].count, Limit)
}

func TestRegistryPerGoroutine(t *testing.T) {
	reg := NewRegistry()
	a := reg.Current()
	b := reg.Current()
	require.Same(t, a, b, "same goroutine must see the same cache")
	require.Equal(t, 1, reg.Len())
}

func TestRegistryReapsIdle(t *testing.T) {
	reg := NewRegistry()
	done := make(chan struct{})
	started := make(chan struct{})
	go func() {
		reg.Current()
		close(started)
		<-done
	}()
	<-started
	require.Equal(t, 1, reg.Len())
	close(done)

	// give the goroutine a moment to actually exit before reaping.
	require.Eventually(t, func() bool {
		reg.ReapIdle(func(*Cache) {})
		return reg.Len() == 0
	}, time.Second, time.Millisecond)
}
