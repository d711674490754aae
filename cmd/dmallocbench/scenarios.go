package main

import (
	"context"
	"fmt"
	"math/rand"
	"unsafe"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/DengY11/dmalloc"
	"github.com/DengY11/dmalloc/internal/pageheap"
)

func printStats(label string, st pageheap.Stats) {
	fmt.Printf("%-10s page_size=%d mapped=%d free=%d spans_in_use=%d spans_free=%d\n",
		label, st.PageSize, st.MappedPages, st.FreePages, st.SpansInUse, st.SpansFree)
}

func newArenaFromFlags(cmd *cobra.Command) *dmalloc.Arena {
	directMapped, _ := cmd.Flags().GetBool("direct-mapped")
	cfg := dmalloc.DefaultConfig()
	if !directMapped {
		cfg.LargePolicy = dmalloc.LargePageHeapBacked
	}
	return dmalloc.NewArena(cfg)
}

func addLargePolicyFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("direct-mapped", true, "use the direct-mapped large allocation policy instead of page-heap-backed")
}

func newRoundtripCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "roundtrip",
		Short: "allocate, write, verify, and free n small objects once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newArenaFromFlags(cmd)
			printStats("before", a.Stats())
			ptrs := make([]unsafe.Pointer, 0, n)
			for i := 0; i < n; i++ {
				p, err := a.Allocate(64)
				if err != nil {
					return err
				}
				*(*byte)(p) = byte(i)
				ptrs = append(ptrs, p)
			}
			for i, p := range ptrs {
				if got := *(*byte)(p); got != byte(i) {
					return fmt.Errorf("object %d corrupted: got %d", i, got)
				}
				a.Free(p)
			}
			printStats("after", a.Stats())
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 10_000, "number of objects to round-trip")
	addLargePolicyFlag(cmd)
	return cmd
}

func newBestfitCmd() *cobra.Command {
	var rounds int
	cmd := &cobra.Command{
		Use:   "bestfit",
		Short: "allocate and free a mix of large sizes; with --direct-mapped=false they exercise Page Heap best-fit and coalescing",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newArenaFromFlags(cmd)
			rng := rand.New(rand.NewSource(1))
			printStats("before", a.Stats())
			var live []unsafe.Pointer
			for i := 0; i < rounds; i++ {
				size := 8*1024 + rng.Intn(512*1024)
				p, err := a.Allocate(size)
				if err != nil {
					return err
				}
				live = append(live, p)
				if len(live) > 32 {
					a.Free(live[0])
					live = live[1:]
				}
			}
			for _, p := range live {
				a.Free(p)
			}
			a.ReclaimCentralSpans()
			released := a.ReleasePages(1)
			printStats("after", a.Stats())
			fmt.Printf("released %d pages\n", released)
			return nil
		},
	}
	cmd.Flags().IntVar(&rounds, "rounds", 2000, "number of alloc/free rounds")
	addLargePolicyFlag(cmd)
	return cmd
}

func newChurnCmd() *cobra.Command {
	var iterations int
	cmd := &cobra.Command{
		Use:   "churn",
		Short: "repeatedly allocate, grow via realloc, and free small objects on one goroutine",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newArenaFromFlags(cmd)
			defer a.TeardownCurrentThread()
			printStats("before", a.Stats())
			for i := 0; i < iterations; i++ {
				p, err := a.Allocate(32)
				if err != nil {
					return err
				}
				p, err = a.Reallocate(p, 256)
				if err != nil {
					return err
				}
				a.Free(p)
			}
			printStats("after", a.Stats())
			return nil
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 100_000, "number of churn iterations")
	addLargePolicyFlag(cmd)
	return cmd
}

func newConcurrentCmd() *cobra.Command {
	var workers, perWorker, maxInFlight int
	cmd := &cobra.Command{
		Use:   "concurrent",
		Short: "fan out workers that allocate/free small and large objects concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newArenaFromFlags(cmd)
			printStats("before", a.Stats())

			if maxInFlight < 1 {
				maxInFlight = workers
			}
			ctx := context.Background()
			sem := semaphore.NewWeighted(int64(maxInFlight))

			var g errgroup.Group
			for w := 0; w < workers; w++ {
				w := w
				g.Go(func() error {
					if err := sem.Acquire(ctx, 1); err != nil {
						return err
					}
					defer sem.Release(1)
					defer a.TeardownCurrentThread()
					rng := rand.New(rand.NewSource(int64(w) + 1))
					var live []unsafe.Pointer
					for i := 0; i < perWorker; i++ {
						size := 16 + rng.Intn(2048)
						p, err := a.Allocate(size)
						if err != nil {
							return err
						}
						live = append(live, p)
						if len(live) > 64 {
							a.Free(live[0])
							live = live[1:]
						}
					}
					for _, p := range live {
						a.Free(p)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			reaped := a.ReapIdleThreadCaches()
			printStats("after", a.Stats())
			fmt.Printf("reaped %d idle thread caches\n", reaped)
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 16, "number of concurrent workers")
	cmd.Flags().IntVar(&perWorker, "per-worker", 5000, "allocations per worker")
	cmd.Flags().IntVar(&maxInFlight, "max-inflight", 8, "maximum number of workers allowed to run at once, bounded by a semaphore (0 means unbounded)")
	addLargePolicyFlag(cmd)
	return cmd
}
