package dmalloc

import (
	"runtime"

	"go.uber.org/zap"

	"github.com/DengY11/dmalloc/internal/pageheap"
)

// LargePolicy selects how an Arena services an allocation above the
// small/large boundary (spec §4.6, which requires a single fixed
// choice per object but leaves the choice itself to the implementation).
type LargePolicy int

const (
	// LargeDirectMapped maps each large object in its own anonymous
	// mmap region, bypassing the Page Heap entirely. This is the policy
	// dmalloc.c's dmalloc/dfree/drealloc actually implement.
	LargeDirectMapped LargePolicy = iota
	// LargePageHeapBacked services large objects as single Page Heap
	// spans, so they participate in best-fit reuse and coalescing like
	// any other span.
	LargePageHeapBacked
)

// DefaultScavengePeriod is the ScavengePeriod that DefaultConfig sets:
// the number of Free calls between periodic soft-reclaim sweeps (spec
// §9's "rarely triggered" framing).
const DefaultScavengePeriod = 1 << 20

// ArenaConfig configures a *Arena at construction. The zero value is
// usable (each field documents its zero meaning) but differs from
// DefaultConfig: one shard and no automatic scavenge sweep.
type ArenaConfig struct {
	// PageSize overrides the OS page size query. Zero means "ask the OS".
	PageSize uintptr
	// GrowPages is the Page Heap's G (spec §4.1): pages mapped per OS
	// grow call. Zero means pageheap.DefaultGrowPages.
	GrowPages int
	// Shards is the Central Reservoir's S (spec §4.3): free-stack shards
	// per size class. Zero means 1.
	Shards int
	// LargePolicy selects how large allocations are serviced.
	LargePolicy LargePolicy
	// ScavengePeriod is the number of Free calls between automatic
	// MadviseIdleSpans sweeps. Zero disables the automatic sweep;
	// callers may still invoke Arena.Scavenge directly.
	ScavengePeriod uint64
	// Logger receives lifecycle and recoverable-failure events. Nil
	// means the process-wide logger installed via SetLogger (itself
	// defaulting to a no-op logger).
	Logger *zap.Logger
}

// DefaultConfig returns the configuration used by the package-level
// default arena: GOMAXPROCS shards, direct-mapped large objects
// (matching the original implementation this module generalizes), and
// a scavenge period of DefaultScavengePeriod.
func DefaultConfig() ArenaConfig {
	return ArenaConfig{
		GrowPages:      pageheap.DefaultGrowPages,
		Shards:         runtime.GOMAXPROCS(0),
		LargePolicy:    LargeDirectMapped,
		ScavengePeriod: DefaultScavengePeriod,
	}
}

func (c ArenaConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return processLogger
}
