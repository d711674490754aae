package tcache

import "sync"

// Registry maps goroutine identity to its Thread Cache: "lazily
// created on first allocation by a thread; torn down when the thread
// exits" (spec §3), approximated for Go's goroutine model by ReapIdle.
type Registry struct {
	mu    sync.RWMutex
	byGID map[int64]*Cache
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byGID: make(map[int64]*Cache)}
}

// Current returns the calling goroutine's cache, creating it on first
// use.
func (r *Registry) Current() *Cache {
	gid := CurrentGoroutineID()
	r.mu.RLock()
	c, ok := r.byGID[gid]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.byGID[gid]; ok {
		return c
	}
	c = &Cache{gid: gid}
	r.byGID[gid] = c
	return c
}

// Forget removes and returns the calling goroutine's cache, for
// explicit teardown by a caller that knows it is about to exit.
func (r *Registry) Forget() (*Cache, bool) {
	gid := CurrentGoroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byGID[gid]
	if ok {
		delete(r.byGID, gid)
	}
	return c, ok
}

// ReapIdle drains (via drain) and removes every registered cache whose
// owning goroutine is no longer running. It is safe to call
// concurrently with live goroutines allocating/freeing: a cache is
// only ever touched here once LiveGoroutineIDs proves its owner has
// exited, so there is nothing left to race with the lock-free fast
// path on that cache. Returns the number of caches reaped.
func (r *Registry) ReapIdle(drain func(*Cache)) int {
	live := LiveGoroutineIDs()

	r.mu.Lock()
	var dead []int64
	for gid := range r.byGID {
		if !live[gid] {
			dead = append(dead, gid)
		}
	}
	caches := make([]*Cache, 0, len(dead))
	for _, gid := range dead {
		caches = append(caches, r.byGID[gid])
		delete(r.byGID, gid)
	}
	r.mu.Unlock()

	for _, c := range caches {
		drain(c)
	}
	return len(caches)
}

// Len reports the number of currently registered caches (diagnostic).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byGID)
}
