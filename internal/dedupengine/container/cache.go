package container

import "sync"

// writeCache buffers the currently-open containers that are still
// accepting appends before they are sealed and flushed to a physical slot.
// Two placement strategies are supported (spec.md section 4.4
// container-store.write-cache.strategy): round-robin always advances to
// the next open slot regardless of fill level, while earliest-free takes
// the first slot that holds no open container and, once every slot holds
// one, the container that has been open longest.
type writeCache struct {
	mu       sync.Mutex
	strategy string
	slots    []*openContainer
	rr       int
	seq      int64
}

type openContainer struct {
	c        *Container
	openedAt int64 // monotonically increasing sequence, not wall clock
}

func newWriteCache(strategy string, count int) *writeCache {
	wc := &writeCache{strategy: strategy}
	for i := 0; i < count; i++ {
		wc.slots = append(wc.slots, nil)
	}
	return wc
}

// pick selects an open container slot index to receive the next item,
// opening a fresh one (via newFn) if none is open in that slot index yet.
func (wc *writeCache) pick(newFn func() *Container) (int, *Container) {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	switch wc.strategy {
	case "earliest-free":
		best := -1
		for i, oc := range wc.slots {
			if oc == nil {
				best = i
				break
			}
			if best == -1 || oc.openedAt < wc.slots[best].openedAt {
				best = i
			}
		}
		if wc.slots[best] == nil {
			wc.slots[best] = &openContainer{c: newFn(), openedAt: wc.nextSeqLocked()}
		}
		return best, wc.slots[best].c
	default: // round-robin
		i := wc.rr
		wc.rr = (wc.rr + 1) % len(wc.slots)
		if wc.slots[i] == nil {
			wc.slots[i] = &openContainer{c: newFn(), openedAt: wc.nextSeqLocked()}
		}
		return i, wc.slots[i].c
	}
}

func (wc *writeCache) nextSeqLocked() int64 {
	wc.seq++
	return wc.seq
}

// seal removes the container at slotIdx from the open set (it has been
// flushed to a physical slot) so a subsequent pick opens a fresh one.
func (wc *writeCache) seal(slotIdx int) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.slots[slotIdx] = nil
}

// readCache is a clock-evicted cache of decoded containers keyed by
// logical container ID, serving repeat reads (e.g. GC re-scanning
// candidates) without re-reading and re-decompressing from disk.
type readCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]*readCacheEntry
	order    []uint64
	hand     int
}

type readCacheEntry struct {
	c    *Container
	used bool
}

func newReadCache(capacity int) *readCache {
	return &readCache{capacity: capacity, entries: make(map[uint64]*readCacheEntry)}
}

func (rc *readCache) get(containerID uint64) (*Container, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	e, ok := rc.entries[containerID]
	if !ok {
		return nil, false
	}
	e.used = true
	return e.c, true
}

func (rc *readCache) put(containerID uint64, c *Container) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.capacity <= 0 {
		return
	}
	if _, ok := rc.entries[containerID]; ok {
		rc.entries[containerID] = &readCacheEntry{c: c, used: true}
		return
	}
	if len(rc.entries) >= rc.capacity {
		rc.evictLocked()
	}
	rc.entries[containerID] = &readCacheEntry{c: c, used: true}
	rc.order = append(rc.order, containerID)
}

func (rc *readCache) evictLocked() {
	if len(rc.order) == 0 {
		return
	}
	maxSteps := 2*len(rc.order) + 1
	for step := 0; step < maxSteps; step++ {
		if rc.hand >= len(rc.order) {
			rc.hand = 0
		}
		id := rc.order[rc.hand]
		e, ok := rc.entries[id]
		if !ok {
			rc.order = append(rc.order[:rc.hand], rc.order[rc.hand+1:]...)
			continue
		}
		if e.used {
			e.used = false
			rc.hand++
			continue
		}
		delete(rc.entries, id)
		rc.order = append(rc.order[:rc.hand], rc.order[rc.hand+1:]...)
		return
	}
}

func (rc *readCache) invalidate(containerID uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.entries, containerID)
}
