package container

import (
	"os"
	"sync"

	"github.com/juju/errors"

	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
)

// bitmapAllocator tracks which physical slab slots in the container file
// are occupied, persisted as a flat bitmap file (1 bit per slot). A small
// number of slots at the high end of the address space are held back as a
// merge reserve: the greedy GC needs at least one free slot to write a
// merged container into before it can release the slots it consolidated,
// so the allocator refuses to hand the reserve out to ordinary appends.
type bitmapAllocator struct {
	mu           sync.Mutex
	f            *os.File
	bits         []byte
	slotCount    int
	mergeReserve int
	nextHint     int
}

func openBitmapAllocator(path string, slotCount, mergeReserve int) (*bitmapAllocator, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errkind.New(errkind.TransientIO, errors.Annotatef(err, "open bitmap %s", path))
	}
	byteLen := (slotCount + 7) / 8
	buf := make([]byte, byteLen)
	_, _ = f.ReadAt(buf, 0) // a fresh or short file just leaves buf all-zero (all slots free)
	if err := f.Truncate(int64(byteLen)); err != nil {
		return nil, errkind.New(errkind.TransientIO, errors.Annotatef(err, "truncate bitmap %s", path))
	}
	return &bitmapAllocator{
		f:            f,
		bits:         buf,
		slotCount:    slotCount,
		mergeReserve: mergeReserve,
	}, nil
}

func (b *bitmapAllocator) isSet(slot int) bool {
	return b.bits[slot/8]&(1<<uint(slot%8)) != 0
}

func (b *bitmapAllocator) setBit(slot int, v bool) {
	if v {
		b.bits[slot/8] |= 1 << uint(slot%8)
	} else {
		b.bits[slot/8] &^= 1 << uint(slot%8)
	}
}

// AllocateAppend finds a free slot outside the merge reserve, for ordinary
// container appends. It returns errkind.Exhaustion if the store is full.
func (b *bitmapAllocator) AllocateAppend() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := b.slotCount - b.mergeReserve
	for i := 0; i < limit; i++ {
		slot := (b.nextHint + i) % limit
		if !b.isSet(slot) {
			b.setBit(slot, true)
			b.nextHint = (slot + 1) % limit
			if err := b.persistLocked(); err != nil {
				return 0, err
			}
			return slot, nil
		}
	}
	return 0, errkind.Newf(errkind.Exhaustion, "container store full: no free slot outside merge reserve")
}

// AllocateMerge finds a free slot, preferring the merge reserve, for the
// GC's merged-container writes. It falls back to the general pool if the
// reserve itself is exhausted.
func (b *bitmapAllocator) AllocateMerge() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for slot := b.slotCount - b.mergeReserve; slot < b.slotCount; slot++ {
		if !b.isSet(slot) {
			b.setBit(slot, true)
			if err := b.persistLocked(); err != nil {
				return 0, err
			}
			return slot, nil
		}
	}
	for slot := 0; slot < b.slotCount-b.mergeReserve; slot++ {
		if !b.isSet(slot) {
			b.setBit(slot, true)
			if err := b.persistLocked(); err != nil {
				return 0, err
			}
			return slot, nil
		}
	}
	return 0, errkind.Newf(errkind.Exhaustion, "container store full: no free slot for merge")
}

// Free marks slot free again, after a container has been merged away or
// its contents fully superseded.
func (b *bitmapAllocator) Free(slot int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setBit(slot, false)
	return b.persistLocked()
}

// MarkUsed marks slot occupied without allocating it via the free-slot
// search, used when replaying existing container metadata at open.
func (b *bitmapAllocator) MarkUsed(slot int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setBit(slot, true)
	return b.persistLocked()
}

func (b *bitmapAllocator) persistLocked() error {
	if _, err := b.f.WriteAt(b.bits, 0); err != nil {
		return errkind.New(errkind.TransientIO, errors.Annotate(err, "persist bitmap"))
	}
	return b.f.Sync()
}

func (b *bitmapAllocator) UsedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for i := 0; i < b.slotCount; i++ {
		if b.isSet(i) {
			n++
		}
	}
	return n
}

func (b *bitmapAllocator) Close() error {
	return b.f.Close()
}
