package container

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dedupv1/dedupengine/internal/dedupengine/config"
	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
	"github.com/dedupv1/dedupengine/internal/dedupengine/pageio"
)

// mergeReserveSlots is the fixed number of physical slots held back for the
// GC's merge writes, per spec.md's note that merging needs spare room to
// write a consolidated container before releasing the ones it replaces.
const mergeReserveSlots = 4

// Store is the L2 container store: fixed-size slabs on one backing file,
// with write/read caches, a persistent bitmap allocator, and a metadata
// indirection layer mapping stable logical container IDs to slots.
type Store struct {
	mu sync.Mutex

	file        *pageio.File
	slabSize    int
	slotCount   int
	bitmap      *bitmapAllocator
	meta        *metaIndex
	writeCache  *writeCache
	readCache   *readCache
	codec       Codec
	nextLogicalID uint64
}

// Open opens or creates a container store under dir sized per cfg.
func Open(dir string, cfg config.Container, metaCfg config.HashIndex) (*Store, error) {
	if cfg.ContainerSize <= 0 {
		return nil, errkind.Newf(errkind.Configuration, "container-store.container-size must be positive")
	}
	slotCount := 1
	if cfg.FileSize > 0 {
		slotCount = int(cfg.FileSize / int64(cfg.ContainerSize))
	}
	if slotCount <= mergeReserveSlots {
		slotCount = mergeReserveSlots + 1
	}

	filename := "container.data"
	if len(cfg.Filename) > 0 {
		filename = cfg.Filename[0]
	}
	f, err := pageio.Open(filepath.Join(dir, filename), cfg.ContainerSize)
	if err != nil {
		return nil, err
	}
	if err := f.Fallocate(0, int64(slotCount)*int64(cfg.ContainerSize)); err != nil {
		_ = err // best-effort pre-allocation
	}

	bitmap, err := openBitmapAllocator(filepath.Join(dir, "container.bitmap"), slotCount, mergeReserveSlots)
	if err != nil {
		return nil, err
	}

	meta, err := openMetaIndex(dir, metaCfg)
	if err != nil {
		return nil, err
	}

	codec, err := NewCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	writeCacheCount := cfg.WriteContainerCount
	if writeCacheCount <= 0 {
		writeCacheCount = 1
	}

	s := &Store{
		file:       f,
		slabSize:   cfg.ContainerSize,
		slotCount:  slotCount,
		bitmap:     bitmap,
		meta:       meta,
		writeCache: newWriteCache(cfg.WriteCacheStrategy, writeCacheCount),
		readCache:  newReadCache(cfg.ReadCacheSize),
		codec:      codec,
	}

	maxID, err := s.scanMaxLogicalID()
	if err != nil {
		return nil, err
	}
	s.nextLogicalID = maxID + 1

	return s, nil
}

func (s *Store) scanMaxLogicalID() (uint64, error) {
	var maxID uint64
	err := s.meta.Iterate(func(containerID uint64, slot int) error {
		if containerID > maxID {
			maxID = containerID
		}
		return nil
	})
	return maxID, err
}

// Put compresses value via the configured codec and appends (key, value)
// to whichever open container the write-cache strategy selects, writing
// that container through to its slot on every append and sealing it once
// it fills. It returns the logical container ID the item landed in.
func (s *Store) Put(key, value []byte) (uint64, error) {
	compressed, err := s.codec.Compress(value)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slotIdx, oc := s.writeCache.pick(func() *Container {
		id := atomic.AddUint64(&s.nextLogicalID, 1) - 1
		return &Container{ContainerID: id}
	})
	oc.Items = append(oc.Items, Item{Key: append([]byte(nil), key...), Value: compressed})

	buf, fit, overflow := Encode(oc, s.slabSize)
	if len(overflow) > 0 {
		// This container is now full; seal it (flush what fits) and start
		// a fresh one carrying the overflow items plus the new one.
		if err := s.flushSealed(oc.ContainerID, buf); err != nil {
			return 0, err
		}
		s.writeCache.seal(slotIdx)
		s.readCache.invalidate(oc.ContainerID)

		freshID := atomic.AddUint64(&s.nextLogicalID, 1) - 1
		fresh := &Container{ContainerID: freshID, Items: overflow}
		freshBuf, freshFit, freshOverflow := Encode(fresh, s.slabSize)
		if len(freshOverflow) > 0 {
			return 0, errkind.Newf(errkind.Exhaustion, "single item too large for an empty container")
		}
		if err := s.flushSealed(freshID, freshBuf); err != nil {
			return 0, err
		}
		_ = freshFit
		return freshID, nil
	}

	_ = fit
	if err := s.flushSealed(oc.ContainerID, buf); err != nil {
		return 0, err
	}
	s.readCache.invalidate(oc.ContainerID)
	return oc.ContainerID, nil
}

func (s *Store) flushSealed(containerID uint64, buf []byte) error {
	slot, ok, err := s.meta.Lookup(containerID)
	if err != nil {
		return err
	}
	if !ok {
		if slot, err = s.bitmap.AllocateAppend(); err != nil {
			return err
		}
	}
	if err := s.file.PWritePage(int64(slot), buf); err != nil {
		return err
	}
	if err := s.file.Fsync(); err != nil {
		return err
	}
	return s.meta.Set(containerID, slot)
}

// Get decompresses and returns the value stored under key within
// containerID.
func (s *Store) Get(containerID uint64, key []byte) ([]byte, bool, error) {
	c, err := s.readContainer(containerID)
	if err != nil {
		return nil, false, err
	}
	if c == nil {
		return nil, false, nil
	}
	for _, it := range c.Items {
		if string(it.Key) == string(key) {
			plain, err := s.codec.Decompress(it.Value)
			if err != nil {
				return nil, false, err
			}
			return plain, true, nil
		}
	}
	return nil, false, nil
}

func (s *Store) readContainer(containerID uint64) (*Container, error) {
	if c, ok := s.readCache.get(containerID); ok {
		return c, nil
	}

	s.mu.Lock()
	slot, ok, err := s.meta.Lookup(containerID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	buf := make([]byte, s.slabSize)
	if err := s.file.PReadPage(int64(slot), buf); err != nil {
		return nil, err
	}
	c, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	s.readCache.put(containerID, c)
	return c, nil
}

// Inspect returns containerID's current decoded contents, for the
// monitor's /container/{id} endpoint; the returned Container is the read
// cache's instance, not a copy. ok is false if containerID is not
// currently tracked (merged away, deleted, or never written).
func (s *Store) Inspect(containerID uint64) (c *Container, ok bool, err error) {
	got, err := s.readContainer(containerID)
	if err != nil {
		return nil, false, err
	}
	if got == nil {
		return nil, false, nil
	}
	return got, true, nil
}

// Delete removes containerID entirely: its slot is freed and its metadata
// indirection entry removed. Used by the merging GC once a container's
// live items have been consolidated elsewhere.
func (s *Store) Delete(containerID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok, err := s.meta.Lookup(containerID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.bitmap.Free(slot); err != nil {
		return err
	}
	s.readCache.invalidate(containerID)
	return s.meta.Delete(containerID)
}

// MergeWrite writes a freshly-consolidated container (produced by the GC)
// into a merge-reserved slot and records its metadata.
func (s *Store) MergeWrite(c *Container) error {
	buf, _, overflow := Encode(c, s.slabSize)
	if len(overflow) > 0 {
		return errkind.Newf(errkind.ContractViolation, "merged container %d exceeds slab size", c.ContainerID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, err := s.bitmap.AllocateMerge()
	if err != nil {
		return err
	}
	if err := s.file.PWritePage(int64(slot), buf); err != nil {
		return err
	}
	if err := s.file.Fsync(); err != nil {
		return err
	}
	return s.meta.Set(c.ContainerID, slot)
}

// Sparsity returns containerID's live-data fraction, used by the GC to
// rank merge candidates.
func (s *Store) Sparsity(containerID uint64) (float64, error) {
	c, err := s.readContainer(containerID)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, errkind.Newf(errkind.NotFound, "container %d not found", containerID)
	}
	return sparsity(c, s.slabSize), nil
}

// AllContainerIDs returns every logical container ID currently tracked by
// the metadata indirection layer.
func (s *Store) AllContainerIDs() ([]uint64, error) {
	var ids []uint64
	err := s.meta.Iterate(func(containerID uint64, slot int) error {
		ids = append(ids, containerID)
		return nil
	})
	return ids, err
}

// UsedSlotCount reports how many physical slots are currently occupied.
func (s *Store) UsedSlotCount() int { return s.bitmap.UsedCount() }

// Close flushes and closes the store's backing resources.
func (s *Store) Close() error {
	if err := s.meta.Close(); err != nil {
		return err
	}
	if err := s.bitmap.Close(); err != nil {
		return err
	}
	return s.file.Close()
}
