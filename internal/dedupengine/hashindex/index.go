package hashindex

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/juju/errors"

	"github.com/dedupv1/dedupengine/internal/dedupengine/config"
	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
	"github.com/dedupv1/dedupengine/internal/dedupengine/pageio"
)

const stripeCount = 64

// Index is a single open-addressing disk hash index instance: one logical
// table of buckets, each bucket a fixed-size page, backed by one or more
// data files, a transaction (side-log) area for crash consistency, an
// optional overflow area, and a write-back page cache. One Index backs
// exactly one of: the chunk index, the block index, the container metadata
// index, or the GC candidate index (spec.md section 4.3).
type Index struct {
	cfg         config.HashIndex
	pageSize    int
	bucketCount uint64

	files []*pageio.File // round-robin across cfg.Filename
	sync  []*pageio.SyncCoordinator
	txn   *txnArea
	ofl   *overflowArea // nil if cfg.OverflowArea is false

	cache *pageCache

	stripes [stripeCount]sync.RWMutex

	itemCount      int64
	dirtyItemCount int64
	version        uint64 // bumped on every structural mutation, for Iterate
}

// Open opens or creates an Index rooted at dir, using cfg for sizing and
// policy. name is used to derive default filenames when cfg.Filename is
// empty (e.g. "chunk-index", "block-index").
func Open(dir, name string, cfg config.HashIndex) (*Index, error) {
	if cfg.PageSize <= 0 {
		return nil, errkind.Newf(errkind.Configuration, "%s: page-size must be positive", name)
	}
	bucketCount := uint64(cfg.Size) / uint64(cfg.PageSize)
	if bucketCount == 0 {
		bucketCount = 1
	}

	filenames := cfg.Filename
	if len(filenames) == 0 {
		filenames = []string{name + ".idx"}
	}

	idx := &Index{
		cfg:         cfg,
		pageSize:    cfg.PageSize,
		bucketCount: bucketCount,
	}

	mode := pageio.ParseSyncMode(cfg.Sync)
	for _, fn := range filenames {
		f, err := pageio.Open(filepath.Join(dir, fn), cfg.PageSize)
		if err != nil {
			return nil, err
		}
		if err := f.Fallocate(0, int64(bucketCount)*int64(cfg.PageSize)/int64(len(filenames))); err != nil {
			// Fallocate is an optimization; some filesystems (or tests on
			// tmpfs) may not support it cleanly for every offset/length
			// combination, so a failure here is not fatal to Open.
			_ = err
		}
		idx.files = append(idx.files, f)
		idx.sync = append(idx.sync, pageio.NewSyncCoordinator(f, mode))
	}

	txn, err := openTxnArea(filepath.Join(dir, name+".txn"), cfg.PageSize)
	if err != nil {
		return nil, err
	}
	if err := txn.ensureCapacity(bucketCount); err != nil {
		return nil, err
	}
	idx.txn = txn

	if err := idx.recoverTxns(); err != nil {
		return nil, err
	}

	if cfg.OverflowArea {
		ofl, err := openOverflowArea(filepath.Join(dir, name+".overflow"))
		if err != nil {
			return nil, err
		}
		idx.ofl = ofl
	}

	cacheMode := ModeDefault
	if !cfg.WriteCache {
		cacheMode = ModeBypass
	}
	idx.cache = newPageCache(cacheMode, cfg.WriteCacheMaxPageCount)

	count, err := idx.countResidentItems()
	if err != nil {
		return nil, err
	}
	idx.itemCount = count

	return idx, nil
}

func (ix *Index) recoverTxns() error {
	return ix.txn.recover(ix.bucketCount, func(bucketID uint64, newImage []byte) error {
		return ix.fileFor(bucketID).PWritePage(ix.localPageIndex(bucketID), newImage)
	})
}

func (ix *Index) fileFor(bucketID uint64) *pageio.File {
	return ix.files[bucketID%uint64(len(ix.files))]
}

func (ix *Index) syncFor(bucketID uint64) *pageio.SyncCoordinator {
	return ix.sync[bucketID%uint64(len(ix.sync))]
}

func (ix *Index) localPageIndex(bucketID uint64) int64 {
	return int64(bucketID / uint64(len(ix.files)))
}

func (ix *Index) stripeFor(bucketID uint64) *sync.RWMutex {
	return &ix.stripes[bucketID%stripeCount]
}

func (ix *Index) hashKey(key []byte) uint64 {
	return xxhash.Checksum64(key)
}

func (ix *Index) bucketFor(key []byte) uint64 {
	return ix.hashKey(key) % ix.bucketCount
}

func (ix *Index) countResidentItems() (int64, error) {
	var total int64
	for b := uint64(0); b < ix.bucketCount; b++ {
		entries, _, err := ix.readBucket(b)
		if err != nil {
			return 0, err
		}
		total += int64(len(entries))
	}
	if ix.ofl != nil {
		total += int64(ix.ofl.count())
	}
	return total, nil
}

func (ix *Index) readBucket(bucketID uint64) ([]entry, bool, error) {
	if data, ok := ix.cache.get(bucketID); ok {
		return decodeEntries(data, ix.cfg.Checksum)
	}
	buf := make([]byte, ix.pageSize)
	if err := ix.fileFor(bucketID).PReadPage(ix.localPageIndex(bucketID), buf); err != nil {
		return nil, false, err
	}
	ix.cache.put(bucketID, buf, false)
	return decodeEntries(buf, ix.cfg.Checksum)
}

// writeBucket persists a bucket's entries via the transaction area: the old
// and new page images are written to the side log and fsynced, the new
// image is then written in place, and finally the side-log slot is cleared.
// This guarantees recovery always lands on the new image (spec.md's "always
// redo" policy), never a torn mix of old and new.
func (ix *Index) writeBucket(bucketID uint64, entries []entry) ([]entry, error) {
	newBuf, fit, overflowEntries := encodeEntries(ix.pageSize, entries, ix.cfg.Checksum)

	oldBuf := make([]byte, ix.pageSize)
	if data, ok := ix.cache.get(bucketID); ok {
		copy(oldBuf, data)
	} else if err := ix.fileFor(bucketID).PReadPage(ix.localPageIndex(bucketID), oldBuf); err != nil {
		return nil, err
	}

	if err := ix.txn.begin(bucketID, oldBuf, newBuf); err != nil {
		return nil, err
	}
	if err := ix.txn.file.Fsync(); err != nil {
		return nil, err
	}

	sc := ix.syncFor(bucketID)
	sc.BeginWrite()
	writeErr := ix.fileFor(bucketID).PWritePage(ix.localPageIndex(bucketID), newBuf)
	endErr := sc.EndWrite()
	if writeErr != nil {
		return nil, writeErr
	}
	if endErr != nil {
		return nil, endErr
	}

	if err := ix.txn.commit(bucketID); err != nil {
		return nil, err
	}

	ix.cache.put(bucketID, newBuf, false)
	_ = fit
	atomic.AddUint64(&ix.version, 1)
	return overflowEntries, nil
}

// Lookup returns the value stored for key, checking the primary bucket
// first and then, if present, the overflow area.
func (ix *Index) Lookup(key []byte) ([]byte, bool, error) {
	bucketID := ix.bucketFor(key)
	mu := ix.stripeFor(bucketID)
	mu.RLock()
	defer mu.RUnlock()

	entries, overflow, err := ix.readBucket(bucketID)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if string(e.key) == string(key) {
			return e.value, true, nil
		}
	}
	if overflow && ix.ofl != nil {
		if v, ok := ix.ofl.lookup(key); ok {
			return v, true, nil
		}
	}
	return nil, false, nil
}

// Put inserts or replaces key's value.
func (ix *Index) Put(key, value []byte) error {
	bucketID := ix.bucketFor(key)
	mu := ix.stripeFor(bucketID)
	mu.Lock()
	defer mu.Unlock()

	entries, _, err := ix.readBucket(bucketID)
	if err != nil {
		return err
	}
	return ix.insertLocked(bucketID, entries, key, value)
}

// PutIfAbsent inserts key's value only if not already present, returning
// inserted=false without error if key already exists.
func (ix *Index) PutIfAbsent(key, value []byte) (inserted bool, err error) {
	bucketID := ix.bucketFor(key)
	mu := ix.stripeFor(bucketID)
	mu.Lock()
	defer mu.Unlock()

	entries, overflow, err := ix.readBucket(bucketID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if string(e.key) == string(key) {
			return false, nil
		}
	}
	if overflow && ix.ofl != nil {
		if _, ok := ix.ofl.lookup(key); ok {
			return false, nil
		}
	}
	if err := ix.insertLocked(bucketID, entries, key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (ix *Index) insertLocked(bucketID uint64, entries []entry, key, value []byte) error {
	replaced := false
	for i, e := range entries {
		if string(e.key) == string(key) {
			entries[i].value = value
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry{key: key, value: value})
	}

	overflowEntries, err := ix.writeBucket(bucketID, entries)
	if err != nil {
		return err
	}
	if len(overflowEntries) > 0 {
		if ix.ofl == nil {
			return errkind.Newf(errkind.Exhaustion, "bucket %d full and overflow area disabled", bucketID)
		}
		for _, oe := range overflowEntries {
			if err := ix.ofl.put(oe.key, oe.value); err != nil {
				return err
			}
		}
	}
	if !replaced {
		atomic.AddInt64(&ix.itemCount, 1)
	}
	atomic.AddInt64(&ix.dirtyItemCount, 1)
	return nil
}

// Delete removes key, if present, from the primary bucket or overflow area.
func (ix *Index) Delete(key []byte) error {
	bucketID := ix.bucketFor(key)
	mu := ix.stripeFor(bucketID)
	mu.Lock()
	defer mu.Unlock()

	entries, overflow, err := ix.readBucket(bucketID)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if string(e.key) == string(key) {
			entries = append(entries[:i], entries[i+1:]...)
			if _, err := ix.writeBucket(bucketID, entries); err != nil {
				return err
			}
			atomic.AddInt64(&ix.itemCount, -1)
			atomic.AddInt64(&ix.dirtyItemCount, 1)
			return nil
		}
	}
	if overflow && ix.ofl != nil {
		if _, ok := ix.ofl.lookup(key); ok {
			if err := ix.ofl.delete(key); err != nil {
				return err
			}
			atomic.AddInt64(&ix.itemCount, -1)
			atomic.AddInt64(&ix.dirtyItemCount, 1)
		}
	}
	return nil
}

// Iterate walks every (key, value) pair in the index. The version counter
// observed at the start is compared after completion; an
// errkind.ContractViolation error is returned if the index was mutated
// mid-iteration, mirroring the
// teacher's fail-fast iterator semantics rather than silently skipping or
// duplicating entries.
func (ix *Index) Iterate(fn func(key, value []byte) error) error {
	startVersion := atomic.LoadUint64(&ix.version)
	for b := uint64(0); b < ix.bucketCount; b++ {
		mu := ix.stripeFor(b)
		mu.RLock()
		entries, _, err := ix.readBucket(b)
		mu.RUnlock()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := fn(e.key, e.value); err != nil {
				return err
			}
		}
	}
	if ix.ofl != nil {
		if err := ix.ofl.iterate(fn); err != nil {
			return err
		}
	}
	if atomic.LoadUint64(&ix.version) != startVersion {
		return errkind.Newf(errkind.ContractViolation, "index modified during iteration")
	}
	return nil
}

// ChangePinState pins or unpins the bucket holding key, preventing its
// eviction from the write-back cache while pinned. Used while a
// fingerprint's backing container is uncommitted (spec.md section 4.3).
func (ix *Index) ChangePinState(key []byte, pinned bool) {
	bucketID := ix.bucketFor(key)
	if pinned {
		ix.cache.pin(bucketID)
	} else {
		ix.cache.unpin(bucketID)
	}
}

// EnsurePersistent flushes every dirty cached page and fsyncs all backing
// files, used before shutdown and before certain commit-path barriers.
func (ix *Index) EnsurePersistent() error {
	for _, p := range ix.cache.dirtyPages() {
		if err := ix.fileFor(p.bucketID).PWritePage(ix.localPageIndex(p.bucketID), p.data); err != nil {
			return err
		}
		ix.cache.clearDirty(p.bucketID)
	}
	for _, sc := range ix.sync {
		if err := sc.Flush(); err != nil {
			return err
		}
	}
	atomic.StoreInt64(&ix.dirtyItemCount, 0)
	return nil
}

// ItemCount returns the number of resident (key, value) pairs.
func (ix *Index) ItemCount() int64 { return atomic.LoadInt64(&ix.itemCount) }

// DirtyItemCount returns the number of puts/deletes since the last
// EnsurePersistent.
func (ix *Index) DirtyItemCount() int64 { return atomic.LoadInt64(&ix.dirtyItemCount) }

// TotalItemCount is an alias of ItemCount kept for parity with spec.md's
// info.item-count naming in its four indices.
func (ix *Index) TotalItemCount() int64 { return ix.ItemCount() }

// EstimatedMaxItemCount estimates capacity from bucket count, page size,
// and the configured max fill ratio.
func (ix *Index) EstimatedMaxItemCount() int64 {
	avgEntrySize := int64(pageHeaderSize + 8 + ix.cfg.MaxKeySize + ix.cfg.MaxValueSize)
	if avgEntrySize <= 0 {
		avgEntrySize = 1
	}
	perBucket := int64(float64(ix.pageSize) * ix.cfg.EstimatedMaxFillRatio / float64(avgEntrySize))
	if perBucket < 1 {
		perBucket = 1
	}
	return perBucket * int64(ix.bucketCount)
}

// Close flushes and closes every backing file.
func (ix *Index) Close() error {
	if err := ix.EnsurePersistent(); err != nil {
		return errors.Annotate(err, "flushing index before close")
	}
	for _, f := range ix.files {
		if err := f.Close(); err != nil {
			return err
		}
	}
	if err := ix.txn.close(); err != nil {
		return err
	}
	if ix.ofl != nil {
		return ix.ofl.close()
	}
	return nil
}
