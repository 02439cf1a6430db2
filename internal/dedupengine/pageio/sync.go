package pageio

import (
	"sync"
	"sync/atomic"
)

// SyncMode selects a data file's durability policy (spec.md section 4.3).
type SyncMode int

const (
	// SyncAlways fsyncs every write inline.
	SyncAlways SyncMode = iota
	// SyncLazy coalesces writes; the file is fsynced only when Flush or
	// MaybeFlush runs. No background goroutine calls MaybeFlush.
	SyncLazy
	// SyncUnsafe never fsyncs; data loss on crash is tolerated.
	SyncUnsafe
)

// ParseSyncMode maps a config.HashIndex.Sync string onto a SyncMode:
// "true" or "sync" selects SyncAlways, "unsafe" selects SyncUnsafe, and any
// other value ("false", "lazy_sync", ...) selects SyncLazy.
func ParseSyncMode(s string) SyncMode {
	switch s {
	case "true", "sync":
		return SyncAlways
	case "unsafe":
		return SyncUnsafe
	default:
		return SyncLazy
	}
}

type lazyState int32

const (
	stateClean lazyState = iota
	stateDirty
	stateInSync
)

// SyncCoordinator implements the lazy_sync per-file state machine described
// in spec.md section 4.3: CLEAN -> DIRTY on a write, DIRTY -> IN_SYNC (via
// CAS) while MaybeFlush fsyncs, then back to CLEAN. Concurrent
// writers take the read side of rw so they never block each other; a flush
// takes the write side so it never races a write.
type SyncCoordinator struct {
	rw    sync.RWMutex
	state int32
	mode  SyncMode
	file  *File
}

// NewSyncCoordinator wraps file under the given sync policy.
func NewSyncCoordinator(file *File, mode SyncMode) *SyncCoordinator {
	return &SyncCoordinator{mode: mode, file: file, state: int32(stateClean)}
}

// BeginWrite must be held for the duration of a page write under this
// coordinator's policy.
func (s *SyncCoordinator) BeginWrite() {
	s.rw.RLock()
}

// EndWrite releases BeginWrite and, for SyncAlways, fsyncs inline; for
// SyncLazy it just marks the file dirty for a later MaybeFlush or Flush.
func (s *SyncCoordinator) EndWrite() error {
	defer s.rw.RUnlock()
	switch s.mode {
	case SyncAlways:
		return s.file.Fsync()
	case SyncLazy:
		atomic.StoreInt32(&s.state, int32(stateDirty))
		return nil
	default: // SyncUnsafe
		return nil
	}
}

// MaybeFlush fsyncs the file if it is dirty under SyncLazy. It is a no-op
// outside SyncLazy mode or when the file isn't dirty. Nothing in this
// module calls it; lazily synced files are fsynced by Flush.
func (s *SyncCoordinator) MaybeFlush() error {
	if s.mode != SyncLazy {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&s.state, int32(stateDirty), int32(stateInSync)) {
		return nil
	}
	s.rw.Lock()
	defer s.rw.Unlock()
	err := s.file.Fsync()
	atomic.StoreInt32(&s.state, int32(stateClean))
	return err
}

// Flush forces a synchronous flush regardless of mode; used on shutdown.
func (s *SyncCoordinator) Flush() error {
	if s.mode == SyncUnsafe {
		return nil
	}
	s.rw.Lock()
	defer s.rw.Unlock()
	err := s.file.Fsync()
	atomic.StoreInt32(&s.state, int32(stateClean))
	return err
}
