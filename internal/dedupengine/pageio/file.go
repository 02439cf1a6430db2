// Package pageio implements layer L0: positional read/write of fixed-size
// pages against one or more backing files, following the direct
// WriteAt/ReadAt style of the teacher's storage/store/ibd.IBD_File, plus
// fsync, fallocate and truncate (spec.md section 4.1).
package pageio

import (
	"os"
	"sync"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"

	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
)

// File is a single backing data file opened for page-aligned positional I/O.
// Any I/O error is fatal to the in-progress operation (spec.md section 4.1);
// File does not retry, it reports upward.
type File struct {
	mu       sync.RWMutex
	path     string
	f        *os.File
	pageSize int
}

// Open opens (creating if necessary) the backing file at path.
func Open(path string, pageSize int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errkind.New(errkind.TransientIO, errors.Annotatef(err, "opening data file %s", path))
	}
	return &File{path: path, f: f, pageSize: pageSize}, nil
}

// Path returns the backing file's path.
func (f *File) Path() string { return f.path }

// PReadPage reads exactly one page at pageIndex into buf (len(buf)==pageSize).
func (f *File) PReadPage(pageIndex int64, buf []byte) error {
	if len(buf) != f.pageSize {
		return errkind.Newf(errkind.ContractViolation, "PReadPage: buffer size %d != page size %d", len(buf), f.pageSize)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	off := pageIndex * int64(f.pageSize)
	n, err := f.f.ReadAt(buf, off)
	if err != nil {
		return errkind.New(errkind.TransientIO, errors.Annotatef(err, "pread %s @%d", f.path, off))
	}
	if n != f.pageSize {
		return errkind.Newf(errkind.TransientIO, "short pread %s @%d: %d/%d bytes", f.path, off, n, f.pageSize)
	}
	return nil
}

// PWritePage writes exactly one full page at pageIndex. Page writes never
// read-modify-write; callers supply the complete new page image.
func (f *File) PWritePage(pageIndex int64, buf []byte) error {
	if len(buf) != f.pageSize {
		return errkind.Newf(errkind.ContractViolation, "PWritePage: buffer size %d != page size %d", len(buf), f.pageSize)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	off := pageIndex * int64(f.pageSize)
	n, err := f.f.WriteAt(buf, off)
	if err != nil {
		return errkind.New(errkind.TransientIO, errors.Annotatef(err, "pwrite %s @%d", f.path, off))
	}
	if n != f.pageSize {
		return errkind.Newf(errkind.TransientIO, "short pwrite %s @%d: %d/%d bytes", f.path, off, n, f.pageSize)
	}
	return nil
}

// PRead reads an arbitrary byte range, used by the hash index's transaction
// area whose slots are not page-sized.
func (f *File) PRead(off int64, buf []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, err := f.f.ReadAt(buf, off)
	if err != nil {
		return errkind.New(errkind.TransientIO, errors.Annotatef(err, "pread %s @%d", f.path, off))
	}
	if n != len(buf) {
		return errkind.Newf(errkind.TransientIO, "short pread %s @%d: %d/%d bytes", f.path, off, n, len(buf))
	}
	return nil
}

// PWrite writes an arbitrary byte range.
func (f *File) PWrite(off int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.f.WriteAt(buf, off)
	if err != nil {
		return errkind.New(errkind.TransientIO, errors.Annotatef(err, "pwrite %s @%d", f.path, off))
	}
	if n != len(buf) {
		return errkind.Newf(errkind.TransientIO, "short pwrite %s @%d: %d/%d bytes", f.path, off, n, len(buf))
	}
	return nil
}

// Fsync flushes the file's in-kernel buffers to stable storage.
func (f *File) Fsync() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.f.Sync(); err != nil {
		return errkind.New(errkind.TransientIO, errors.Annotatef(err, "fsync %s", f.path))
	}
	return nil
}

// Fallocate pre-allocates len bytes starting at offset so that subsequent
// page writes never hit ENOSPC mid-write.
func (f *File) Fallocate(offset, length int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := unix.Fallocate(int(f.f.Fd()), 0, offset, length); err != nil {
		return errkind.New(errkind.TransientIO, errors.Annotatef(err, "fallocate %s @%d+%d", f.path, offset, length))
	}
	return nil
}

// Truncate resizes the backing file to exactly size bytes.
func (f *File) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.f.Truncate(size); err != nil {
		return errkind.New(errkind.TransientIO, errors.Annotatef(err, "truncate %s to %d", f.path, size))
	}
	return nil
}

// Size returns the current file size in bytes.
func (f *File) Size() (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fi, err := f.f.Stat()
	if err != nil {
		return 0, errkind.New(errkind.TransientIO, errors.Annotatef(err, "stat %s", f.path))
	}
	return fi.Size(), nil
}

// Close closes the backing file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.f.Close(); err != nil {
		return errkind.New(errkind.TransientIO, errors.Annotatef(err, "close %s", f.path))
	}
	return nil
}
