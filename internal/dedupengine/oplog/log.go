// Package oplog implements layer L1: the bounded circular operation log
// (spec.md section 4.2). Entries are framed with a size/type/log_id/crc
// envelope (section 6), delivered synchronously to direct consumers at
// commit time, and replayed (dirty, at startup; background, during normal
// operation) to the same consumer set.
package oplog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/errors"

	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
)

// Log is a single-file bounded circular journal. When a commit would not
// fit before the reserved wrap zone (frame.go:wrapZoneSize) at the end of
// the file, a wrapMarker frame is written that extends exactly to the end
// of the file; both the writer and any replay reader treat that frame as
// "skip to offset 0" without needing to predict wraps ahead of time.
type Log struct {
	mu   sync.Mutex
	cond *sync.Cond

	f        *os.File
	infoPath string
	capacity int64

	offset    int64 // next physical write position
	tailOff   int64 // next physical replay position
	used      int64 // logical bytes occupied between tail and head
	nextLogID uint64
	clean     bool

	consumers []Consumer

	closed bool
}

type logInfo struct {
	Offset    int64
	TailOff   int64
	Used      int64
	NextLogID uint64
	Clean     bool
}

// Open opens or creates the log file dir/filename with the given capacity,
// restoring its persisted cursor from dir/infoFilename if present.
func Open(dir, filename, infoFilename string, capacity int64) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errkind.New(errkind.TransientIO, errors.Annotatef(err, "mkdir %s", dir))
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errkind.New(errkind.TransientIO, errors.Annotatef(err, "open log %s", path))
	}
	if err := f.Truncate(capacity); err != nil {
		f.Close()
		return nil, errkind.New(errkind.TransientIO, errors.Annotatef(err, "truncate log %s", path))
	}

	l := &Log{
		f:         f,
		infoPath:  filepath.Join(dir, infoFilename),
		capacity:  capacity,
		nextLogID: 1,
		clean:     true,
	}
	l.cond = sync.NewCond(&l.mu)

	if info, err := l.loadInfo(); err == nil {
		l.offset = info.Offset
		l.tailOff = info.TailOff
		l.used = info.Used
		l.nextLogID = info.NextLogID
		l.clean = info.Clean
	}
	return l, nil
}

// WasDirty reports whether the log was not cleanly shut down last time,
// per the persisted clean flag.
func (l *Log) WasDirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.clean
}

// MarkDirty clears the clean flag and persists it immediately; called by
// the engine as soon as it begins accepting writes.
func (l *Log) MarkDirty() error {
	l.mu.Lock()
	l.clean = false
	err := l.persistInfoLocked()
	l.mu.Unlock()
	return err
}

// MarkClean sets the clean flag and persists it; called on a writeback
// stop once all dirty state has been flushed.
func (l *Log) MarkClean() error {
	l.mu.Lock()
	l.clean = true
	err := l.persistInfoLocked()
	l.mu.Unlock()
	return err
}

func (l *Log) loadInfo() (logInfo, error) {
	raw, err := os.ReadFile(l.infoPath)
	if err != nil {
		return logInfo{}, err
	}
	if len(raw) < 33 {
		return logInfo{}, errkind.Newf(errkind.Integrity, "log info file truncated")
	}
	var info logInfo
	info.Offset = int64(binary.BigEndian.Uint64(raw[0:8]))
	info.TailOff = int64(binary.BigEndian.Uint64(raw[8:16]))
	info.Used = int64(binary.BigEndian.Uint64(raw[16:24]))
	info.NextLogID = binary.BigEndian.Uint64(raw[24:32])
	info.Clean = raw[32] != 0
	return info, nil
}

// RegisterConsumer registers c to receive direct deliveries (in registration
// order) and later replay deliveries. Must be called before Commit/Replay.
func (l *Log) RegisterConsumer(c Consumer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumers = append(l.consumers, c)
}

func (l *Log) persistInfoLocked() error {
	buf := make([]byte, 33)
	binary.BigEndian.PutUint64(buf[0:8], uint64(l.offset))
	binary.BigEndian.PutUint64(buf[8:16], uint64(l.tailOff))
	binary.BigEndian.PutUint64(buf[16:24], uint64(l.used))
	binary.BigEndian.PutUint64(buf[24:32], l.nextLogID)
	if l.clean {
		buf[32] = 1
	}
	tmp := l.infoPath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return errkind.New(errkind.TransientIO, errors.Annotatef(err, "write log info"))
	}
	if err := os.Rename(tmp, l.infoPath); err != nil {
		return errkind.New(errkind.TransientIO, errors.Annotatef(err, "rename log info"))
	}
	return nil
}

// Commit appends one framed entry, fsyncs it, and publishes it synchronously
// to all registered direct consumers in registration order, carrying the
// newly assigned log_id. If any direct consumer fails the commit call fails,
// but the entry remains on disk for idempotent re-application during replay.
func (l *Log) Commit(typ EventType, payload, preImage []byte) (uint64, error) {
	l.mu.Lock()
	entryLen := int64(frameHeaderSize + len(payload) + frameTrailerSize)
	if entryLen > l.capacity-wrapZoneSize {
		l.mu.Unlock()
		return 0, errkind.Newf(errkind.ContractViolation, "log entry of %d bytes exceeds usable capacity", entryLen)
	}

	for !l.closed && l.used+entryLen+wrapZoneSize > l.capacity {
		l.cond.Wait()
	}
	if l.closed {
		l.mu.Unlock()
		return 0, errkind.Newf(errkind.Exhaustion, "log is closed")
	}

	if l.offset+entryLen > l.capacity-wrapZoneSize {
		if err := l.writeWrapMarkerLocked(); err != nil {
			l.mu.Unlock()
			return 0, err
		}
	}

	logID := l.nextLogID
	l.nextLogID++
	frame := encodeFrame(logID, typ, payload)
	if _, err := l.f.WriteAt(frame, l.offset); err != nil {
		l.mu.Unlock()
		return 0, errkind.New(errkind.TransientIO, errors.Annotatef(err, "write log frame"))
	}
	l.offset += int64(len(frame))
	l.used += int64(len(frame))
	if l.offset == l.capacity {
		l.offset = 0
	}
	if err := l.f.Sync(); err != nil {
		l.mu.Unlock()
		return 0, errkind.New(errkind.TransientIO, errors.Annotatef(err, "fsync log"))
	}

	consumers := append([]Consumer(nil), l.consumers...)
	l.mu.Unlock()

	ev := Event{LogID: logID, Type: typ, Payload: payload, PreImage: preImage, Mode: DirectMode}
	var merr *multierror.Error
	for _, c := range consumers {
		if err := c.Apply(ev); err != nil {
			merr = multierror.Append(merr, errors.Annotatef(err, "direct consumer %s", c.Name()))
		}
	}
	if merr != nil {
		return logID, merr.ErrorOrNil()
	}
	return logID, nil
}

// writeWrapMarkerLocked writes a marker frame that extends exactly to the
// end of the file, then resets the physical write cursor to 0. Caller must
// hold l.mu and must have already verified l.offset <= capacity-wrapZoneSize,
// so the marker is guaranteed to fit.
func (l *Log) writeWrapMarkerLocked() error {
	remaining := l.capacity - l.offset
	payloadLen := int(remaining) - frameHeaderSize - frameTrailerSize
	if payloadLen < 0 {
		payloadLen = 0
	}
	frame := encodeFrame(0, wrapMarker, make([]byte, payloadLen))
	if int64(len(frame)) != remaining {
		// Pad/trim defensively; remaining is always >= wrapZoneSize so this
		// only adjusts for integer rounding, never underflows.
		if int64(len(frame)) < remaining {
			frame = append(frame, make([]byte, remaining-int64(len(frame)))...)
		} else {
			frame = frame[:remaining]
		}
	}
	if _, err := l.f.WriteAt(frame, l.offset); err != nil {
		return errkind.New(errkind.TransientIO, errors.Annotatef(err, "write wrap marker"))
	}
	l.used += remaining
	l.offset = 0
	return nil
}

// Close stops accepting commits and flushes the durable cursor.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	err := l.persistInfoLocked()
	l.mu.Unlock()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Capacity returns the log's total byte capacity.
func (l *Log) Capacity() int64 {
	return l.capacity
}

// Stats is a read-only snapshot of the log's cursor state, for the
// monitor's /log-info endpoint.
type Stats struct {
	Offset    int64
	TailOff   int64
	Used      int64
	Capacity  int64
	NextLogID uint64
	Clean     bool
}

// Info returns a snapshot of the log's current cursor state.
func (l *Log) Info() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Offset:    l.offset,
		TailOff:   l.tailOff,
		Used:      l.used,
		Capacity:  l.capacity,
		NextLogID: l.nextLogID,
		Clean:     l.clean,
	}
}

// FillRatio returns the fraction of capacity currently occupied.
func (l *Log) FillRatio() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.used) / float64(l.capacity)
}
