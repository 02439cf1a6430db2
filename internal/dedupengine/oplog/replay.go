package oplog

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
)

// readNextLocked decodes the frame at l.tailOff, returning it and advancing
// tailOff/used past it. wrapMarker frames are consumed transparently (never
// surfaced to callers) since they carry no semantic content.
func (l *Log) readNextLocked() (Event, bool, error) {
	for {
		if l.tailOff == l.offset && l.used == 0 {
			return Event{}, false, nil
		}
		header := make([]byte, frameHeaderSize)
		if _, err := l.f.ReadAt(header, l.tailOff); err != nil {
			return Event{}, false, errkind.New(errkind.TransientIO, errors.Annotatef(err, "read log header"))
		}
		size := int64(beUint32(header[0:4]))
		total := int64(frameHeaderSize) + size + frameTrailerSize
		buf := make([]byte, total)
		if _, err := l.f.ReadAt(buf, l.tailOff); err != nil {
			return Event{}, false, errkind.New(errkind.TransientIO, errors.Annotatef(err, "read log frame"))
		}
		df, n, err := decodeFrame(buf)
		if err != nil {
			return Event{}, false, err
		}
		l.tailOff += int64(n)
		l.used -= int64(n)
		if l.tailOff == l.capacity {
			l.tailOff = 0
		}
		if df.typ == wrapMarker {
			continue
		}
		payload := append([]byte(nil), df.payload...)
		return Event{LogID: df.logID, Type: df.typ, Payload: payload}, true, nil
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// PeekAt decodes the frame at byte position pos without advancing the
// replay cursor or mutating any log state, for the monitor's read-only
// /log/{pos} endpoint.
func (l *Log) PeekAt(pos int64) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos < 0 || pos >= l.capacity {
		return Event{}, errkind.Newf(errkind.NotFound, "log position %d out of range", pos)
	}
	header := make([]byte, frameHeaderSize)
	if _, err := l.f.ReadAt(header, pos); err != nil {
		return Event{}, errkind.New(errkind.TransientIO, errors.Annotatef(err, "read log header at %d", pos))
	}
	size := int64(beUint32(header[0:4]))
	total := int64(frameHeaderSize) + size + frameTrailerSize
	if pos+total > l.capacity {
		return Event{}, errkind.Newf(errkind.Integrity, "frame at %d extends past log capacity", pos)
	}
	buf := make([]byte, total)
	if _, err := l.f.ReadAt(buf, pos); err != nil {
		return Event{}, errkind.New(errkind.TransientIO, errors.Annotatef(err, "read log frame at %d", pos))
	}
	df, _, err := decodeFrame(buf)
	if err != nil {
		return Event{}, err
	}
	if df.typ == wrapMarker {
		return Event{}, errkind.Newf(errkind.NotFound, "position %d is a wrap marker, not an entry", pos)
	}
	return Event{LogID: df.logID, Type: df.typ, Payload: append([]byte(nil), df.payload...)}, nil
}

// DirtyReplay delivers every entry from the durable replay cursor forward
// to every registered consumer under DIRTY_START mode, then persists the
// advanced cursor. Called once at startup when the log was not cleanly
// shut down (spec.md section 4.2).
func (l *Log) DirtyReplay() error {
	l.mu.Lock()
	consumers := append([]Consumer(nil), l.consumers...)
	l.mu.Unlock()

	for {
		l.mu.Lock()
		ev, ok, err := l.readNextLocked()
		if err != nil {
			l.mu.Unlock()
			return err
		}
		if !ok {
			if perr := l.persistInfoLocked(); perr != nil {
				l.mu.Unlock()
				return perr
			}
			l.cond.Broadcast()
			l.mu.Unlock()
			return nil
		}
		l.cond.Broadcast()
		l.mu.Unlock()

		ev.Mode = DirtyStart
		for _, c := range consumers {
			if err := c.Apply(ev); err != nil {
				return errors.Annotatef(err, "dirty replay consumer %s at log_id=%d", c.Name(), ev.LogID)
			}
		}
	}
}

// Replayer drives background replay: small batches during idle, larger
// ("nearly full") batches once the log's fill ratio crosses threshold.
type Replayer struct {
	log      *Log
	idle     *rate.Limiter
	burst    *rate.Limiter
	idleN    int
	burstN   int
	fullFrac float64

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	failing bool
	backoff time.Duration
}

// NewReplayer builds a background replayer. idleInterval/burstInterval are
// the throttle.default / throttle.nearly-full config durations; idleBatch/
// burstBatch are area-size-system-idle / area-size-log-full.
func NewReplayer(log *Log, idleInterval, burstInterval time.Duration, idleBatch, burstBatch int, fullFraction float64) *Replayer {
	idleLimit := rate.Every(idleInterval)
	if idleInterval <= 0 {
		idleLimit = rate.Inf
	}
	burstLimit := rate.Every(burstInterval)
	if burstInterval <= 0 {
		burstLimit = rate.Inf
	}
	return &Replayer{
		log:      log,
		idle:     rate.NewLimiter(idleLimit, 1),
		burst:    rate.NewLimiter(burstLimit, 1),
		idleN:    idleBatch,
		burstN:   burstBatch,
		fullFrac: fullFraction,
		backoff:  50 * time.Millisecond,
	}
}

// Start launches the background replay goroutine, delivering entries under
// ReplayBG mode at-least-once and in log_id order.
func (r *Replayer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
}

func (r *Replayer) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		limiter := r.idle
		batch := r.idleN
		if r.log.FillRatio() >= r.fullFrac {
			limiter = r.burst
			batch = r.burstN
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		n, err := r.consumeBatch(batch)
		if err != nil {
			r.mu.Lock()
			r.failing = true
			wait := r.backoff
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		r.mu.Lock()
		r.failing = false
		r.mu.Unlock()
		_ = n
	}
}

// consumeBatch replays up to n entries in log_id order, persisting the
// advanced cursor once per batch.
func (r *Replayer) consumeBatch(n int) (int, error) {
	l := r.log
	l.mu.Lock()
	consumers := append([]Consumer(nil), l.consumers...)
	l.mu.Unlock()

	delivered := 0
	for i := 0; i < n; i++ {
		l.mu.Lock()
		ev, ok, err := l.readNextLocked()
		if err != nil {
			l.mu.Unlock()
			return delivered, err
		}
		if !ok {
			l.mu.Unlock()
			break
		}
		l.cond.Broadcast()
		l.mu.Unlock()

		ev.Mode = ReplayBG
		for _, c := range consumers {
			if err := c.Apply(ev); err != nil {
				return delivered, errors.Annotatef(err, "background replay consumer %s at log_id=%d", c.Name(), ev.LogID)
			}
		}
		delivered++
	}
	if delivered > 0 {
		l.mu.Lock()
		err := l.persistInfoLocked()
		l.mu.Unlock()
		if err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

// Stop halts the background replayer and waits for it to exit.
func (r *Replayer) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}
