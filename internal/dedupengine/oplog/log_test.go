package oplog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConsumer struct {
	mu     sync.Mutex
	name   string
	events []Event
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) Apply(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *recordingConsumer) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestCommitDeliversDirectInOrder(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "op.log", "op.log.info", 1<<20)
	require.NoError(t, err)
	defer l.Close()

	c := &recordingConsumer{name: "test"}
	l.RegisterConsumer(c)

	var ids []uint64
	for i := 0; i < 10; i++ {
		id, err := l.Commit(BlockMappingWritten, []byte(fmt.Sprintf("payload-%d", i)), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	events := c.snapshot()
	require.Len(t, events, 10)
	for i, ev := range events {
		assert.Equal(t, ids[i], ev.LogID)
		assert.Equal(t, DirectMode, ev.Mode)
		assert.Equal(t, fmt.Sprintf("payload-%d", i), string(ev.Payload))
	}
}

func TestDirtyReplayRedeliversUnconsumedEntries(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "op.log", "op.log.info", 1<<20)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := l.Commit(ContainerCommitted, []byte{byte(i)}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l2, err := Open(dir, "op.log", "op.log.info", 1<<20)
	require.NoError(t, err)
	defer l2.Close()

	c := &recordingConsumer{name: "replay"}
	l2.RegisterConsumer(c)
	require.NoError(t, l2.DirtyReplay())

	events := c.snapshot()
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, DirtyStart, ev.Mode)
		assert.Equal(t, byte(i), ev.Payload[0])
	}
}

func TestBackgroundReplayDeliversAtLeastOnceInOrder(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "op.log", "op.log.info", 1<<20)
	require.NoError(t, err)
	defer l.Close()

	c := &recordingConsumer{name: "bg"}
	l.RegisterConsumer(c)

	for i := 0; i < 20; i++ {
		_, err := l.Commit(ContainerCommitted, []byte{byte(i)}, nil)
		require.NoError(t, err)
	}

	r := NewReplayer(l, time.Millisecond, time.Millisecond, 4, 16, 0.9)
	r.Start()
	defer r.Stop()

	// c also receives every commit directly; only the background
	// deliveries are checked for order.
	bgEvents := func() []Event {
		var out []Event
		for _, ev := range c.snapshot() {
			if ev.Mode == ReplayBG {
				out = append(out, ev)
			}
		}
		return out
	}

	require.Eventually(t, func() bool {
		return len(bgEvents()) >= 20
	}, 2*time.Second, 10*time.Millisecond)

	events := bgEvents()
	var last uint64
	for _, ev := range events {
		assert.Greater(t, ev.LogID, last)
		last = ev.LogID
	}
}

func TestLogWrapsAroundSmallCapacity(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "op.log", "op.log.info", 512)
	require.NoError(t, err)
	defer l.Close()

	c := &recordingConsumer{name: "wrap"}
	l.RegisterConsumer(c)

	// A concurrent replayer drains the tail so repeated wraps around this
	// small capacity don't block commits forever.
	r := NewReplayer(l, time.Millisecond, time.Millisecond, 2, 8, 0.5)
	r.Start()
	defer r.Stop()

	for i := 0; i < 30; i++ {
		_, err := l.Commit(ContainerCommitted, []byte(fmt.Sprintf("e%02d", i)), nil)
		require.NoError(t, err)
	}

	var direct []Event
	for _, ev := range c.snapshot() {
		if ev.Mode == DirectMode {
			direct = append(direct, ev)
		}
	}
	require.Len(t, direct, 30)
	for i, ev := range direct {
		assert.Equal(t, fmt.Sprintf("e%02d", i), string(ev.Payload))
	}
}
