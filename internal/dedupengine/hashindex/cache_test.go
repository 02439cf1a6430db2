package hashindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageCacheEvictsWhenFull(t *testing.T) {
	c := newPageCache(ModeDefault, 2)

	require.Nil(t, c.put(1, []byte("p1"), false))
	require.Nil(t, c.put(2, []byte("p2"), false))
	evicted := c.put(3, []byte("p3"), false)
	require.NotNil(t, evicted, "expected an eviction once capacity is exceeded")

	assert.Equal(t, 2, c.residentCount())
}

func TestPageCachePinPreventsEviction(t *testing.T) {
	c := newPageCache(ModeDefault, 1)
	require.Nil(t, c.put(1, []byte("p1"), false))
	c.pin(1)

	// Repeated inserts beyond capacity must never evict the pinned page.
	for i := uint64(2); i < 20; i++ {
		c.put(i, []byte("x"), false)
	}
	_, ok := c.get(1)
	assert.True(t, ok)
}

func TestPageCacheBypassNeverRetains(t *testing.T) {
	c := newPageCache(ModeBypass, 10)
	c.put(1, []byte("p1"), false)
	_, ok := c.get(1)
	assert.False(t, ok)
}

func TestPageCacheDirtyTracking(t *testing.T) {
	c := newPageCache(ModeDefault, 10)
	c.put(1, []byte("p1"), true)
	dirty := c.dirtyPages()
	require.Len(t, dirty, 1)
	assert.Equal(t, uint64(1), dirty[0].bucketID)

	c.clearDirty(1)
	assert.Empty(t, c.dirtyPages())
}
