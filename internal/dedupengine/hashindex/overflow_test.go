package hashindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverflowAreaPutLookupDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "o.overflow")
	o, err := openOverflowArea(path)
	require.NoError(t, err)
	defer o.close()

	require.NoError(t, o.put([]byte("k1"), []byte("v1")))
	v, ok := o.lookup([]byte("k1"))
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, o.delete([]byte("k1")))
	_, ok = o.lookup([]byte("k1"))
	assert.False(t, ok)
}

func TestOverflowAreaReplaysAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "o.overflow")
	o, err := openOverflowArea(path)
	require.NoError(t, err)

	require.NoError(t, o.put([]byte("a"), []byte("1")))
	require.NoError(t, o.put([]byte("b"), []byte("2")))
	require.NoError(t, o.delete([]byte("a")))
	require.NoError(t, o.close())

	o2, err := openOverflowArea(path)
	require.NoError(t, err)
	defer o2.close()

	_, ok := o2.lookup([]byte("a"))
	assert.False(t, ok)
	v, ok := o2.lookup([]byte("b"))
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
	assert.Equal(t, 1, o2.count())
}
