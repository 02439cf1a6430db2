package pageio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data-0")
	f, err := Open(path, 4096)
	require.NoError(t, err)
	defer f.Close()

	page := make([]byte, 4096)
	for i := range page {
		page[i] = byte(i)
	}
	require.NoError(t, f.PWritePage(3, page))
	require.NoError(t, f.Fsync())

	got := make([]byte, 4096)
	require.NoError(t, f.PReadPage(3, got))
	assert.Equal(t, page, got)
}

func TestPWritePageRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data-0")
	f, err := Open(path, 4096)
	require.NoError(t, err)
	defer f.Close()

	err = f.PWritePage(0, make([]byte, 100))
	assert.Error(t, err)
}

func TestTruncateAndSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data-0")
	f, err := Open(path, 4096)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(4096*10))
	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(4096*10), size)
}
