package hashindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEntriesRoundTrip(t *testing.T) {
	entries := []entry{
		{key: []byte("k1"), value: []byte("v1")},
		{key: []byte("k2"), value: []byte("v2-longer-value")},
	}
	buf, fit, overflow := encodeEntries(256, entries, true)
	require.Len(t, fit, 2)
	require.Empty(t, overflow)
	require.Len(t, buf, 256)

	decoded, didOverflow, err := decodeEntries(buf, true)
	require.NoError(t, err)
	assert.False(t, didOverflow)
	require.Len(t, decoded, 2)
	assert.Equal(t, "k1", string(decoded[0].key))
	assert.Equal(t, "v1", string(decoded[0].value))
	assert.Equal(t, "k2", string(decoded[1].key))
	assert.Equal(t, "v2-longer-value", string(decoded[1].value))
}

func TestEncodeEntriesReportsOverflow(t *testing.T) {
	var entries []entry
	for i := 0; i < 20; i++ {
		entries = append(entries, entry{key: []byte{byte(i)}, value: make([]byte, 16)})
	}
	buf, fit, overflow := encodeEntries(128, entries, true)
	assert.Less(t, len(fit), len(entries))
	assert.NotEmpty(t, overflow)

	decoded, didOverflow, err := decodeEntries(buf, true)
	require.NoError(t, err)
	assert.True(t, didOverflow)
	assert.Len(t, decoded, len(fit))
}

func TestDecodeEntriesDetectsCRCMismatch(t *testing.T) {
	buf, _, _ := encodeEntries(128, []entry{{key: []byte("k"), value: []byte("v")}}, true)
	buf[len(buf)-1] ^= 0xFF // corrupt a payload byte covered by the CRC

	_, _, err := decodeEntries(buf, true)
	require.Error(t, err)
}
