package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	for _, name := range []string{"none", "snappy", "lz4", "deflate"} {
		t.Run(name, func(t *testing.T) {
			codec, err := NewCodec(name)
			require.NoError(t, err)

			plain := []byte("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog")
			compressed, err := codec.Compress(plain)
			require.NoError(t, err)

			decompressed, err := codec.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, plain, decompressed)
		})
	}
}

func TestBZ2CodecDecodeOnly(t *testing.T) {
	codec, err := NewCodec("bz2")
	require.NoError(t, err)
	_, err = codec.Compress([]byte("x"))
	assert.Error(t, err)
}

func TestNewCodecRejectsUnknown(t *testing.T) {
	_, err := NewCodec("made-up-format")
	assert.Error(t, err)
}
