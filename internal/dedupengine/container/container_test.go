package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeContainerRoundTrip(t *testing.T) {
	c := &Container{
		ContainerID: 7,
		Items: []Item{
			{Key: []byte("fp1"), Value: []byte("payload-one")},
			{Key: []byte("fp2"), Value: []byte("payload-two-longer")},
		},
	}
	buf, fit, overflow := Encode(c, 512)
	require.Len(t, fit, 2)
	require.Empty(t, overflow)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), decoded.ContainerID)
	require.Len(t, decoded.Items, 2)
	assert.Equal(t, "payload-one", string(decoded.Items[0].Value))
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 64)
	_, err := Decode(buf)
	assert.Error(t, err)
}

func TestDecodeDetectsCRCMismatch(t *testing.T) {
	c := &Container{ContainerID: 1, Items: []Item{{Key: []byte("k"), Value: []byte("v")}}}
	buf, _, _ := Encode(c, 128)
	buf[containerHeaderSize] ^= 0xFF

	_, err := Decode(buf)
	assert.Error(t, err)
}
