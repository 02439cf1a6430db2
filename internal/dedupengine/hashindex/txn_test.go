package hashindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxnAreaRecoverRedoesPendingWrite(t *testing.T) {
	dir := t.TempDir()
	pageSize := 64
	txn, err := openTxnArea(filepath.Join(dir, "t.txn"), pageSize)
	require.NoError(t, err)
	require.NoError(t, txn.ensureCapacity(4))

	oldImage := make([]byte, pageSize)
	newImage := make([]byte, pageSize)
	for i := range newImage {
		newImage[i] = 0xAB
	}

	require.NoError(t, txn.begin(2, oldImage, newImage))

	var redone []byte
	require.NoError(t, txn.recover(4, func(bucketID uint64, img []byte) error {
		if bucketID == 2 {
			redone = append([]byte(nil), img...)
		}
		return nil
	}))
	require.NotNil(t, redone)
	assert.Equal(t, newImage, redone)

	// A second recovery pass should be a no-op: the slot was cleared.
	var calledAgain bool
	require.NoError(t, txn.recover(4, func(bucketID uint64, img []byte) error {
		calledAgain = true
		return nil
	}))
	assert.False(t, calledAgain)

	require.NoError(t, txn.close())
}

func TestTxnAreaRejectsWrongSizedImages(t *testing.T) {
	dir := t.TempDir()
	txn, err := openTxnArea(filepath.Join(dir, "t.txn"), 64)
	require.NoError(t, err)
	defer txn.close()
	require.NoError(t, txn.ensureCapacity(1))

	err = txn.begin(0, make([]byte, 32), make([]byte, 64))
	assert.Error(t, err)
}
