package bcache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/blkdev"
	"github.com/mit-pdos/go-nodefs/common"
)

func mkBlock(v byte) disk.Block {
	b := make(disk.Block, disk.BlockSize)
	b[0] = v
	return b
}

func TestWriteBack(t *testing.T) {
	f := blkdev.MkFaulty(blkdev.FromDisk(disk.NewMemDisk(10)))
	bc := MkBcache(f, 4)

	require.NoError(t, bc.Write(2, mkBlock(9)))
	_, w := f.Counts()
	assert.Equal(t, uint64(0), w, "write reached the device before Sync")

	b, err := bc.Read(2)
	require.NoError(t, err)
	assert.Equal(t, byte(9), b[0])
	assert.Equal(t, 1, bc.NDirty())

	require.NoError(t, bc.Sync())
	_, w = f.Counts()
	assert.Equal(t, uint64(1), w)
	assert.Equal(t, 0, bc.NDirty())

	raw, err := f.ReadBlock(2)
	require.NoError(t, err)
	assert.Equal(t, byte(9), raw[0])
}

func TestReadCaches(t *testing.T) {
	f := blkdev.MkFaulty(blkdev.FromDisk(disk.NewMemDisk(10)))
	bc := MkBcache(f, 4)
	require.NoError(t, bc.Prefetch(5))
	_, err := bc.Read(5)
	require.NoError(t, err)
	r, _ := f.Counts()
	assert.Equal(t, uint64(1), r)
}

func TestWriteThroughWhenFull(t *testing.T) {
	f := blkdev.MkFaulty(blkdev.FromDisk(disk.NewMemDisk(10)))
	bc := MkBcache(f, 1)
	require.NoError(t, bc.Write(1, mkBlock(1)))
	require.NoError(t, bc.Write(2, mkBlock(2)))
	_, w := f.Counts()
	assert.Equal(t, uint64(1), w)
	b, err := bc.Read(2)
	require.NoError(t, err)
	assert.Equal(t, byte(2), b[0])
}

func TestSyncError(t *testing.T) {
	f := blkdev.MkFaulty(blkdev.FromDisk(disk.NewMemDisk(10)))
	bc := MkBcache(f, 4)
	require.NoError(t, bc.Write(3, mkBlock(3)))
	f.FailWrite(3)
	err := bc.Sync()
	assert.True(t, errors.Is(err, common.ErrIO))
	assert.Equal(t, 1, bc.NDirty())
	f.Heal()
	require.NoError(t, bc.Sync())
	assert.Equal(t, 0, bc.NDirty())
}
