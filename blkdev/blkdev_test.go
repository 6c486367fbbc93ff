package blkdev

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/common"
)

func TestReadWrite(t *testing.T) {
	d := FromDisk(disk.NewMemDisk(10))
	blk := make(disk.Block, disk.BlockSize)
	blk[0] = 7
	require.NoError(t, d.WriteBlock(3, blk))
	blk[0] = 8 // device must have copied

	got, err := d.ReadBlock(3)
	require.NoError(t, err)
	assert.Equal(t, byte(7), got[0])
}

func TestOutOfRange(t *testing.T) {
	d := FromDisk(disk.NewMemDisk(10))
	_, err := d.ReadBlock(10)
	assert.True(t, errors.Is(err, common.ErrIO))
	assert.True(t, errors.Is(err, ErrOutOfRange))
	err = d.WriteBlock(11, make(disk.Block, disk.BlockSize))
	assert.True(t, errors.Is(err, common.ErrIO))
}

func TestFaulty(t *testing.T) {
	f := MkFaulty(FromDisk(disk.NewMemDisk(10)))
	f.FailRead(2)
	_, err := f.ReadBlock(2)
	assert.True(t, errors.Is(err, common.ErrIO))
	assert.False(t, errors.Is(err, common.ErrNotFound))
	_, err = f.ReadBlock(1)
	assert.NoError(t, err)

	f.FailAll()
	assert.Error(t, f.WriteBlock(1, make(disk.Block, disk.BlockSize)))
	f.Heal()
	assert.NoError(t, f.WriteBlock(1, make(disk.Block, disk.BlockSize)))

	r, w := f.Counts()
	assert.Equal(t, uint64(2), r)
	assert.Equal(t, uint64(2), w)
}
