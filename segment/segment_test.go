package segment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/super"
)

func mkFs(t *testing.T, sz uint64) *super.FsSuper {
	cfg := super.DefaultConfig()
	cfg.LogBlocksPerSeg = 3
	fs, err := super.MkFsSuper(sz, cfg)
	require.NoError(t, err)
	return fs
}

func TestAllocateMain(t *testing.T) {
	fs := mkFs(t, 100)
	a := MkAllocator(fs, InitBitmap(fs))
	assert.Equal(t, fs.MainBlocks(), a.NumFree())

	seen := make(map[common.Block]bool)
	for i := uint64(0); i < fs.MainBlocks(); i++ {
		b, err := a.AllocateBlock(1)
		require.NoError(t, err)
		assert.True(t, fs.IsMainAddr(b))
		assert.False(t, seen[b], "block %d twice", b)
		seen[b] = true
	}
	_, err := a.AllocateBlock(1)
	assert.True(t, errors.Is(err, common.ErrNoSpace))
	assert.Equal(t, uint64(0), a.NumFree())
}

func TestInvalidateDeferred(t *testing.T) {
	fs := mkFs(t, 100)
	a := MkAllocator(fs, InitBitmap(fs))
	b, err := a.AllocateBlock(1)
	require.NoError(t, err)

	a.InvalidateBlock(b)
	a.InvalidateBlock(b)
	a.InvalidateBlock(common.NullAddr)
	a.InvalidateBlock(common.NewAddr)
	assert.Equal(t, uint64(1), a.NumPending())
	assert.True(t, a.IsAllocated(b), "freed before commit")

	bm := a.CheckpointBitmap()
	assert.False(t, testBit(bm, b))
	assert.True(t, testBit(bm, 0))

	a.PostCommit()
	assert.False(t, a.IsAllocated(b))
	assert.Equal(t, uint64(0), a.NumPending())
	assert.Equal(t, fs.MainBlocks(), a.NumFree())
	assert.Panics(t, func() { a.InvalidateBlock(1) })
}

func TestReloadBitmap(t *testing.T) {
	fs := mkFs(t, 100)
	a := MkAllocator(fs, InitBitmap(fs))
	b, err := a.AllocateBlock(1)
	require.NoError(t, err)

	a2 := MkAllocator(fs, a.CheckpointBitmap())
	assert.Equal(t, fs.MainBlocks()-1, a2.NumFree())
	assert.True(t, a2.IsAllocated(b))
	for i := uint64(0); i < fs.MainBlocks()-1; i++ {
		b2, err := a2.AllocateBlock(1)
		require.NoError(t, err)
		assert.NotEqual(t, b, b2)
	}

	a.Release(b)
	assert.Equal(t, fs.MainBlocks(), a.NumFree())
}
