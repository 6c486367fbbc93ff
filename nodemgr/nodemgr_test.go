package nodemgr

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/blkdev"
	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/node"
	"github.com/mit-pdos/go-nodefs/nodepath"
	"github.com/mit-pdos/go-nodefs/super"
)

// 4 slots everywhere: blocks 0-3 in the inode, 4-11 in the direct
// nodes, 12-43 under the indirect nodes, 44-107 under the double
// indirect node.
func smallConfig() *super.Config {
	cfg := super.DefaultConfig()
	cfg.LogBlocksPerSeg = 3
	cfg.NatJournalEntries = 8
	cfg.AddrsPerInode = 4
	cfg.AddrsPerBlock = 4
	cfg.NidsPerBlock = 4
	cfg.NodeCacheSize = 256
	cfg.MetaCacheSize = 32
	cfg.FreeNidPages = 2
	cfg.TotalRAM = 1 << 30
	return cfg
}

type testEnv struct {
	cfg *super.Config
	dev *blkdev.Faulty
	nm  *NodeManager
}

func mkEnv(t *testing.T, cfg *super.Config, size uint64) *testEnv {
	dev := blkdev.MkFaulty(blkdev.FromDisk(disk.NewMemDisk(size)))
	require.NoError(t, Mkfs(dev, cfg))
	nm, err := Mount(dev, cfg)
	require.NoError(t, err)
	return &testEnv{cfg: cfg, dev: dev, nm: nm}
}

// remount crashes the manager and mounts the device again.
func (env *testEnv) remount(t *testing.T) {
	env.nm.Crash()
	nm, err := Mount(env.dev, env.cfg)
	require.NoError(t, err)
	env.nm = nm
}

func block(fill byte) disk.Block {
	return bytes.Repeat([]byte{fill}, int(disk.BlockSize))
}

func writeBlock(nm *NodeManager, ino common.Nid, index uint64, fill byte) error {
	dn, err := nm.GetDnode(ino, index, AllocNode)
	if err != nil {
		return err
	}
	defer dn.Put()
	return nm.WriteDataBlock(dn, block(fill))
}

func (env *testEnv) write(t *testing.T, ino common.Nid, index uint64, fill byte) {
	require.NoError(t, writeBlock(env.nm, ino, index, fill))
}

func (env *testEnv) reserve(t *testing.T, ino common.Nid, index uint64) {
	dn, err := env.nm.GetDnode(ino, index, AllocNode)
	require.NoError(t, err)
	defer dn.Put()
	require.NoError(t, env.nm.ReserveNewBlock(dn))
}

func (env *testEnv) read(t *testing.T, ino common.Nid, index uint64) (disk.Block, bool) {
	dn, err := env.nm.GetDnode(ino, index, LookupNode)
	if errors.Is(err, common.ErrNotFound) {
		return nil, false
	}
	require.NoError(t, err)
	defer dn.Put()
	b, err := env.nm.ReadDataBlock(dn)
	require.NoError(t, err)
	return b, true
}

// slot returns the data address of index, NULL for a hole.
func (env *testEnv) slot(t *testing.T, ino common.Nid, index uint64) common.Block {
	dn, err := env.nm.GetDnode(ino, index, LookupNode)
	if errors.Is(err, common.ErrNotFound) {
		return common.NullAddr
	}
	require.NoError(t, err)
	defer dn.Put()
	return dn.DataBlkaddr
}

func (env *testEnv) childNid(t *testing.T, nid common.Nid, off uint64, isInode bool) common.Nid {
	env.nm.LockOp()
	defer env.nm.UnlockOp()
	p, err := env.nm.GetNodePage(nid)
	require.NoError(t, err)
	defer p.Put()
	return p.GetNid(off, isInode)
}

func (env *testEnv) blocks(t *testing.T, ino common.Nid) uint64 {
	n, err := env.nm.Blocks(ino)
	require.NoError(t, err)
	return n
}

func TestNewInode(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	ino, err := env.nm.NewInode()
	require.NoError(t, err)
	assert.NotEqual(t, common.NULLNID, ino)
	assert.Equal(t, uint64(0), env.blocks(t, ino))
	assert.Equal(t, uint64(1), env.nm.ValidNodeCount())
	assert.Equal(t, uint64(1), env.nm.ValidInodeCount())
	assert.Equal(t, common.NewAddr, env.nm.Nat().GetNodeInfo(ino).BlkAddr)

	require.NoError(t, env.nm.Checkpoint())
	ni := env.nm.Nat().GetNodeInfo(ino)
	assert.True(t, env.nm.Super().IsMainAddr(ni.BlkAddr), "%v", ni)
	assert.Equal(t, ino, ni.Ino)

	truncating, err := env.nm.Truncating(ino)
	require.NoError(t, err)
	assert.False(t, truncating)
}

func TestAllocChain(t *testing.T) {
	cfg := smallConfig()
	cfg.AddrsPerInode = super.DefAddrsPerInode
	cfg.AddrsPerBlock = super.DefAddrsPerBlock
	cfg.NidsPerBlock = super.DefNidsPerBlock
	env := mkEnv(t, cfg, 1000)
	g := env.nm.Super().Geometry
	ino, err := env.nm.NewInode()
	require.NoError(t, err)

	sind := uint64(1000000)
	dind := g.AddrsPerInode + 2*g.AddrsPerBlock + 2*g.NidsPerBlock*g.AddrsPerBlock + 5
	for _, tc := range []struct {
		index uint64
		level int
		nodes uint64
	}{
		{5, 0, 0},
		{g.AddrsPerInode + 3, 1, 1},
		{sind, 2, 2},
		{dind, 3, 3},
	} {
		require.Equal(t, tc.level, g.Resolve(tc.index).Level, "%d", tc.index)
		before := env.nm.ValidNodeCount()
		dn, err := env.nm.GetDnode(ino, tc.index, AllocNode)
		require.NoError(t, err)
		nid := dn.Nid
		assert.Equal(t, common.NullAddr, dn.DataBlkaddr)
		assert.Equal(t, g.Resolve(tc.index).Offset[tc.level], dn.OfsInNode)
		dn.Put()
		assert.Equal(t, before+tc.nodes, env.nm.ValidNodeCount(), "index %d", tc.index)

		// the chain exists now
		dn, err = env.nm.GetDnode(ino, tc.index, AllocNode)
		require.NoError(t, err)
		assert.Equal(t, nid, dn.Nid)
		dn.Put()
		assert.Equal(t, before+tc.nodes, env.nm.ValidNodeCount())

		dn, err = env.nm.GetDnode(ino, tc.index, LookupNode)
		require.NoError(t, err)
		assert.Equal(t, nid, dn.Nid)
		dn.Put()
	}
	assert.Equal(t, uint64(6), env.blocks(t, ino))
}

func TestLookupHole(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	ino, err := env.nm.NewInode()
	require.NoError(t, err)

	dn, err := env.nm.GetDnode(ino, 2, LookupNode)
	require.NoError(t, err)
	assert.Equal(t, ino, dn.Nid)
	assert.Equal(t, common.NullAddr, dn.DataBlkaddr)
	dn.Put()

	for _, index := range []uint64{4, 20, 60} {
		_, err := env.nm.GetDnode(ino, index, LookupNode)
		assert.ErrorIs(t, err, common.ErrNotFound, "%d", index)
		_, err = env.nm.GetDnode(ino, index, LookupNodeRA)
		assert.ErrorIs(t, err, common.ErrNotFound, "%d", index)
	}
	assert.Equal(t, uint64(1), env.nm.ValidNodeCount())

	_, err = env.nm.GetDnode(ino, env.nm.Super().Geometry.MaxBlocks(), LookupNode)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestWriteRemount(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	ino, err := env.nm.NewInode()
	require.NoError(t, err)
	indices := []uint64{0, 3, 4, 11, 12, 27, 44, 107}
	for i, index := range indices {
		env.write(t, ino, index, byte(i+1))
	}
	addrs := make([]common.Block, len(indices))
	for i, index := range indices {
		addrs[i] = env.slot(t, ino, index)
	}
	blocks := env.blocks(t, ino)
	nodes := env.nm.ValidNodeCount()
	require.NoError(t, env.nm.Checkpoint())

	env.remount(t)
	for i, index := range indices {
		b, ok := env.read(t, ino, index)
		require.True(t, ok, "%d", index)
		assert.Equal(t, block(byte(i+1)), b, "%d", index)
		assert.Equal(t, addrs[i], env.slot(t, ino, index))
	}
	assert.Equal(t, blocks, env.blocks(t, ino))
	assert.Equal(t, nodes, env.nm.ValidNodeCount())
	size, err := env.nm.Size(ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(108), size)

	// a rewrite moves the block
	env.write(t, ino, 12, 0xee)
	assert.NotEqual(t, addrs[4], env.slot(t, ino, 12))
	b, _ := env.read(t, ino, 12)
	assert.Equal(t, block(0xee), b)
}

func TestCrashLosesUncommitted(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	ino, err := env.nm.NewInode()
	require.NoError(t, err)
	env.write(t, ino, 0, 1)
	require.NoError(t, env.nm.Checkpoint())

	env.write(t, ino, 20, 2)
	ino2, err := env.nm.NewInode()
	require.NoError(t, err)
	require.NoError(t, env.nm.SyncNodePages())

	env.remount(t)
	_, ok := env.read(t, ino, 20)
	assert.False(t, ok)
	_, ok = env.nm.Nat().LookupNode(ino2)
	assert.False(t, ok)
	b, ok := env.read(t, ino, 0)
	require.True(t, ok)
	assert.Equal(t, block(1), b)
	assert.Equal(t, uint64(1), env.nm.ValidInodeCount())
}

func TestCrashDuringCheckpoint(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	ino, err := env.nm.NewInode()
	require.NoError(t, err)
	env.write(t, ino, 0, 1)
	env.write(t, ino, 20, 2)
	require.NoError(t, env.nm.Checkpoint())

	env.write(t, ino, 0, 3)
	env.write(t, ino, 50, 4)
	fs := env.nm.Super()
	pack := (env.nm.CheckpointVersion() + 1) % 2
	env.dev.FailWrite(fs.CpPackStart(pack) + fs.CpPackBlocks() - 1)
	err = env.nm.Checkpoint()
	assert.ErrorIs(t, err, common.ErrIO)

	_, err = env.nm.GetDnode(ino, 0, LookupNode)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, env.nm.Checkpoint(), ErrStopped)

	env.dev.Heal()
	env.remount(t)
	b, ok := env.read(t, ino, 0)
	require.True(t, ok)
	assert.Equal(t, block(1), b)
	b, ok = env.read(t, ino, 20)
	require.True(t, ok)
	assert.Equal(t, block(2), b)
	_, ok = env.read(t, ino, 50)
	assert.False(t, ok)
}

func TestNoSpaceRollback(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	nm := env.nm
	g := nm.Super().Geometry
	ino, err := nm.NewInode()
	require.NoError(t, err)
	nodes := nm.ValidNodeCount()
	setValid := func(n uint64) {
		nm.mu.Lock()
		nm.validBlocks = n
		nm.mu.Unlock()
	}

	setValid(nm.Super().UserBlockCount())
	_, err = nm.GetDnode(ino, 20, AllocNode)
	assert.ErrorIs(t, err, common.ErrNoSpace)
	assert.Equal(t, nodes, nm.ValidNodeCount())
	assert.Equal(t, common.NULLNID, env.childNid(t, ino, g.NodeInd1Block(), true))
	assert.Equal(t, uint64(0), env.blocks(t, ino))

	// room for the indirect node only
	setValid(nm.Super().UserBlockCount() - 1)
	_, err = nm.GetDnode(ino, 20, AllocNode)
	assert.ErrorIs(t, err, common.ErrNoSpace)
	ind := env.childNid(t, ino, g.NodeInd1Block(), true)
	require.NotEqual(t, common.NULLNID, ind)
	assert.Equal(t, common.NULLNID, env.childNid(t, ind, 2, false))
	assert.Equal(t, nodes+1, nm.ValidNodeCount())
	assert.Equal(t, uint64(1), env.blocks(t, ino))

	setValid(2)
	dn, err := nm.GetDnode(ino, 20, AllocNode)
	require.NoError(t, err)
	assert.Equal(t, common.NewAddr, env.nm.Nat().GetNodeInfo(dn.Nid).BlkAddr)
	setValid(nm.Super().UserBlockCount())
	assert.ErrorIs(t, nm.ReserveNewBlock(dn), common.ErrNoSpace)
	assert.Equal(t, common.NullAddr, dn.DataBlkaddr)
	dn.Put()
	assert.Equal(t, nodes+2, nm.ValidNodeCount())
	assert.Equal(t, ind, env.childNid(t, ino, g.NodeInd1Block(), true))
}

// fillTree reserves every block of a new inode.
func fillTree(t *testing.T, env *testEnv) common.Nid {
	ino, err := env.nm.NewInode()
	require.NoError(t, err)
	for i := uint64(0); i < env.nm.Super().Geometry.MaxBlocks(); i++ {
		env.reserve(t, ino, i)
	}
	return ino
}

// nodesBelow counts the non-inode nodes covering blocks [0, from).
func nodesBelow(g nodepath.Geometry, from uint64) uint64 {
	nodes := make(map[uint64]bool)
	for i := uint64(0); i < from; i++ {
		p := g.Resolve(i)
		for l := 1; l <= p.Level; l++ {
			nodes[p.NOffset[l]] = true
		}
	}
	return uint64(len(nodes))
}

func TestTruncateAll(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	g := env.nm.Super().Geometry
	ino := fillTree(t, env)
	total := nodesBelow(g, g.MaxBlocks())
	assert.Equal(t, uint64(33), total)
	assert.Equal(t, g.MaxBlocks()+total, env.blocks(t, ino))
	assert.Equal(t, 1+total, env.nm.ValidNodeCount())

	more, err := env.nm.TruncateInodeBlocks(ino, 0, 0)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, uint64(0), env.blocks(t, ino))
	assert.Equal(t, uint64(1), env.nm.ValidNodeCount())
	assert.Equal(t, uint64(1), env.nm.ValidBlockCount())
	for i := uint64(0); i < g.MaxBlocks(); i++ {
		assert.Equal(t, common.NullAddr, env.slot(t, ino, i), "%d", i)
	}
	for slot := g.NodeDir1Block(); slot <= g.NodeDindBlock(); slot++ {
		assert.Equal(t, common.NULLNID, env.childNid(t, ino, slot, true))
	}

	require.NoError(t, env.nm.RemoveInodePage(ino))
	assert.Equal(t, uint64(0), env.nm.ValidInodeCount())
	assert.Equal(t, uint64(0), env.nm.ValidNodeCount())
	_, err = env.nm.GetDnode(ino, 0, LookupNode)
	assert.ErrorIs(t, err, common.ErrNotFound)
	require.NoError(t, env.nm.Checkpoint())
	_, ok := env.nm.Nat().LookupNode(ino)
	assert.False(t, ok)
}

func TestTruncateResumes(t *testing.T) {
	g := mkEnv(t, smallConfig(), 2000).nm.Super().Geometry
	total := nodesBelow(g, g.MaxBlocks())
	for _, from := range []uint64{0, 3, 4, 6, 12, 13, 20, 27, 28, 44, 45, 48, 60, 107} {
		t.Run(fmt.Sprint(from), func(t *testing.T) {
			one := mkEnv(t, smallConfig(), 2000)
			many := mkEnv(t, smallConfig(), 2000)
			ino := fillTree(t, one)
			require.Equal(t, ino, fillTree(t, many))

			require.NoError(t, one.nm.SetTruncate(ino, from))
			more, err := one.nm.ResumeTruncate(ino, 0)
			require.NoError(t, err)
			assert.False(t, more)

			require.NoError(t, many.nm.SetTruncate(ino, from))
			calls := 0
			for {
				more, err := many.nm.ResumeTruncate(ino, 1)
				require.NoError(t, err)
				calls++
				if !more {
					break
				}
				if calls == 1 {
					require.NoError(t, many.nm.Checkpoint())
					many.remount(t)
				}
			}
			kept := nodesBelow(g, from)
			assert.GreaterOrEqual(t, calls, int(total-kept))

			for _, env := range []*testEnv{one, many} {
				assert.Equal(t, from+kept, env.blocks(t, ino))
				assert.Equal(t, 1+kept, env.nm.ValidNodeCount())
				assert.Equal(t, 1+kept+from, env.nm.ValidBlockCount())
				truncating, err := env.nm.Truncating(ino)
				require.NoError(t, err)
				assert.False(t, truncating)
			}
			for i := uint64(0); i < g.MaxBlocks(); i++ {
				want := common.NullAddr
				if i < from {
					want = common.NewAddr
				}
				assert.Equal(t, want, one.slot(t, ino, i), "block %d", i)
				assert.Equal(t, want, many.slot(t, ino, i), "block %d", i)
			}
			for nid := common.Nid(1); nid <= common.Nid(2+total); nid++ {
				_, a := one.nm.Nat().LookupNode(nid)
				_, b := many.nm.Nat().LookupNode(nid)
				assert.Equal(t, a, b, "nid %d", nid)
			}
		})
	}
}

func TestAllocFinishesTruncate(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	ino := fillTree(t, env)
	require.NoError(t, env.nm.SetTruncate(ino, 12))
	more, err := env.nm.ResumeTruncate(ino, 1)
	require.NoError(t, err)
	require.True(t, more)

	// writing past the cut finishes it first, so the new block stays
	env.write(t, ino, 30, 7)
	truncating, err := env.nm.Truncating(ino)
	require.NoError(t, err)
	assert.False(t, truncating)
	b, ok := env.read(t, ino, 30)
	require.True(t, ok)
	assert.Equal(t, block(7), b)
	assert.Equal(t, common.NullAddr, env.slot(t, ino, 50))
	more, err = env.nm.ResumeTruncate(ino, 0)
	require.NoError(t, err)
	assert.False(t, more)
	b, ok = env.read(t, ino, 30)
	require.True(t, ok)
	assert.Equal(t, block(7), b)
}

func TestTruncateShrinker(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	g := env.nm.Super().Geometry
	ino := fillTree(t, env)
	env.nm.shrinkLimit = 2

	env.nm.LockInode(ino)
	require.NoError(t, env.nm.Truncate(ino, 0))
	env.nm.UnlockInode(ino)
	env.nm.WaitShrinkers()

	assert.Equal(t, uint64(0), env.blocks(t, ino))
	assert.Equal(t, uint64(1), env.nm.ValidNodeCount())
	truncating, err := env.nm.Truncating(ino)
	require.NoError(t, err)
	assert.False(t, truncating)
	for i := uint64(0); i < g.MaxBlocks(); i++ {
		assert.Equal(t, common.NullAddr, env.slot(t, ino, i), "%d", i)
	}
}

func TestTruncateDataBlocksRange(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	ino, err := env.nm.NewInode()
	require.NoError(t, err)
	for i := uint64(4); i < 8; i++ {
		env.write(t, ino, i, byte(i))
	}
	dn, err := env.nm.GetDnode(ino, 5, LookupNode)
	require.NoError(t, err)
	freed := env.nm.TruncateDataBlocksRange(dn, 2)
	assert.Equal(t, uint64(2), freed)
	assert.Equal(t, common.NullAddr, dn.DataBlkaddr)
	assert.Equal(t, uint64(1), env.nm.TruncateDataBlocksRange(dn, 3))
	dn.Put()

	_, ok := env.read(t, ino, 4)
	assert.True(t, ok)
	assert.Equal(t, common.NullAddr, env.slot(t, ino, 6))
	// direct node plus block 4
	assert.Equal(t, uint64(2), env.blocks(t, ino))
}

func TestFsyncInode(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	ino, err := env.nm.NewInode()
	require.NoError(t, err)
	env.write(t, ino, 0, 1)
	env.write(t, ino, 20, 2)
	v := env.nm.CheckpointVersion()
	require.NoError(t, env.nm.FsyncInode(ino))
	assert.Equal(t, v+1, env.nm.CheckpointVersion())
	n := env.inodeBlock(t, ino)
	assert.True(t, n.IsFsyncMark())
	assert.True(t, n.IsDentryMark(), "new inode")

	_, writes := env.dev.Counts()
	require.NoError(t, env.nm.FsyncInode(ino))
	_, writes2 := env.dev.Counts()
	assert.Equal(t, writes, writes2)
	assert.Equal(t, v+1, env.nm.CheckpointVersion())

	// the inode is checkpointed now, so a later fsync needs no dentry
	env.write(t, ino, 1, 3)
	require.NoError(t, env.nm.FsyncInode(ino))
	n = env.inodeBlock(t, ino)
	assert.True(t, n.IsFsyncMark())
	assert.False(t, n.IsDentryMark())

	env.remount(t)
	b, ok := env.read(t, ino, 20)
	require.True(t, ok)
	assert.Equal(t, block(2), b)
}

// inodeBlock reads ino's node block as it sits on the device.
func (env *testEnv) inodeBlock(t *testing.T, ino common.Nid) node.Node {
	blk, err := env.dev.ReadBlock(env.nm.nat.GetNodeInfo(ino).BlkAddr)
	require.NoError(t, err)
	return node.Wrap(env.nm.Super().Geometry, blk)
}

func TestReadahead(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	g := env.nm.Super().Geometry
	ino, err := env.nm.NewInode()
	require.NoError(t, err)
	for _, index := range []uint64{12, 16, 20, 24} {
		env.write(t, ino, index, byte(index))
	}
	require.NoError(t, env.nm.Checkpoint())
	env.remount(t)

	ind := env.childNid(t, ino, g.NodeInd1Block(), true)
	var dnodes []common.Nid
	for i := uint64(0); i < g.NidsPerBlock; i++ {
		dnodes = append(dnodes, env.childNid(t, ind, i, false))
	}
	for _, nid := range dnodes {
		assert.Nil(t, env.nm.pages.Lookup(uint64(nid)))
	}

	dn, err := env.nm.GetDnode(ino, 12, LookupNodeRA)
	require.NoError(t, err)
	assert.Equal(t, dnodes[0], dn.Nid)
	dn.Put()
	for _, nid := range dnodes {
		s := env.nm.pages.Lookup(uint64(nid))
		if assert.NotNil(t, s, "nid %d", nid) {
			assert.NotNil(t, s.Obj)
			env.nm.pages.FreeSlot(uint64(nid))
		}
	}
}

func TestReadError(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	g := env.nm.Super().Geometry
	ino, err := env.nm.NewInode()
	require.NoError(t, err)
	env.write(t, ino, 20, 3)
	require.NoError(t, env.nm.Checkpoint())
	env.remount(t)

	ind := env.childNid(t, ino, g.NodeInd1Block(), true)
	addr := env.nm.Nat().GetNodeInfo(ind).BlkAddr
	env.dev.FailRead(addr)
	_, err = env.nm.GetDnode(ino, 20, LookupNode)
	assert.ErrorIs(t, err, common.ErrIO)
	var ioerr *common.IOError
	if assert.ErrorAs(t, err, &ioerr) {
		assert.Equal(t, addr, ioerr.Addr)
	}

	env.dev.Heal()
	b, ok := env.read(t, ino, 20)
	require.True(t, ok)
	assert.Equal(t, block(3), b)
}

func TestReclaim(t *testing.T) {
	cfg := smallConfig()
	cfg.NodeCacheSize = 6
	env := mkEnv(t, cfg, 2000)
	g := env.nm.Super().Geometry
	ino, err := env.nm.NewInode()
	require.NoError(t, err)
	for i := uint64(0); i < g.MaxBlocks(); i++ {
		env.write(t, ino, i, byte(i))
	}
	assert.LessOrEqual(t, env.nm.pages.Len(), uint64(6))
	require.NoError(t, env.nm.Checkpoint())

	env.remount(t)
	for i := uint64(0); i < g.MaxBlocks(); i++ {
		b, ok := env.read(t, ino, i)
		require.True(t, ok, "%d", i)
		assert.Equal(t, block(byte(i)), b, "%d", i)
	}
}

func TestConcurrentInodes(t *testing.T) {
	env := mkEnv(t, smallConfig(), 4000)
	const nthread = 4
	const nblock = 40
	inos := make([]common.Nid, nthread)
	var wg sync.WaitGroup
	for th := 0; th < nthread; th++ {
		wg.Add(1)
		go func(th int) {
			defer wg.Done()
			ino, err := env.nm.NewInode()
			if !assert.NoError(t, err) {
				return
			}
			inos[th] = ino
			env.nm.LockInode(ino)
			defer env.nm.UnlockInode(ino)
			for i := uint64(0); i < nblock; i++ {
				assert.NoError(t, writeBlock(env.nm, ino, i, byte(th*nblock)+byte(i)))
			}
		}(th)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			assert.NoError(t, env.nm.Checkpoint())
		}
	}()
	wg.Wait()
	require.NoError(t, env.nm.Unmount())

	nm, err := Mount(env.dev, env.cfg)
	require.NoError(t, err)
	env.nm = nm
	assert.Equal(t, uint64(nthread), nm.ValidInodeCount())
	for th, ino := range inos {
		for i := uint64(0); i < nblock; i++ {
			b, ok := env.read(t, ino, i)
			require.True(t, ok)
			assert.Equal(t, block(byte(th*nblock)+byte(i)), b)
		}
	}
}

func TestStopped(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	ino, err := env.nm.NewInode()
	require.NoError(t, err)
	require.NoError(t, env.nm.Unmount())
	_, err = env.nm.GetDnode(ino, 0, LookupNode)
	assert.ErrorIs(t, err, ErrStopped)
	_, err = env.nm.NewInode()
	assert.ErrorIs(t, err, ErrStopped)
}

func TestOpStats(t *testing.T) {
	env := mkEnv(t, smallConfig(), 2000)
	ino, err := env.nm.NewInode()
	require.NoError(t, err)
	env.write(t, ino, 0, 1)
	require.NoError(t, env.nm.Checkpoint())

	buf := new(bytes.Buffer)
	env.nm.WriteOpStats(buf)
	assert.Contains(t, buf.String(), "GETDNODE")
	assert.Contains(t, buf.String(), "CHECKPOINT")
	env.nm.ResetOpStats()
	buf.Reset()
	env.nm.WriteOpStats(buf)
	assert.NotContains(t, buf.String(), "GETDNODE")
}

func TestMountBadDevice(t *testing.T) {
	dev := blkdev.FromDisk(disk.NewMemDisk(2000))
	_, err := Mount(dev, smallConfig())
	assert.ErrorIs(t, err, super.ErrBadSuper)
}
