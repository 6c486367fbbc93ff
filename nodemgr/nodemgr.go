// Package nodemgr manages the node trees of a log-structured file
// system: it reads, allocates and writes node pages, walks an inode's
// tree to the direct node covering a file block, truncates trees and
// runs checkpoints.
package nodemgr

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mit-pdos/go-journal/lockmap"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/bcache"
	"github.com/mit-pdos/go-nodefs/blkdev"
	"github.com/mit-pdos/go-nodefs/cache"
	"github.com/mit-pdos/go-nodefs/checkpoint"
	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/freenid"
	"github.com/mit-pdos/go-nodefs/nat"
	"github.com/mit-pdos/go-nodefs/nodepath"
	"github.com/mit-pdos/go-nodefs/segment"
	"github.com/mit-pdos/go-nodefs/shrinker"
	"github.com/mit-pdos/go-nodefs/super"
	"github.com/mit-pdos/go-nodefs/util/stats"
)

// ErrStopped is returned by every operation after a failed checkpoint
// or after Unmount.
var ErrStopped = errors.New("node manager stopped")

// Node frees done inline by Truncate before it hands the rest of the
// tree to a shrinker.
const ShrinkLimit uint64 = 64

type NodeManager struct {
	fs  *super.FsSuper
	cfg *super.Config
	dev blkdev.Device
	geo nodepath.Geometry

	meta  *bcache.Bcache
	pages *cache.Cache
	nat   *nat.Cache
	free  *freenid.Pool
	seg   *segment.Allocator

	cpLock    *sync.RWMutex // operations share, Checkpoint excludes
	nodeWrite *sync.Mutex
	locks     *lockmap.LockMap
	shrinker  *shrinker.ShrinkerSt

	shrinkLimit uint64

	mu          *sync.Mutex // protects the fields below
	validNodes  uint64
	validInodes uint64
	validBlocks uint64
	cpVersion   uint64
	dirtyInodes map[common.Nid]bool // changed since the last checkpoint
	stopped     error

	ops [numOps]stats.Op
}

func zeroBlock() disk.Block {
	return make(disk.Block, disk.BlockSize)
}

// Mkfs formats d: zeroed NAT blocks, an empty checkpoint of version 1
// and the superblock.
func Mkfs(d blkdev.Device, cfg *super.Config) error {
	fs, err := super.MkFsSuper(d.Size(), cfg)
	if err != nil {
		return err
	}
	util.DPrintf(1, "Mkfs: %d blocks, nat at %d, main at %d, max nid %d\n",
		fs.Size, fs.NatStart(), fs.MainStart(), fs.MaxNid())
	for off := uint64(0); off < fs.NatBlocks(); off++ {
		if err := d.WriteBlock(fs.NatAddr(off, false), zeroBlock()); err != nil {
			return err
		}
	}
	// a stale pack from an earlier format must not win
	for pack := uint64(0); pack < 2; pack++ {
		start := fs.CpPackStart(pack)
		if err := d.WriteBlock(start, zeroBlock()); err != nil {
			return err
		}
		if err := d.WriteBlock(start+fs.CpPackBlocks()-1, zeroBlock()); err != nil {
			return err
		}
	}
	cp := &checkpoint.Checkpoint{
		Version:     1,
		NextFreeNid: 0,
		NatBitmap:   make([]byte, fs.NatBitmapBytes()),
		Journal:     nat.MkJournal(fs.NatJournalEntries).Encode(),
		BlockBitmap: segment.InitBitmap(fs),
	}
	if err := checkpoint.Write(d, fs, cp); err != nil {
		return err
	}
	if err := super.WriteSuper(d, fs); err != nil {
		return err
	}
	return d.Barrier()
}

// Mount starts from the newest valid checkpoint on d.  Format
// parameters come from the superblock; cfg supplies the runtime ones.
func Mount(d blkdev.Device, cfg *super.Config) (*NodeManager, error) {
	fs, err := super.ReadSuper(d)
	if err != nil {
		return nil, err
	}
	cp, err := checkpoint.Read(d, fs)
	if err != nil {
		return nil, err
	}
	if uint64(len(cp.NatBitmap)) != fs.NatBitmapBytes() {
		return nil, fmt.Errorf("%w: nat bitmap of %d bytes, want %d",
			checkpoint.ErrNoCheckpoint, len(cp.NatBitmap), fs.NatBitmapBytes())
	}
	budget := cfg.Budget()
	meta := bcache.MkBcache(d, cfg.MetaCacheSize)
	j := nat.DecodeJournal(cp.Journal, fs.NatJournalEntries)
	nm := &NodeManager{
		fs:          fs,
		cfg:         cfg,
		dev:         d,
		geo:         fs.Geometry,
		meta:        meta,
		pages:       cache.MkCache(cfg.NodeCacheSize),
		nat:         nat.MkCache(fs, meta, j, cp.NatBitmap, budget),
		seg:         segment.MkAllocator(fs, cp.BlockBitmap),
		cpLock:      new(sync.RWMutex),
		nodeWrite:   new(sync.Mutex),
		locks:       lockmap.MkLockMap(),
		mu:          new(sync.Mutex),
		validNodes:  cp.ValidNodes,
		validInodes: cp.ValidInodes,
		validBlocks: cp.ValidBlocks,
		cpVersion:   cp.Version,
		dirtyInodes: make(map[common.Nid]bool),
	}
	nm.free = freenid.MkPool(fs, nm.nat, nm, budget, cfg.FreeNidPages)
	nm.free.SetNextScanNid(cp.NextFreeNid)
	nm.nat.SetFreeSink(nm.free)
	nm.shrinker = shrinker.MkShrinkerSt(nm)
	nm.shrinkLimit = ShrinkLimit
	util.DPrintf(1, "Mount: checkpoint %d, %d nodes, %d inodes, %d blocks\n",
		cp.Version, cp.ValidNodes, cp.ValidInodes, cp.ValidBlocks)
	return nm, nil
}

// Unmount waits for background truncations, checkpoints and stops the
// manager.
func (nm *NodeManager) Unmount() error {
	nm.shrinker.Shutdown()
	err := nm.Checkpoint()
	nm.stop(ErrStopped)
	return err
}

// Crash stops the manager without a checkpoint, as if power were
// lost.  The device holds the last committed checkpoint.
func (nm *NodeManager) Crash() {
	nm.shrinker.Crash()
	nm.stop(ErrStopped)
}

func (nm *NodeManager) stop(err error) {
	nm.mu.Lock()
	if nm.stopped == nil {
		nm.stopped = err
	}
	nm.mu.Unlock()
}

func (nm *NodeManager) checkStopped() error {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.stopped
}

func (nm *NodeManager) Super() *super.FsSuper {
	return nm.fs
}

func (nm *NodeManager) Nat() *nat.Cache {
	return nm.nat
}

func (nm *NodeManager) FreeNids() *freenid.Pool {
	return nm.free
}

func (nm *NodeManager) Segments() *segment.Allocator {
	return nm.seg
}

// LockInode provides the per-file exclusion that every operation on
// one inode needs.
func (nm *NodeManager) LockInode(ino common.Nid) {
	nm.locks.Acquire(uint64(ino))
}

func (nm *NodeManager) UnlockInode(ino common.Nid) {
	nm.locks.Release(uint64(ino))
}

// LockOp must be held around the page-level calls (GetNodePage,
// NewNodePage, WriteNodePage); the other operations take it
// themselves.
func (nm *NodeManager) LockOp() {
	nm.cpLock.RLock()
}

func (nm *NodeManager) UnlockOp() {
	nm.cpLock.RUnlock()
}

//
// Valid counters
//

func (nm *NodeManager) ValidNodeCount() uint64 {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.validNodes
}

func (nm *NodeManager) ValidInodeCount() uint64 {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.validInodes
}

func (nm *NodeManager) ValidBlockCount() uint64 {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.validBlocks
}

func (nm *NodeManager) CheckpointVersion() uint64 {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.cpVersion
}

func (nm *NodeManager) incValidBlocks(nodes uint64) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if nm.validBlocks+1 > nm.fs.UserBlockCount() {
		return false
	}
	nm.validBlocks++
	nm.validNodes += nodes
	return true
}

func (nm *NodeManager) decValidBlocks(nodes uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if nm.validBlocks == 0 || nm.validNodes < nodes {
		panic("decValidBlocks")
	}
	nm.validBlocks--
	nm.validNodes -= nodes
}

// The inode's blocks counter covers its data blocks and the nodes
// below it, not the inode node itself.
func (nm *NodeManager) addInodeBlocks(ipage *Page, delta int64) {
	h := ipage.Header()
	if delta < 0 && h.Blocks < uint64(-delta) {
		panic(fmt.Sprintf("addInodeBlocks: ino %d has %d blocks, freeing %d",
			ipage.Nid(), h.Blocks, -delta))
	}
	h.Blocks = uint64(int64(h.Blocks) + delta)
	ipage.SetHeader(h)
	nm.markDirty(ipage)
}

// incValidNodeCount accounts for one new node of the inode in ipage.
func (nm *NodeManager) incValidNodeCount(ipage *Page, isInode bool) bool {
	if !nm.incValidBlocks(1) {
		return false
	}
	if !isInode {
		nm.addInodeBlocks(ipage, 1)
	}
	return true
}

func (nm *NodeManager) decValidNodeCount(ipage *Page, isInode bool) {
	nm.decValidBlocks(1)
	if !isInode {
		nm.addInodeBlocks(ipage, -1)
	}
}

func (nm *NodeManager) incValidBlockCount(ipage *Page) bool {
	if !nm.incValidBlocks(0) {
		return false
	}
	nm.addInodeBlocks(ipage, 1)
	return true
}

func (nm *NodeManager) decValidBlockCount(ipage *Page) {
	nm.decValidBlocks(0)
	nm.addInodeBlocks(ipage, -1)
}

func (nm *NodeManager) incValidInodeCount() {
	nm.mu.Lock()
	nm.validInodes++
	nm.mu.Unlock()
}

func (nm *NodeManager) decValidInodeCount() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if nm.validInodes == 0 {
		panic("decValidInodeCount")
	}
	nm.validInodes--
}

func (nm *NodeManager) touchInode(ino common.Nid) {
	nm.mu.Lock()
	nm.dirtyInodes[ino] = true
	nm.mu.Unlock()
}

func (nm *NodeManager) inodeChanged(ino common.Nid) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.dirtyInodes[ino]
}

//
// Stats
//

const (
	opGetDnode = iota
	opNewInode
	opRemoveInode
	opTruncate
	opGetNodePage
	opWriteNodePage
	opSyncNodePages
	opFsyncInode
	opCheckpoint
	numOps
)

var opNames = []string{
	"GETDNODE",
	"NEWINODE",
	"REMOVEINODE",
	"TRUNCATE",
	"GETNODEPAGE",
	"WRITENODEPAGE",
	"SYNCNODEPAGES",
	"FSYNC",
	"CHECKPOINT",
}

func (nm *NodeManager) recordOp(op int, start time.Time) {
	nm.ops[op].Record(start)
}

func (nm *NodeManager) WriteOpStats(w io.Writer) {
	stats.WriteTable(opNames, nm.ops[:], w)
}

func (nm *NodeManager) ResetOpStats() {
	for i := range nm.ops {
		nm.ops[i].Reset()
	}
}
