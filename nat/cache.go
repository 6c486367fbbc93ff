// Package nat caches the node address table: for every nid, the
// owning inode, the block that currently holds the node and a
// version.  Lookups go to the cache, then to the journal kept in the
// checkpoint, then to the current copy of the NAT block.  Address
// changes stay dirty in the cache until a checkpoint flushes them.
package nat

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/bcache"
	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/super"
)

// EntrySize estimates the memory used by one cached entry.
const EntrySize uint64 = 64

// FreeSink takes nids freed by a flush.  Add reports false if the nid
// was not taken.
type FreeSink interface {
	Add(nid common.Nid) bool
}

type natEntry struct {
	ni              NodeInfo
	checkpointed    bool
	hasLastFsync    bool
	hasFsyncedInode bool
	dirty           bool
	elem            *list.Element // on clean list iff !dirty
}

func (e *natEntry) resetFlags() {
	e.checkpointed = true
	e.hasFsyncedInode = false
	e.hasLastFsync = true
}

type Cache struct {
	fs      *super.FsSuper
	meta    *bcache.Bcache
	journal *Journal

	mu         *sync.RWMutex // protects everything below
	entries    map[common.Nid]*natEntry
	clean      *list.List // insertion order
	dirty      *btree.BTreeG[*natEntry]
	bitmap     []byte
	maxEntries uint64

	free FreeSink
}

func MkCache(fs *super.FsSuper, meta *bcache.Bcache, j *Journal, bitmap []byte, budget uint64) *Cache {
	if uint64(len(bitmap)) < fs.NatBitmapBytes() {
		panic("MkCache: short nat bitmap")
	}
	return &Cache{
		fs:      fs,
		meta:    meta,
		journal: j,
		mu:      new(sync.RWMutex),
		entries: make(map[common.Nid]*natEntry),
		clean:   list.New(),
		dirty: btree.NewG(8, func(a, b *natEntry) bool {
			return a.ni.Nid < b.ni.Nid
		}),
		bitmap:     append([]byte(nil), bitmap...),
		maxEntries: budget / EntrySize,
	}
}

func (c *Cache) SetFreeSink(s FreeSink) {
	c.free = s
}

func (c *Cache) Journal() *Journal {
	return c.journal
}

// Bitmap returns a copy of the NAT bitmap for the checkpoint.
func (c *Cache) Bitmap() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]byte(nil), c.bitmap...)
}

func (c *Cache) Count() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.entries))
}

func (c *Cache) DirtyCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(c.dirty.Len())
}

func (c *Cache) underBudget() bool {
	return uint64(len(c.entries)) < c.maxEntries
}

// UnderBudget reports whether the cache may grow.
func (c *Cache) UnderBudget() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.underBudget()
}

func (c *Cache) grab(ni NodeInfo) *natEntry {
	e := &natEntry{ni: ni}
	e.resetFlags()
	e.elem = c.clean.PushBack(e)
	c.entries[ni.Nid] = e
	return e
}

func (c *Cache) del(e *natEntry) {
	if e.dirty {
		c.dirty.Delete(e)
	} else {
		c.clean.Remove(e.elem)
	}
	delete(c.entries, e.ni.Nid)
}

func (c *Cache) setDirty(e *natEntry) {
	if e.dirty {
		return
	}
	c.clean.Remove(e.elem)
	e.elem = nil
	e.dirty = true
	c.dirty.ReplaceOrInsert(e)
}

func (c *Cache) clearDirty(e *natEntry) {
	if !e.dirty {
		return
	}
	c.dirty.Delete(e)
	e.dirty = false
	e.elem = c.clean.PushBack(e)
}

// Lookup consults only the cache.
func (c *Cache) Lookup(nid common.Nid) (NodeInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[nid]
	if e == nil {
		return NodeInfo{}, false
	}
	return e.ni, true
}

func (c *Cache) currentNatAddr(blkOff uint64) common.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fs.NatAddr(blkOff, testBit(c.bitmap, blkOff))
}

// ReadNatBlock returns the current copy of logical NAT block blkOff.
func (c *Cache) ReadNatBlock(blkOff uint64) (disk.Block, error) {
	return c.meta.Read(c.currentNatAddr(blkOff))
}

func (c *Cache) PrefetchNatBlock(blkOff uint64) error {
	return c.meta.Prefetch(c.currentNatAddr(blkOff))
}

// cacheEntry inserts ni unless another thread cached nid first, and
// keeps the cache within budget by evicting old clean entries.
func (c *Cache) cacheEntry(ni NodeInfo) {
	c.mu.Lock()
	if c.entries[ni.Nid] == nil {
		e := c.grab(ni)
		c.shrink(e)
	}
	c.mu.Unlock()
}

// shrink evicts clean entries, oldest first, while the cache holds
// more than maxEntries.  keep stays.  Dirty entries are never evicted,
// so the cache can exceed its budget until the next flush.
func (c *Cache) shrink(keep *natEntry) {
	for uint64(len(c.entries)) > c.maxEntries && c.clean.Len() > 0 {
		e := c.clean.Front().Value.(*natEntry)
		if e == keep {
			break
		}
		c.del(e)
	}
}

// GetNodeInfo never fails: a nid that was never written has a NULL
// address.  A failure to read NAT metadata is fatal.
func (c *Cache) GetNodeInfo(nid common.Nid) NodeInfo {
	if nid >= c.fs.MaxNid() {
		panic(fmt.Sprintf("GetNodeInfo: nid %d beyond %d", nid, c.fs.MaxNid()))
	}
	c.mu.RLock()
	e := c.entries[nid]
	if e != nil {
		ni := e.ni
		c.mu.RUnlock()
		return ni
	}
	c.mu.RUnlock()

	c.journal.Lock()
	i := c.journal.lookup(nid, false)
	var ni NodeInfo
	if i >= 0 {
		ni = c.journal.entries[i].raw.info(nid)
	}
	c.journal.Unlock()

	if i < 0 {
		off := c.fs.NatBlockOffset(nid)
		blk, err := c.ReadNatBlock(off)
		if err != nil {
			panic(fmt.Sprintf("GetNodeInfo: nat block %d: %v", off, err))
		}
		ni = EntryAt(blk, uint64(nid-c.fs.StartNid(nid))).info(nid)
	}
	c.cacheEntry(ni)
	return ni
}

// LookupNode is GetNodeInfo with the hole made explicit: it returns
// false if nid has no block.
func (c *Cache) LookupNode(nid common.Nid) (NodeInfo, bool) {
	ni := c.GetNodeInfo(nid)
	if ni.IsHole() {
		return ni, false
	}
	return ni, true
}

// IsAllocated reports whether the cache knows nid to be in use or
// freed since the last checkpoint; such a nid must not be pooled by
// a scan.
func (c *Cache) IsAllocated(nid common.Nid) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[nid]
	return e != nil && (!e.checkpointed || e.ni.BlkAddr != common.NullAddr)
}

// IsCheckpointedNode reports whether the current address of nid is
// part of the last checkpoint.
func (c *Cache) IsCheckpointedNode(nid common.Nid) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[nid]
	return e == nil || e.checkpointed
}

// NeedInodeBlockUpdate reports whether fsync must write the inode
// block of ino.
func (c *Cache) NeedInodeBlockUpdate(ino common.Nid) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[ino]
	return e != nil && (!e.checkpointed || !e.hasFsyncedInode)
}

// NeedDentryMark reports whether an fsync of ino must mark its inode
// block: neither the inode nor an earlier fsync of it has reached a
// checkpoint, so recovery has to recreate its directory entry.
func (c *Cache) NeedDentryMark(ino common.Nid) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[ino]
	return e != nil && !e.checkpointed && !e.hasFsyncedInode
}

func (c *Cache) SetNodeAddr(ni NodeInfo, newAddr common.Block, fsyncDone bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[ni.Nid]
	if e == nil {
		if ni.BlkAddr == common.NewAddr {
			panic(fmt.Sprintf("SetNodeAddr: uncached %v is NEW", ni))
		}
		e = c.grab(ni)
	} else if newAddr == common.NewAddr {
		// a reused nid can find its previous life in the cache
		if ni.BlkAddr != common.NullAddr {
			panic(fmt.Sprintf("SetNodeAddr: reused %v not NULL", ni))
		}
		e.ni = ni
	}

	old := e.ni.BlkAddr
	if old != ni.BlkAddr {
		panic(fmt.Sprintf("SetNodeAddr: %v but cached addr %#x", ni, old))
	}
	if old == common.NullAddr && newAddr == common.NullAddr {
		panic(fmt.Sprintf("SetNodeAddr: %v NULL to NULL", ni))
	}
	if old == common.NewAddr && newAddr == common.NewAddr {
		panic(fmt.Sprintf("SetNodeAddr: %v NEW to NEW", ni))
	}
	if common.IsValidAddr(old) && newAddr == common.NewAddr {
		panic(fmt.Sprintf("SetNodeAddr: %v real to NEW", ni))
	}

	if old != common.NewAddr && newAddr == common.NullAddr {
		e.ni.Version++
	}
	e.ni.BlkAddr = newAddr
	if newAddr == common.NewAddr || newAddr == common.NullAddr {
		e.checkpointed = false
	}
	c.setDirty(e)
	util.DPrintf(5, "SetNodeAddr: %v\n", e.ni)

	if ni.Nid != ni.Ino {
		e = c.entries[ni.Ino]
	}
	if e != nil {
		if fsyncDone && ni.Nid == ni.Ino {
			e.hasFsyncedInode = true
		}
		e.hasLastFsync = fsyncDone
	}
}

// TryToFreeNats evicts up to n clean entries, oldest first, if the
// cache is over budget.  It returns how many of the n it could not
// evict.
func (c *Cache) TryToFreeNats(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.underBudget() {
		return 0
	}
	for n > 0 && c.clean.Len() > 0 {
		e := c.clean.Front().Value.(*natEntry)
		c.del(e)
		n--
	}
	return n
}

// OverBudget returns how many entries the cache holds beyond its
// budget.
func (c *Cache) OverBudget() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.underBudget() {
		return 0
	}
	return len(c.entries) - int(c.maxEntries)
}
