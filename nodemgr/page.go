package nodemgr

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-nodefs/cache"
	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/node"
)

// Page is a locked, referenced node page.  Put unlocks and releases
// it.
type Page struct {
	node.Node
	nm   *NodeManager
	slot *cache.Cslot
	nid  common.Nid
}

func (nm *NodeManager) page(slot *cache.Cslot) *Page {
	return &Page{
		Node: node.Wrap(nm.geo, slot.Obj),
		nm:   nm,
		slot: slot,
		nid:  common.Nid(slot.Id()),
	}
}

func (p *Page) Put() {
	p.slot.Unlock()
	p.nm.pages.FreeSlot(uint64(p.nid))
}

func (p *Page) IsDirty() bool {
	return p.slot.IsDirty()
}

// MarkDirty must follow every change to a page's contents.
func (p *Page) MarkDirty() {
	p.nm.markDirty(p)
}

func (nm *NodeManager) markDirty(p *Page) {
	p.slot.MarkDirty()
	nm.touchInode(p.Ino())
}

// forget drops a freed node's page from the cache.
func (nm *NodeManager) forget(p *Page) {
	p.slot.ClearDirty()
	nid := p.nid
	p.Put()
	nm.pages.Drop(uint64(nid))
}

func (nm *NodeManager) lookupSlot(nid common.Nid) (*cache.Cslot, error) {
	slot := nm.pages.LookupSlot(uint64(nid))
	if slot == nil {
		nm.reclaimNodePages()
		slot = nm.pages.LookupSlot(uint64(nid))
	}
	if slot == nil {
		return nil, fmt.Errorf("%w: node cache full", common.ErrNoSpace)
	}
	return slot, nil
}

// reclaimNodePages writes back dirty pages that nobody holds so that
// the cache can evict them.
func (nm *NodeManager) reclaimNodePages() {
	var n int
	for _, id := range nm.pages.DirtyIds() {
		slot := nm.pages.Lookup(id)
		if slot == nil {
			continue
		}
		if slot.TryLock() {
			if slot.IsDirty() {
				if err := nm.writeNodePage(nm.page(slot), false); err != nil {
					util.DPrintf(1, "reclaimNodePages: nid %d: %v\n", id, err)
				} else {
					n++
				}
			}
			slot.Unlock()
		}
		nm.pages.FreeSlot(id)
	}
	util.DPrintf(1, "reclaimNodePages: wrote %d pages\n", n)
}

// readNodePage fills slot, which the caller holds locked, from the
// block the NAT names.
func (nm *NodeManager) readNodePage(slot *cache.Cslot) error {
	nid := common.Nid(slot.Id())
	ni := nm.nat.GetNodeInfo(nid)
	switch ni.BlkAddr {
	case common.NullAddr:
		return fmt.Errorf("%w: nid %d", common.ErrNotFound, nid)
	case common.NewAddr:
		panic(fmt.Sprintf("readNodePage: nid %d is NEW but not cached", nid))
	}
	blk, err := nm.dev.ReadBlock(ni.BlkAddr)
	if err != nil {
		return err
	}
	n := node.Wrap(nm.geo, blk)
	if n.Nid() != nid || n.Ino() != ni.Ino {
		panic(fmt.Sprintf("readNodePage: block %d holds nid %d ino %d, want %v",
			ni.BlkAddr, n.Nid(), n.Ino(), ni))
	}
	slot.Obj = blk
	return nil
}

func (nm *NodeManager) getNodePage(nid common.Nid) (*Page, error) {
	if nid == common.NULLNID {
		return nil, common.ErrNotFound
	}
	slot, err := nm.lookupSlot(nid)
	if err != nil {
		return nil, err
	}
	slot.Lock()
	if slot.Obj == nil {
		if err := nm.readNodePage(slot); err != nil {
			slot.Unlock()
			nm.pages.FreeSlot(uint64(nid))
			nm.pages.Drop(uint64(nid))
			return nil, err
		}
	}
	return nm.page(slot), nil
}

func (nm *NodeManager) getInodePage(ino common.Nid) (*Page, error) {
	p, err := nm.getNodePage(ino)
	if err != nil {
		return nil, err
	}
	if !p.IsInode() {
		p.Put()
		panic(fmt.Sprintf("getInodePage: nid %d is not an inode", ino))
	}
	return p, nil
}

// GetNodePage returns node nid, read from disk if it is not cached.
// A nid with a NULL address is ErrNotFound.
func (nm *NodeManager) GetNodePage(nid common.Nid) (*Page, error) {
	defer nm.recordOp(opGetNodePage, time.Now())
	if err := nm.checkStopped(); err != nil {
		return nil, err
	}
	return nm.getNodePage(nid)
}

// NewNodePage creates node dn.Nid of inode dn.Ino at node offset ofs;
// ofs 0 is the inode itself.  The nid's NAT address becomes NEW and
// the page stays dirty until it is written.
func (nm *NodeManager) NewNodePage(dn *Dnode, ofs uint64) (*Page, error) {
	old := nm.nat.GetNodeInfo(dn.Nid)
	if !old.IsHole() {
		panic(fmt.Sprintf("NewNodePage: nid %d in use at %d", dn.Nid, old.BlkAddr))
	}
	slot, err := nm.lookupSlot(dn.Nid)
	if err != nil {
		return nil, err
	}
	slot.Lock()
	isInode := ofs == 0
	if !nm.incValidNodeCount(dn.InodePage, isInode) {
		slot.Unlock()
		nm.pages.FreeSlot(uint64(dn.Nid))
		return nil, common.ErrNoSpace
	}
	slot.Obj = zeroBlock()
	p := nm.page(slot)
	p.FillFooter(dn.Nid, dn.Ino, ofs)

	ni := old
	ni.Ino = dn.Ino
	nm.nat.SetNodeAddr(ni, common.NewAddr, false)
	nm.markDirty(p)
	if isInode {
		nm.incValidInodeCount()
	}
	util.DPrintf(5, "NewNodePage: nid %d ino %d ofs %d\n", dn.Nid, dn.Ino, ofs)
	return p, nil
}

// ReadaheadNodePage loads nid into the cache if it is on disk and
// there is room.  Failures are only logged.
func (nm *NodeManager) ReadaheadNodePage(nid common.Nid) {
	if nid == common.NULLNID {
		return
	}
	if slot := nm.pages.Lookup(uint64(nid)); slot != nil {
		nm.pages.FreeSlot(uint64(nid))
		return
	}
	ni := nm.nat.GetNodeInfo(nid)
	if !common.IsValidAddr(ni.BlkAddr) {
		return
	}
	slot := nm.pages.LookupSlot(uint64(nid))
	if slot == nil {
		return
	}
	slot.Lock()
	var err error
	if slot.Obj == nil {
		err = nm.readNodePage(slot)
	}
	slot.Unlock()
	nm.pages.FreeSlot(uint64(nid))
	if err != nil {
		util.DPrintf(1, "ReadaheadNodePage: nid %d: %v\n", nid, err)
		nm.pages.Drop(uint64(nid))
	}
}

// getNodePageRA returns child start of parent and reads the siblings
// after it in parallel.
func (nm *NodeManager) getNodePageRA(parent *Page, start uint64) (*Page, error) {
	nid := parent.GetNid(start, false)
	if nid == common.NULLNID {
		return nil, common.ErrNotFound
	}
	end := start + 1 + nm.cfg.RaNodePages
	if end > nm.geo.NidsPerBlock {
		end = nm.geo.NidsPerBlock
	}
	var g errgroup.Group
	for i := start + 1; i < end; i++ {
		sib := parent.GetNid(i, false)
		if sib == common.NULLNID {
			continue
		}
		g.Go(func() error {
			nm.ReadaheadNodePage(sib)
			return nil
		})
	}
	p, err := nm.getNodePage(nid)
	g.Wait()
	return p, err
}

// writeNodePage writes p to a fresh block.  A node whose NAT address
// is NULL was truncated and is only cleaned.
func (nm *NodeManager) writeNodePage(p *Page, fsync bool) error {
	ni := nm.nat.GetNodeInfo(p.nid)
	if ni.IsHole() {
		p.slot.ClearDirty()
		return nil
	}
	nm.nodeWrite.Lock()
	defer nm.nodeWrite.Unlock()

	addr, err := nm.seg.AllocateBlock(p.nid)
	if err != nil {
		return err
	}
	p.SetCpVer(nm.CheckpointVersion())
	p.SetFsyncMark(fsync)
	p.SetDentryMark(fsync && p.IsInode() && nm.nat.NeedDentryMark(p.nid))
	p.slot.SetWriteback(true)
	err = nm.dev.WriteBlock(addr, p.Data)
	p.slot.SetWriteback(false)
	if err != nil {
		nm.seg.Release(addr)
		return err
	}
	nm.seg.InvalidateBlock(ni.BlkAddr)
	nm.nat.SetNodeAddr(ni, addr, fsync && p.IsDnode())
	p.slot.ClearDirty()
	util.DPrintf(5, "writeNodePage: nid %d %d -> %d\n", p.nid, ni.BlkAddr, addr)
	return nil
}

// WriteNodePage writes a held page to a fresh block and points the
// NAT at it.  fsync marks it the last node of an fsync.
func (nm *NodeManager) WriteNodePage(p *Page, fsync bool) error {
	defer nm.recordOp(opWriteNodePage, time.Now())
	if err := nm.checkStopped(); err != nil {
		return err
	}
	return nm.writeNodePage(p, fsync)
}

func (nm *NodeManager) syncNodePages() (uint64, error) {
	var n uint64
	for _, id := range nm.pages.DirtyIds() {
		slot := nm.pages.Lookup(id)
		if slot == nil {
			continue
		}
		slot.Lock()
		var err error
		if slot.IsDirty() {
			err = nm.writeNodePage(nm.page(slot), false)
			n++
		}
		slot.Unlock()
		nm.pages.FreeSlot(id)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// SyncNodePages writes every dirty node page.  The caller must not
// hold any page.
func (nm *NodeManager) SyncNodePages() error {
	defer nm.recordOp(opSyncNodePages, time.Now())
	if err := nm.checkStopped(); err != nil {
		return err
	}
	nm.cpLock.RLock()
	defer nm.cpLock.RUnlock()
	n, err := nm.syncNodePages()
	util.DPrintf(1, "SyncNodePages: %d pages\n", n)
	return err
}

// fsyncNodePages writes the dirty node pages of ino one at a time,
// the inode last, and puts the fsync mark on the final one.
func (nm *NodeManager) fsyncNodePages(ino common.Nid) error {
	var nids []common.Nid
	inodeDirty := false
	for _, id := range nm.pages.DirtyIds() {
		slot := nm.pages.Lookup(id)
		if slot == nil {
			continue
		}
		slot.Lock()
		p := nm.page(slot)
		if p.IsDirty() && p.Ino() == ino {
			if p.nid == ino {
				inodeDirty = true
			} else {
				nids = append(nids, p.nid)
			}
		}
		p.Put()
	}
	if inodeDirty || nm.nat.NeedInodeBlockUpdate(ino) {
		nids = append(nids, ino)
	}
	for i, nid := range nids {
		p, err := nm.getNodePage(nid)
		if err != nil {
			// truncated meanwhile
			util.DPrintf(1, "fsyncNodePages: nid %d: %v\n", nid, err)
			continue
		}
		err = nm.writeNodePage(p, i == len(nids)-1)
		p.Put()
		if err != nil {
			return err
		}
	}
	util.DPrintf(1, "fsyncNodePages: ino %d wrote %d pages\n", ino, len(nids))
	return nil
}

// FsyncInode makes every change to ino durable: its node pages are
// written with the fsync mark on the last one, then a checkpoint
// commits them.  An inode unchanged since the last checkpoint needs
// no I/O.  The caller must not hold any page or dnode.
func (nm *NodeManager) FsyncInode(ino common.Nid) error {
	defer nm.recordOp(opFsyncInode, time.Now())
	if err := nm.checkStopped(); err != nil {
		return err
	}
	if !nm.inodeChanged(ino) && nm.nat.IsCheckpointedNode(ino) {
		return nil
	}
	nm.cpLock.RLock()
	err := nm.fsyncNodePages(ino)
	nm.cpLock.RUnlock()
	if err != nil {
		return err
	}
	return nm.Checkpoint()
}
