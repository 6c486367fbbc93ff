package nodemgr

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/nodepath"
)

type Mode int

const (
	LookupNode   Mode = iota // fail with ErrNotFound on a hole
	LookupNodeRA             // same, and read sibling dnodes ahead
	AllocNode                // create missing nodes on the way
)

// Dnode is the result of a walk: the direct node (possibly the inode)
// holding file block Index, and the slot for it.
type Dnode struct {
	Ino         common.Nid
	Index       uint64
	InodePage   *Page
	NodePage    *Page
	Nid         common.Nid
	OfsInNode   uint64
	DataBlkaddr common.Block

	nm        *NodeManager
	ownsInode bool
	ownsOp    bool
}

// Put releases the pages and lets checkpoints proceed.
func (dn *Dnode) Put() {
	if dn.NodePage != nil && dn.NodePage != dn.InodePage {
		dn.NodePage.Put()
	}
	if dn.InodePage != nil && dn.ownsInode {
		dn.InodePage.Put()
	}
	dn.NodePage = nil
	dn.InodePage = nil
	if dn.ownsOp {
		dn.ownsOp = false
		dn.nm.cpLock.RUnlock()
	}
}

// GetDnode walks ino's tree to the direct node for file block index.
// In AllocNode mode missing nodes are created, and a pending
// truncation at or below index is finished first.  The caller holds
// the inode lock and must Put the result.
func (nm *NodeManager) GetDnode(ino common.Nid, index uint64, mode Mode) (*Dnode, error) {
	defer nm.recordOp(opGetDnode, time.Now())
	if err := nm.checkStopped(); err != nil {
		return nil, err
	}
	if index >= nm.geo.MaxBlocks() {
		if mode == AllocNode {
			return nil, fmt.Errorf("%w: block %d beyond %d", common.ErrNoSpace, index, nm.geo.MaxBlocks())
		}
		return nil, fmt.Errorf("%w: block %d beyond %d", common.ErrNotFound, index, nm.geo.MaxBlocks())
	}
	nm.cpLock.RLock()
	ipage, err := nm.getInodePage(ino)
	if err != nil {
		nm.cpLock.RUnlock()
		return nil, err
	}
	if mode == AllocNode {
		if err := nm.finishTruncate(ipage, index); err != nil {
			ipage.Put()
			nm.cpLock.RUnlock()
			return nil, err
		}
	}
	dn, err := nm.getDnode(ipage, ino, index, mode)
	if err != nil {
		ipage.Put()
		nm.cpLock.RUnlock()
		return nil, err
	}
	dn.ownsInode = true
	dn.ownsOp = true
	return dn, nil
}

// getDnode walks from ipage, which the caller holds.  Each parent is
// released as soon as its child is held; on error the pages taken by
// the walk are released and ipage is not.
func (nm *NodeManager) getDnode(ipage *Page, ino common.Nid, index uint64, mode Mode) (*Dnode, error) {
	path := nm.geo.Resolve(index)
	level := path.Level
	dn := &Dnode{nm: nm, Ino: ino, Index: index, InodePage: ipage}

	var nids [4]common.Nid
	nids[0] = ino
	parent := ipage
	if level > 0 {
		nids[1] = parent.GetNid(path.Offset[0], true)
	}
	for i := 1; i <= level; i++ {
		var child *Page
		var err error
		switch {
		case nids[i] == common.NULLNID && mode == AllocNode:
			child, err = nm.allocChild(dn, parent, path, i)
		case nids[i] == common.NULLNID:
			err = fmt.Errorf("%w: ino %d block %d level %d", common.ErrNotFound, ino, index, i)
		case mode == LookupNodeRA && i == level && level > 1:
			child, err = nm.getNodePageRA(parent, path.Offset[i-1])
		default:
			child, err = nm.getNodePage(nids[i])
		}
		if parent != ipage {
			parent.Put()
		}
		if err != nil {
			dn.Put()
			return nil, err
		}
		nids[i] = child.nid
		parent = child
		if i < level {
			nids[i+1] = parent.GetNid(path.Offset[i], false)
		}
	}
	dn.Nid = nids[level]
	dn.NodePage = parent
	dn.OfsInNode = path.Offset[level]
	dn.DataBlkaddr = parent.Addr(dn.OfsInNode)
	return dn, nil
}

// allocChild creates the level-i node of path under parent.  The
// parent slot is written only once the child exists in the NAT.
func (nm *NodeManager) allocChild(dn *Dnode, parent *Page, path nodepath.Path, i int) (*Page, error) {
	nid, err := nm.free.Alloc()
	if err != nil {
		return nil, err
	}
	dn.Nid = nid
	child, err := nm.NewNodePage(dn, path.NOffset[i])
	if err != nil {
		nm.free.Fail(nid)
		return nil, err
	}
	parent.SetNid(path.Offset[i-1], i == 1, nid)
	nm.markDirty(parent)
	nm.free.Done(nid)
	util.DPrintf(5, "allocChild: ino %d level %d nid %d under %d\n", dn.Ino, i, nid, parent.nid)
	return child, nil
}

//
// Data slots
//

func (nm *NodeManager) setDataBlkaddr(dn *Dnode, addr common.Block) {
	dn.NodePage.SetAddr(dn.OfsInNode, addr)
	dn.DataBlkaddr = addr
	nm.markDirty(dn.NodePage)
}

func (nm *NodeManager) extendSize(dn *Dnode) {
	h := dn.InodePage.Header()
	if dn.Index+1 > h.Size {
		h.Size = dn.Index + 1
		dn.InodePage.SetHeader(h)
		nm.markDirty(dn.InodePage)
	}
}

// ReserveNewBlock counts a block for an empty slot without placing it;
// the slot becomes NEW.
func (nm *NodeManager) ReserveNewBlock(dn *Dnode) error {
	if dn.DataBlkaddr != common.NullAddr {
		panic(fmt.Sprintf("ReserveNewBlock: ino %d block %d already at %d",
			dn.Ino, dn.Index, dn.DataBlkaddr))
	}
	if !nm.incValidBlockCount(dn.InodePage) {
		return common.ErrNoSpace
	}
	nm.setDataBlkaddr(dn, common.NewAddr)
	nm.extendSize(dn)
	return nil
}

// WriteDataBlock writes data to a fresh block and points the slot at
// it.  The previous block is freed by the next checkpoint.
func (nm *NodeManager) WriteDataBlock(dn *Dnode, data disk.Block) error {
	if uint64(len(data)) != disk.BlockSize {
		panic("WriteDataBlock")
	}
	if dn.DataBlkaddr == common.NullAddr {
		if err := nm.ReserveNewBlock(dn); err != nil {
			return err
		}
	}
	addr, err := nm.seg.AllocateBlock(dn.Nid)
	if err != nil {
		return err
	}
	if err := nm.dev.WriteBlock(addr, data); err != nil {
		nm.seg.Release(addr)
		return err
	}
	nm.seg.InvalidateBlock(dn.DataBlkaddr)
	nm.setDataBlkaddr(dn, addr)
	return nil
}

// ReadDataBlock returns the block in dn's slot; an empty or reserved
// slot reads as zeroes.
func (nm *NodeManager) ReadDataBlock(dn *Dnode) (disk.Block, error) {
	if !common.IsValidAddr(dn.DataBlkaddr) {
		return zeroBlock(), nil
	}
	return nm.dev.ReadBlock(dn.DataBlkaddr)
}

func (nm *NodeManager) truncateDataBlocksRange(ipage *Page, p *Page, ofs uint64, count uint64) uint64 {
	if ofs+count > p.NumAddrs() {
		panic(fmt.Sprintf("truncateDataBlocksRange: %d+%d of %d", ofs, count, p.NumAddrs()))
	}
	var freed uint64
	for i := ofs; i < ofs+count; i++ {
		addr := p.Addr(i)
		if addr == common.NullAddr {
			continue
		}
		p.SetAddr(i, common.NullAddr)
		nm.seg.InvalidateBlock(addr)
		nm.decValidBlockCount(ipage)
		freed++
	}
	if freed > 0 {
		nm.markDirty(p)
	}
	return freed
}

// TruncateDataBlocksRange empties count slots of dn's node starting at
// dn.OfsInNode and returns how many held a block.
func (nm *NodeManager) TruncateDataBlocksRange(dn *Dnode, count uint64) uint64 {
	freed := nm.truncateDataBlocksRange(dn.InodePage, dn.NodePage, dn.OfsInNode, count)
	dn.DataBlkaddr = dn.NodePage.Addr(dn.OfsInNode)
	return freed
}
