package nodemgr

import (
	"errors"
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/node"
)

//
// Truncation of a node tree from file block "from" to the end.  Nodes
// are freed bottom-up and a parent slot is cleared only after its
// subtree is gone, so a truncation stopped half way leaves a valid
// tree.  Running it again from the same block skips the cleared slots
// and finishes the job; the inode header's trunc_from records that
// block across calls and mounts.
//

var errBudget = errors.New("truncate budget spent")

type truncater struct {
	nm    *NodeManager
	ipage *Page
	ino   common.Nid
	left  uint64 // node frees allowed
	freed uint64
}

func (nm *NodeManager) mkTruncater(ipage *Page, limit uint64) *truncater {
	if limit == 0 {
		limit = ^uint64(0)
	}
	return &truncater{nm: nm, ipage: ipage, ino: ipage.nid, left: limit}
}

func (t *truncater) spend() error {
	if t.left == 0 {
		return errBudget
	}
	return nil
}

// truncateNode frees the node in p and releases p.
func (t *truncater) truncateNode(p *Page) {
	nid := p.nid
	ni := t.nm.nat.GetNodeInfo(nid)
	if ni.IsHole() {
		panic(fmt.Sprintf("truncateNode: nid %d already free", nid))
	}
	t.nm.seg.InvalidateBlock(ni.BlkAddr)
	t.nm.decValidNodeCount(t.ipage, nid == t.ino)
	t.nm.nat.SetNodeAddr(ni, common.NullAddr, false)
	if nid == t.ino {
		t.nm.decValidInodeCount()
	}
	t.left--
	t.freed++
	util.DPrintf(5, "truncateNode: ino %d nid %d at %d\n", t.ino, nid, ni.BlkAddr)
	if p != t.ipage {
		t.nm.forget(p)
	}
}

// truncateDnode frees a direct node and its data; it counts as one
// node offset whether or not nid exists.
func (t *truncater) truncateDnode(nid common.Nid) (uint64, error) {
	if nid == common.NULLNID {
		return 1, nil
	}
	if err := t.spend(); err != nil {
		return 0, err
	}
	p, err := t.nm.getNodePage(nid)
	if errors.Is(err, common.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	t.nm.truncateDataBlocksRange(t.ipage, p, 0, p.NumAddrs())
	t.truncateNode(p)
	return 1, nil
}

// truncateNodes frees the children of indirect node nid from slot ofs
// on, then nid itself if ofs is 0.  It returns the number of node
// offsets covered; NidsPerBlock+1 means the whole subtree is gone.
func (t *truncater) truncateNodes(nid common.Nid, nofs uint64, ofs uint64, depth int) (uint64, error) {
	n := t.nm.geo.NidsPerBlock
	if nid == common.NULLNID {
		return n + 1, nil
	}
	p, err := t.nm.getNodePage(nid)
	if err != nil {
		return 0, err
	}
	var freed uint64
	if depth < 3 {
		for i := ofs; i < n; i, freed = i+1, freed+1 {
			child := p.GetNid(i, false)
			if child == common.NULLNID {
				continue
			}
			if _, err := t.truncateDnode(child); err != nil {
				p.Put()
				return 0, err
			}
			p.SetNid(i, false, common.NULLNID)
			t.nm.markDirty(p)
		}
	} else {
		childNofs := nofs + ofs*(n+1) + 1
		for i := ofs; i < n; i++ {
			child := p.GetNid(i, false)
			if child == common.NULLNID {
				childNofs += n + 1
				continue
			}
			ret, err := t.truncateNodes(child, childNofs, 0, depth-1)
			if err == nil && ret == n+1 {
				p.SetNid(i, false, common.NULLNID)
				t.nm.markDirty(p)
				childNofs += ret
			} else if err != nil && !errors.Is(err, common.ErrNotFound) {
				p.Put()
				return 0, err
			}
		}
		freed = childNofs
	}
	if ofs != 0 {
		p.Put()
		return freed, nil
	}
	if err := t.spend(); err != nil {
		p.Put()
		return 0, err
	}
	t.truncateNode(p)
	return freed + 1, nil
}

// truncatePartialNodes frees the direct nodes after offset[depth-1]
// under the indirect node on path offset, and that node too when
// offset[depth-1] is 0.  On success offset moves to the next subtree.
func (t *truncater) truncatePartialNodes(offset *[4]uint64, depth int) error {
	n := t.nm.geo.NidsPerBlock
	idx := depth - 2
	var nids [3]common.Nid
	var pages [2]*Page

	nids[0] = t.ipage.GetNid(offset[0], true)
	if nids[0] == common.NULLNID {
		return nil
	}
	held := 0
	release := func() {
		for i := held - 1; i >= 0; i-- {
			pages[i].Put()
		}
	}
	for i := 0; i < depth-1; i++ {
		p, err := t.nm.getNodePage(nids[i])
		if err != nil {
			release()
			return err
		}
		pages[i] = p
		held = i + 1
		nids[i+1] = p.GetNid(offset[i+1], false)
	}
	for i := offset[depth-1]; i < n; i++ {
		child := pages[idx].GetNid(i, false)
		if child == common.NULLNID {
			continue
		}
		if _, err := t.truncateDnode(child); err != nil {
			release()
			return err
		}
		pages[idx].SetNid(i, false, common.NULLNID)
		t.nm.markDirty(pages[idx])
	}
	if offset[depth-1] == 0 {
		if err := t.spend(); err != nil {
			release()
			return err
		}
		held--
		t.truncateNode(pages[idx])
	}
	release()
	offset[idx]++
	offset[depth-1] = 0
	return nil
}

// truncateInodeBlocks frees every node covering blocks from "from"
// on; from is the first block of a direct node.
func (t *truncater) truncateInodeBlocks(from uint64) error {
	g := t.nm.geo
	if from < g.AddrsPerInode {
		from = g.AddrsPerInode
	}
	if from >= g.MaxBlocks() {
		return nil
	}
	path := g.Resolve(from)
	offset := path.Offset
	level := path.Level
	n := g.NidsPerBlock

	var nofs uint64
	switch level {
	case 1:
		nofs = path.NOffset[1]
	case 2:
		nofs = path.NOffset[1]
		if offset[level-1] != 0 {
			err := t.truncatePartialNodes(&offset, level)
			if err != nil && !errors.Is(err, common.ErrNotFound) {
				return err
			}
			nofs += 1 + n
		}
	case 3:
		nofs = 5 + 2*n
		if offset[level-1] != 0 {
			err := t.truncatePartialNodes(&offset, level)
			if err != nil && !errors.Is(err, common.ErrNotFound) {
				return err
			}
		}
	default:
		panic(fmt.Sprintf("truncateInodeBlocks: level %d", level))
	}

	for cont := true; cont; {
		nid := t.ipage.GetNid(offset[0], true)
		var freed uint64
		var err error
		switch offset[0] {
		case g.NodeDir1Block(), g.NodeDir2Block():
			freed, err = t.truncateDnode(nid)
		case g.NodeInd1Block(), g.NodeInd2Block():
			freed, err = t.truncateNodes(nid, nofs, offset[1], 2)
		case g.NodeDindBlock():
			freed, err = t.truncateNodes(nid, nofs, offset[1], 3)
			cont = false
		default:
			panic(fmt.Sprintf("truncateInodeBlocks: slot %d", offset[0]))
		}
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if offset[1] == 0 && t.ipage.GetNid(offset[0], true) != common.NULLNID {
			t.ipage.SetNid(offset[0], true, common.NULLNID)
			t.nm.markDirty(t.ipage)
		}
		offset[1] = 0
		offset[0]++
		nofs += freed
	}
	return nil
}

// truncateInode frees the data blocks from block from on, within the
// node holding from, then the nodes after it.  It returns true if the
// budget ran out first.
func (nm *NodeManager) truncateInode(ipage *Page, from uint64, limit uint64) (bool, error) {
	t := nm.mkTruncater(ipage, limit)
	freeFrom := from
	if from < nm.geo.MaxBlocks() {
		dn, err := nm.getDnode(ipage, ipage.nid, from, LookupNode)
		if err == nil {
			if dn.OfsInNode != 0 || dn.NodePage.IsInode() {
				count := dn.NodePage.NumAddrs() - dn.OfsInNode
				nm.truncateDataBlocksRange(ipage, dn.NodePage, dn.OfsInNode, count)
				freeFrom += count
			}
			dn.Put()
		} else if !errors.Is(err, common.ErrNotFound) {
			return false, err
		}
	}
	err := t.truncateInodeBlocks(freeFrom)
	util.DPrintf(1, "truncateInode: ino %d from %d freed %d nodes, err %v\n",
		ipage.nid, from, t.freed, err)
	if errors.Is(err, errBudget) {
		return true, nil
	}
	return false, err
}

// TruncateInodeBlocks frees ino's blocks and nodes from file block
// from on.  At most limit nodes are freed (0 means no limit); if more
// remain it returns true, and calling it again with the same from
// continues.
func (nm *NodeManager) TruncateInodeBlocks(ino common.Nid, from uint64, limit uint64) (bool, error) {
	defer nm.recordOp(opTruncate, time.Now())
	if err := nm.checkStopped(); err != nil {
		return false, err
	}
	nm.cpLock.RLock()
	defer nm.cpLock.RUnlock()
	ipage, err := nm.getInodePage(ino)
	if err != nil {
		return false, err
	}
	defer ipage.Put()
	return nm.truncateInode(ipage, from, limit)
}

func setTruncFrom(nm *NodeManager, ipage *Page, from uint64) {
	h := ipage.Header()
	h.TruncFrom = from
	ipage.SetHeader(h)
	nm.markDirty(ipage)
}

// SetTruncate records that ino is being cut to size blocks.  An
// earlier, smaller pending truncation is kept.
func (nm *NodeManager) SetTruncate(ino common.Nid, size uint64) error {
	if err := nm.checkStopped(); err != nil {
		return err
	}
	nm.cpLock.RLock()
	defer nm.cpLock.RUnlock()
	ipage, err := nm.getInodePage(ino)
	if err != nil {
		return err
	}
	defer ipage.Put()
	h := ipage.Header()
	if size < h.TruncFrom {
		h.TruncFrom = size
	}
	if size < h.Size {
		h.Size = size
	}
	ipage.SetHeader(h)
	nm.markDirty(ipage)
	return nil
}

// ResumeTruncate continues the pending truncation of ino, freeing at
// most limit nodes.  It returns true while nodes remain.  A removed
// inode has nothing left to truncate.
func (nm *NodeManager) ResumeTruncate(ino common.Nid, limit uint64) (bool, error) {
	defer nm.recordOp(opTruncate, time.Now())
	if err := nm.checkStopped(); err != nil {
		return false, err
	}
	nm.cpLock.RLock()
	defer nm.cpLock.RUnlock()
	ipage, err := nm.getNodePage(ino)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer ipage.Put()
	from := ipage.Header().TruncFrom
	if from == node.NoTrunc {
		return false, nil
	}
	more, err := nm.truncateInode(ipage, from, limit)
	if err != nil || more {
		return more, err
	}
	setTruncFrom(nm, ipage, node.NoTrunc)
	return false, nil
}

// finishTruncate completes a pending truncation that would otherwise
// free block index once it is allocated again.
func (nm *NodeManager) finishTruncate(ipage *Page, index uint64) error {
	from := ipage.Header().TruncFrom
	if from == node.NoTrunc || index < from {
		return nil
	}
	if _, err := nm.truncateInode(ipage, from, 0); err != nil {
		return err
	}
	setTruncFrom(nm, ipage, node.NoTrunc)
	return nil
}

// Truncate cuts ino to size blocks.  Small trees are freed before it
// returns; the rest of a large one is freed by a shrinker goroutine.
// The caller holds the inode lock, which the shrinker takes per batch.
func (nm *NodeManager) Truncate(ino common.Nid, size uint64) error {
	if err := nm.SetTruncate(ino, size); err != nil {
		return err
	}
	more, err := nm.ResumeTruncate(ino, nm.shrinkLimit)
	if err != nil {
		return err
	}
	if more {
		nm.shrinker.StartShrinker(ino)
	}
	return nil
}

// WaitShrinkers returns once no shrinker goroutine is running.
func (nm *NodeManager) WaitShrinkers() {
	nm.shrinker.Shutdown()
}
