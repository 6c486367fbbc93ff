package nodemgr

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/node"
)

// NewInode allocates a nid and creates an empty inode node for it.
func (nm *NodeManager) NewInode() (common.Nid, error) {
	defer nm.recordOp(opNewInode, time.Now())
	if err := nm.checkStopped(); err != nil {
		return 0, err
	}
	nm.cpLock.RLock()
	defer nm.cpLock.RUnlock()
	ino, err := nm.free.Alloc()
	if err != nil {
		return 0, err
	}
	dn := &Dnode{nm: nm, Ino: ino, Nid: ino}
	p, err := nm.NewNodePage(dn, 0)
	if err != nil {
		nm.free.Fail(ino)
		return 0, err
	}
	p.SetHeader(node.InodeHeader{TruncFrom: node.NoTrunc})
	p.Put()
	nm.free.Done(ino)
	util.DPrintf(1, "NewInode: %d\n", ino)
	return ino, nil
}

// RemoveInodePage frees the inode node of an inode whose blocks have
// all been truncated.
func (nm *NodeManager) RemoveInodePage(ino common.Nid) error {
	defer nm.recordOp(opRemoveInode, time.Now())
	if err := nm.checkStopped(); err != nil {
		return err
	}
	nm.cpLock.RLock()
	defer nm.cpLock.RUnlock()
	ipage, err := nm.getInodePage(ino)
	if err != nil {
		return err
	}
	if h := ipage.Header(); h.Blocks != 0 {
		ipage.Put()
		panic(fmt.Sprintf("RemoveInodePage: ino %d still has %d blocks", ino, h.Blocks))
	}
	t := nm.mkTruncater(ipage, 0)
	t.truncateNode(ipage)
	nm.forget(ipage)
	util.DPrintf(1, "RemoveInodePage: %d\n", ino)
	return nil
}

func (nm *NodeManager) inodeHeader(ino common.Nid) (node.InodeHeader, error) {
	if err := nm.checkStopped(); err != nil {
		return node.InodeHeader{}, err
	}
	nm.cpLock.RLock()
	defer nm.cpLock.RUnlock()
	ipage, err := nm.getInodePage(ino)
	if err != nil {
		return node.InodeHeader{}, err
	}
	defer ipage.Put()
	return ipage.Header(), nil
}

// Blocks returns the number of data blocks and non-inode nodes that
// ino holds.
func (nm *NodeManager) Blocks(ino common.Nid) (uint64, error) {
	h, err := nm.inodeHeader(ino)
	return h.Blocks, err
}

// Size returns ino's size in blocks.
func (nm *NodeManager) Size(ino common.Nid) (uint64, error) {
	h, err := nm.inodeHeader(ino)
	return h.Size, err
}

// Truncating reports whether ino has a truncation pending.
func (nm *NodeManager) Truncating(ino common.Nid) (bool, error) {
	h, err := nm.inodeHeader(ino)
	return h.TruncFrom != node.NoTrunc, err
}
