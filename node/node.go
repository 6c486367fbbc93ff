// Package node interprets node blocks in place.
//
// A node block is a payload followed by a footer:
//
//	inode:    [ header | AddrsPerInode addrs | 5 nids | ... | footer ]
//	direct:   [ AddrsPerBlock addrs                    | ... | footer ]
//	indirect: [ NidsPerBlock nids                      | ... | footer ]
//
// Addresses and nids are stored as 32-bit little-endian words.
package node

import (
	"fmt"

	"github.com/tchajed/goose/machine"
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/nodepath"
	"github.com/mit-pdos/go-nodefs/super"
)

const (
	footerOff = super.NodePayloadSize

	coldBit   uint32 = 1 << 0
	fsyncBit  uint32 = 1 << 1
	dentryBit uint32 = 1 << 2
	ofsShift         = 3
)

type Footer struct {
	Nid    common.Nid
	Ino    common.Nid
	Ofs    uint64 // node offset in the file's node numbering
	Cold   bool
	Fsync  bool
	Dentry bool
	CpVer  uint64
}

func (f Footer) flag() uint32 {
	fl := uint32(f.Ofs) << ofsShift
	if f.Cold {
		fl |= coldBit
	}
	if f.Fsync {
		fl |= fsyncBit
	}
	if f.Dentry {
		fl |= dentryBit
	}
	return fl
}

type InodeHeader struct {
	Blocks    uint64 // valid data blocks
	Size      uint64 // file size in blocks
	TruncFrom uint64 // first block of a pending truncation
}

// NoTrunc in TruncFrom means no truncation is pending.
const NoTrunc uint64 = ^uint64(0)

type Node struct {
	Data disk.Block
	g    nodepath.Geometry
}

func Wrap(g nodepath.Geometry, b disk.Block) Node {
	if uint64(len(b)) != disk.BlockSize {
		panic("node.Wrap")
	}
	return Node{Data: b, g: g}
}

// Blank returns a zeroed node block.
func Blank(g nodepath.Geometry) Node {
	return Wrap(g, make(disk.Block, disk.BlockSize))
}

func (n Node) Footer() Footer {
	dec := marshal.NewDec(n.Data[footerOff:])
	f := Footer{}
	f.Nid = dec.GetInt32()
	f.Ino = dec.GetInt32()
	fl := dec.GetInt32()
	dec.GetInt32()
	f.CpVer = dec.GetInt()
	f.Ofs = uint64(fl >> ofsShift)
	f.Cold = fl&coldBit != 0
	f.Fsync = fl&fsyncBit != 0
	f.Dentry = fl&dentryBit != 0
	return f
}

func (n Node) SetFooter(f Footer) {
	enc := marshal.NewEnc(super.NodeFooterSize)
	enc.PutInt32(f.Nid)
	enc.PutInt32(f.Ino)
	enc.PutInt32(f.flag())
	enc.PutInt32(0)
	enc.PutInt(f.CpVer)
	copy(n.Data[footerOff:], enc.Finish())
}

// FillFooter stamps a fresh node's identity.
func (n Node) FillFooter(nid, ino common.Nid, ofs uint64) {
	n.SetFooter(Footer{Nid: nid, Ino: ino, Ofs: ofs, Cold: nid != ino})
}

func (n Node) Nid() common.Nid    { return n.Footer().Nid }
func (n Node) Ino() common.Nid    { return n.Footer().Ino }
func (n Node) Ofs() uint64        { return n.Footer().Ofs }
func (n Node) IsInode() bool      { return n.Footer().Nid == n.Footer().Ino }
func (n Node) IsFsyncMark() bool  { return n.Footer().Fsync }
func (n Node) IsDentryMark() bool { return n.Footer().Dentry }

func (n Node) SetFsyncMark(mark bool) {
	f := n.Footer()
	f.Fsync = mark
	n.SetFooter(f)
}

func (n Node) SetDentryMark(mark bool) {
	f := n.Footer()
	f.Dentry = mark
	n.SetFooter(f)
}

func (n Node) SetCpVer(v uint64) {
	f := n.Footer()
	f.CpVer = v
	n.SetFooter(f)
}

// IsDnode reports whether a node holds data addresses rather than
// child nids.  The inode counts as a direct node.
func (n Node) IsDnode() bool {
	ofs := n.Ofs()
	if ofs == 0 {
		return true
	}
	_, ok := n.g.StartOfNode(ofs)
	return ok
}

func (n Node) Header() InodeHeader {
	dec := marshal.NewDec(n.Data[:super.InodeHeaderSize])
	return InodeHeader{
		Blocks:    dec.GetInt(),
		Size:      dec.GetInt(),
		TruncFrom: dec.GetInt(),
	}
}

func (n Node) SetHeader(h InodeHeader) {
	enc := marshal.NewEnc(super.InodeHeaderSize)
	enc.PutInt(h.Blocks)
	enc.PutInt(h.Size)
	enc.PutInt(h.TruncFrom)
	copy(n.Data[:super.InodeHeaderSize], enc.Finish())
}

// NumAddrs is the number of data slots in this node.
func (n Node) NumAddrs() uint64 {
	if n.IsInode() {
		return n.g.AddrsPerInode
	}
	return n.g.AddrsPerBlock
}

func (n Node) addrOff(ofs uint64) uint64 {
	if ofs >= n.NumAddrs() {
		panic(fmt.Sprintf("node.addrOff: %d of %d", ofs, n.NumAddrs()))
	}
	if n.IsInode() {
		return super.InodeHeaderSize + ofs*4
	}
	return ofs * 4
}

func (n Node) Addr(ofs uint64) common.Block {
	off := n.addrOff(ofs)
	return common.Block(machine.UInt32Get(n.Data[off : off+4]))
}

func (n Node) SetAddr(ofs uint64, a common.Block) {
	if a > common.NewAddr {
		panic(fmt.Sprintf("node.SetAddr: %d", a))
	}
	off := n.addrOff(ofs)
	machine.UInt32Put(n.Data[off:off+4], uint32(a))
}

func (n Node) nidOff(off uint64, isInode bool) uint64 {
	if isInode {
		slot := n.g.InodeNidSlot(off)
		return super.InodeHeaderSize + (n.g.AddrsPerInode+slot)*4
	}
	if off >= n.g.NidsPerBlock {
		panic(fmt.Sprintf("node.nidOff: %d", off))
	}
	return off * 4
}

// GetNid reads child slot off.  For an inode off is a path's
// Offset[0] (NodeDir1Block..NodeDindBlock), otherwise an index into
// an indirect node's nids.
func (n Node) GetNid(off uint64, isInode bool) common.Nid {
	o := n.nidOff(off, isInode)
	return machine.UInt32Get(n.Data[o : o+4])
}

func (n Node) SetNid(off uint64, isInode bool, nid common.Nid) {
	o := n.nidOff(off, isInode)
	machine.UInt32Put(n.Data[o:o+4], nid)
}

// CountAddrs returns the number of non-NULL data slots.
func (n Node) CountAddrs() uint64 {
	var cnt uint64
	for i := uint64(0); i < n.NumAddrs(); i++ {
		if n.Addr(i) != common.NullAddr {
			cnt++
		}
	}
	return cnt
}
