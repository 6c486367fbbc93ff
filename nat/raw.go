package nat

import (
	"fmt"

	"github.com/tchajed/goose/machine"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/super"
)

type NodeInfo struct {
	Nid     common.Nid
	Ino     common.Nid // owning inode
	BlkAddr common.Block
	Version uint8
}

// IsHole reports a node that was never written or has been freed.
func (ni NodeInfo) IsHole() bool {
	return ni.BlkAddr == common.NullAddr
}

func (ni NodeInfo) String() string {
	return fmt.Sprintf("nid %d ino %d addr %#x ver %d", ni.Nid, ni.Ino, ni.BlkAddr, ni.Version)
}

// RawEntry is the on-disk form of a NAT entry, in a NAT block or in
// the journal.
type RawEntry struct {
	Version uint8
	Ino     common.Nid
	BlkAddr uint32
}

func (r RawEntry) info(nid common.Nid) NodeInfo {
	return NodeInfo{Nid: nid, Ino: r.Ino, BlkAddr: common.Block(r.BlkAddr), Version: r.Version}
}

func rawFromInfo(ni NodeInfo) RawEntry {
	return RawEntry{Version: ni.Version, Ino: ni.Ino, BlkAddr: uint32(ni.BlkAddr)}
}

func getRaw(b []byte) RawEntry {
	return RawEntry{
		Version: b[0],
		Ino:     machine.UInt32Get(b[1:5]),
		BlkAddr: machine.UInt32Get(b[5:9]),
	}
}

func putRaw(b []byte, r RawEntry) {
	b[0] = r.Version
	machine.UInt32Put(b[1:5], r.Ino)
	machine.UInt32Put(b[5:9], r.BlkAddr)
}

// EntryAt reads slot i of a NAT block.
func EntryAt(blk disk.Block, i uint64) RawEntry {
	if i >= super.NatEntryPerBlock {
		panic("EntryAt")
	}
	off := i * super.NatEntrySize
	return getRaw(blk[off : off+super.NatEntrySize])
}

func SetEntryAt(blk disk.Block, i uint64, r RawEntry) {
	if i >= super.NatEntryPerBlock {
		panic("SetEntryAt")
	}
	off := i * super.NatEntrySize
	putRaw(blk[off:off+super.NatEntrySize], r)
}

// The NAT bitmap has one bit per logical NAT block; a set bit selects
// the second copy of the block.  Bits are numbered from the most
// significant bit of each byte.

func testBit(bm []byte, nr uint64) bool {
	return bm[nr/8]&(0x80>>(nr%8)) != 0
}

func flipBit(bm []byte, nr uint64) {
	bm[nr/8] ^= 0x80 >> (nr % 8)
}
