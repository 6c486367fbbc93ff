package super

import (
	"errors"
	"fmt"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-nodefs/blkdev"
	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/nodepath"
)

//
// On-disk layout:
//
// [ super | cp pack 0 | cp pack 1 | NAT (segment pairs) | main area ]
//
// A checkpoint pack is a header block, the NAT journal block, the
// block bitmap and a copy of the header.  Each logical NAT block has
// two locations, one in each segment of its pair; the checkpoint's NAT
// bitmap says which one is current.
//

const (
	MAGIC    uint64       = 0xf2f52010
	SUPERBLK common.Block = 0
	CPSTART  common.Block = 1

	NBITBLOCK uint64 = disk.BlockSize * 8

	NatEntrySize     uint64 = 9 // version u8, ino u32, blkaddr u32
	NatEntryPerBlock uint64 = disk.BlockSize / NatEntrySize

	NatJournalEntrySize uint64 = 4 + NatEntrySize

	NodeFooterSize  uint64 = 24
	NodePayloadSize uint64 = disk.BlockSize - NodeFooterSize
	InodeHeaderSize uint64 = 24

	DefAddrsPerBlock uint64 = NodePayloadSize / 4
	DefNidsPerBlock  uint64 = NodePayloadSize / 4
	DefAddrsPerInode uint64 = (NodePayloadSize - InodeHeaderSize -
		nodepath.NidsPerInode*4) / 4
)

var ErrBadSuper = errors.New("bad superblock")

type FsSuper struct {
	Size              uint64 // in blocks
	LogBlocksPerSeg   uint64
	NatSegments       uint64 // number of NAT segment pairs
	NatJournalEntries uint64
	Geometry          nodepath.Geometry
}

func MkFsSuper(sz uint64, cfg *Config) (*FsSuper, error) {
	fs := &FsSuper{
		Size:              sz,
		LogBlocksPerSeg:   cfg.LogBlocksPerSeg,
		NatSegments:       cfg.NatSegments,
		NatJournalEntries: cfg.NatJournalEntries,
		Geometry:          cfg.Geometry(),
	}
	if err := fs.validate(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FsSuper) validate() error {
	g := fs.Geometry
	if !g.Valid() {
		return fmt.Errorf("%w: empty geometry %+v", ErrBadSuper, g)
	}
	if g.AddrsPerBlock*4 > NodePayloadSize || g.NidsPerBlock*4 > NodePayloadSize ||
		InodeHeaderSize+(g.AddrsPerInode+nodepath.NidsPerInode)*4 > NodePayloadSize {
		return fmt.Errorf("%w: geometry %+v does not fit a block", ErrBadSuper, g)
	}
	if fs.NatSegments == 0 || fs.LogBlocksPerSeg == 0 || fs.LogBlocksPerSeg > 16 {
		return fmt.Errorf("%w: nat segments %d log blocks per seg %d",
			ErrBadSuper, fs.NatSegments, fs.LogBlocksPerSeg)
	}
	if fs.NatJournalEntries*NatJournalEntrySize+8 > disk.BlockSize {
		return fmt.Errorf("%w: nat journal of %d entries", ErrBadSuper, fs.NatJournalEntries)
	}
	if fs.NatBitmapBytes()+CpHeaderSize > disk.BlockSize {
		return fmt.Errorf("%w: nat bitmap of %d bytes", ErrBadSuper, fs.NatBitmapBytes())
	}
	if fs.MainStart()+16 > fs.Size {
		return fmt.Errorf("%w: disk of %d blocks too small", ErrBadSuper, fs.Size)
	}
	// on-disk addresses are 32 bits, with NEW at the top
	if fs.Size >= common.NewAddr {
		return fmt.Errorf("%w: disk of %d blocks too large", ErrBadSuper, fs.Size)
	}
	return nil
}

func (fs *FsSuper) BlocksPerSeg() uint64 {
	return 1 << fs.LogBlocksPerSeg
}

// NatBlocks is the number of logical NAT blocks.
func (fs *FsSuper) NatBlocks() uint64 {
	return fs.NatSegments << fs.LogBlocksPerSeg
}

func (fs *FsSuper) NatBitmapBytes() uint64 {
	return (fs.NatBlocks() + 7) / 8
}

func (fs *FsSuper) MaxNid() common.Nid {
	n := fs.NatBlocks() * NatEntryPerBlock
	if n > uint64(^common.Nid(0)) {
		n = uint64(^common.Nid(0))
	}
	return common.Nid(n)
}

// BitmapBlocks is the size of the block bitmap stored in every
// checkpoint pack; it covers every address of the device.
func (fs *FsSuper) BitmapBlocks() uint64 {
	return (fs.Size + NBITBLOCK - 1) / NBITBLOCK
}

func (fs *FsSuper) CpPackBlocks() uint64 {
	return 3 + fs.BitmapBlocks()
}

func (fs *FsSuper) CpPackStart(pack uint64) common.Block {
	return CPSTART + pack*fs.CpPackBlocks()
}

func (fs *FsSuper) NatStart() common.Block {
	return fs.CpPackStart(2)
}

func (fs *FsSuper) MainStart() common.Block {
	return fs.NatStart() + 2*fs.NatBlocks()
}

func (fs *FsSuper) MainBlocks() uint64 {
	return fs.Size - fs.MainStart()
}

// UserBlockCount bounds valid node plus data blocks.  The rest of the
// main area is kept for copy-on-write rewrites between checkpoints.
func (fs *FsSuper) UserBlockCount() uint64 {
	return fs.MainBlocks() - fs.MainBlocks()/8
}

func (fs *FsSuper) NatBlockOffset(nid common.Nid) uint64 {
	return uint64(nid) / NatEntryPerBlock
}

func (fs *FsSuper) StartNid(nid common.Nid) common.Nid {
	return nid - common.Nid(uint64(nid)%NatEntryPerBlock)
}

// NatAddr returns the address of copy 0 or 1 of logical NAT block
// blockOff.  The two copies live in sibling segments.
func (fs *FsSuper) NatAddr(blockOff uint64, copy1 bool) common.Block {
	mask := fs.BlocksPerSeg() - 1
	segOff := blockOff >> fs.LogBlocksPerSeg
	a := fs.NatStart() + (segOff << fs.LogBlocksPerSeg << 1) + (blockOff & mask)
	if copy1 {
		a += fs.BlocksPerSeg()
	}
	return a
}

// NextNatAddr returns the sibling location of NAT block address a.
func (fs *FsSuper) NextNatAddr(a common.Block) common.Block {
	rel := a - fs.NatStart()
	if (rel>>fs.LogBlocksPerSeg)%2 == 1 {
		rel -= fs.BlocksPerSeg()
	} else {
		rel += fs.BlocksPerSeg()
	}
	return rel + fs.NatStart()
}

func (fs *FsSuper) IsMainAddr(a common.Block) bool {
	return a >= fs.MainStart() && a < fs.Size
}

func (fs *FsSuper) Encode() []byte {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(MAGIC)
	enc.PutInt(fs.Size)
	enc.PutInt(fs.LogBlocksPerSeg)
	enc.PutInt(fs.NatSegments)
	enc.PutInt(fs.NatJournalEntries)
	enc.PutInt(fs.Geometry.AddrsPerInode)
	enc.PutInt(fs.Geometry.AddrsPerBlock)
	enc.PutInt(fs.Geometry.NidsPerBlock)
	return enc.Finish()
}

func Decode(blk disk.Block) (*FsSuper, error) {
	dec := marshal.NewDec(blk)
	if m := dec.GetInt(); m != MAGIC {
		return nil, fmt.Errorf("%w: magic %x", ErrBadSuper, m)
	}
	fs := &FsSuper{}
	fs.Size = dec.GetInt()
	fs.LogBlocksPerSeg = dec.GetInt()
	fs.NatSegments = dec.GetInt()
	fs.NatJournalEntries = dec.GetInt()
	fs.Geometry.AddrsPerInode = dec.GetInt()
	fs.Geometry.AddrsPerBlock = dec.GetInt()
	fs.Geometry.NidsPerBlock = dec.GetInt()
	if err := fs.validate(); err != nil {
		return nil, err
	}
	return fs, nil
}

func WriteSuper(d blkdev.Device, fs *FsSuper) error {
	util.DPrintf(1, "WriteSuper: %+v\n", fs)
	return d.WriteBlock(SUPERBLK, fs.Encode())
}

func ReadSuper(d blkdev.Device) (*FsSuper, error) {
	blk, err := d.ReadBlock(SUPERBLK)
	if err != nil {
		return nil, err
	}
	fs, err := Decode(blk)
	if err != nil {
		return nil, err
	}
	if fs.Size > d.Size() {
		return nil, fmt.Errorf("%w: super says %d blocks, device has %d",
			ErrBadSuper, fs.Size, d.Size())
	}
	return fs, nil
}
