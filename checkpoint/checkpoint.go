// Package checkpoint persists the state a mount starts from: valid
// counters, the NAT bitmap, the NAT journal and the block bitmap.
// Two packs alternate by version, so a crash while writing one leaves
// the other intact.
package checkpoint

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-nodefs/blkdev"
	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/super"
)

var ErrNoCheckpoint = errors.New("no valid checkpoint")

const crcOff = 48

type Checkpoint struct {
	Version     uint64
	ValidNodes  uint64
	ValidInodes uint64
	ValidBlocks uint64
	NextFreeNid common.Nid
	NatBitmap   []byte
	Journal     disk.Block // encoded NAT journal
	BlockBitmap []byte
}

func (cp *Checkpoint) encodeHeader() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(cp.Version)
	enc.PutInt(cp.ValidNodes)
	enc.PutInt(cp.ValidInodes)
	enc.PutInt(cp.ValidBlocks)
	enc.PutInt(uint64(cp.NextFreeNid))
	enc.PutInt(uint64(len(cp.NatBitmap)))
	enc.PutInt32(0) // crc
	enc.PutBytes(make([]byte, super.CpHeaderSize-crcOff-4))
	enc.PutBytes(cp.NatBitmap)
	blk := enc.Finish()
	machine.UInt32Put(blk[crcOff:crcOff+4], crc32.ChecksumIEEE(blk))
	return blk
}

func decodeHeader(blk disk.Block) (*Checkpoint, error) {
	crc := machine.UInt32Get(blk[crcOff : crcOff+4])
	b := append(disk.Block(nil), blk...)
	machine.UInt32Put(b[crcOff:crcOff+4], 0)
	if crc32.ChecksumIEEE(b) != crc {
		return nil, fmt.Errorf("%w: bad crc", ErrNoCheckpoint)
	}
	dec := marshal.NewDec(blk)
	cp := &Checkpoint{}
	cp.Version = dec.GetInt()
	cp.ValidNodes = dec.GetInt()
	cp.ValidInodes = dec.GetInt()
	cp.ValidBlocks = dec.GetInt()
	cp.NextFreeNid = common.Nid(dec.GetInt())
	n := dec.GetInt()
	if n+super.CpHeaderSize > disk.BlockSize {
		return nil, fmt.Errorf("%w: nat bitmap of %d bytes", ErrNoCheckpoint, n)
	}
	cp.NatBitmap = append([]byte(nil), blk[super.CpHeaderSize:super.CpHeaderSize+n]...)
	return cp, nil
}

func packOf(version uint64) uint64 {
	return version % 2
}

// Write stores cp in the pack its version selects.  The trailing copy
// of the header is written after everything else is durable; a pack
// whose two headers differ is ignored by Read.
func Write(d blkdev.Device, fs *super.FsSuper, cp *Checkpoint) error {
	if uint64(len(cp.BlockBitmap)) != fs.BitmapBlocks()*disk.BlockSize {
		panic("checkpoint.Write: bitmap size")
	}
	start := fs.CpPackStart(packOf(cp.Version))
	hdr := cp.encodeHeader()
	if err := d.WriteBlock(start, hdr); err != nil {
		return err
	}
	jblk := make(disk.Block, disk.BlockSize)
	copy(jblk, cp.Journal)
	if err := d.WriteBlock(start+1, jblk); err != nil {
		return err
	}
	for i := uint64(0); i < fs.BitmapBlocks(); i++ {
		b := cp.BlockBitmap[i*disk.BlockSize : (i+1)*disk.BlockSize]
		if err := d.WriteBlock(start+2+i, b); err != nil {
			return err
		}
	}
	if err := d.Barrier(); err != nil {
		return err
	}
	if err := d.WriteBlock(start+fs.CpPackBlocks()-1, hdr); err != nil {
		return err
	}
	if err := d.Barrier(); err != nil {
		return err
	}
	util.DPrintf(1, "checkpoint.Write: version %d pack %d nodes %d blocks %d\n",
		cp.Version, packOf(cp.Version), cp.ValidNodes, cp.ValidBlocks)
	return nil
}

func readPack(d blkdev.Device, fs *super.FsSuper, pack uint64) (*Checkpoint, error) {
	start := fs.CpPackStart(pack)
	h1, err := d.ReadBlock(start)
	if err != nil {
		return nil, err
	}
	h2, err := d.ReadBlock(start + fs.CpPackBlocks() - 1)
	if err != nil {
		return nil, err
	}
	cp, err := decodeHeader(h1)
	if err != nil {
		return nil, err
	}
	if string(h1) != string(h2) {
		return nil, fmt.Errorf("%w: pack %d torn", ErrNoCheckpoint, pack)
	}
	if packOf(cp.Version) != pack {
		return nil, fmt.Errorf("%w: version %d in pack %d", ErrNoCheckpoint, cp.Version, pack)
	}
	if cp.Journal, err = d.ReadBlock(start + 1); err != nil {
		return nil, err
	}
	cp.BlockBitmap = make([]byte, 0, fs.BitmapBlocks()*disk.BlockSize)
	for i := uint64(0); i < fs.BitmapBlocks(); i++ {
		b, err := d.ReadBlock(start + 2 + i)
		if err != nil {
			return nil, err
		}
		cp.BlockBitmap = append(cp.BlockBitmap, b...)
	}
	return cp, nil
}

// Read returns the newest valid checkpoint.  An I/O error on one pack
// is reported only if the other pack is not valid either.
func Read(d blkdev.Device, fs *super.FsSuper) (*Checkpoint, error) {
	cp0, err0 := readPack(d, fs, 0)
	cp1, err1 := readPack(d, fs, 1)
	switch {
	case err0 == nil && err1 == nil:
		if cp0.Version > cp1.Version {
			return cp0, nil
		}
		return cp1, nil
	case err0 == nil:
		return cp0, nil
	case err1 == nil:
		return cp1, nil
	}
	util.DPrintf(0, "checkpoint.Read: pack 0: %v, pack 1: %v\n", err0, err1)
	if errors.Is(err1, common.ErrIO) {
		return nil, err1
	}
	if errors.Is(err0, common.ErrIO) {
		return nil, err0
	}
	return nil, ErrNoCheckpoint
}
