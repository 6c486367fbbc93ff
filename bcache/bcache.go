package bcache

import (
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/blkdev"
	"github.com/mit-pdos/go-nodefs/cache"
	"github.com/mit-pdos/go-nodefs/common"
)

//
// Write-back cache of metadata blocks (NAT blocks).  Writes stay in
// the cache until Sync; if the cache has no free slot a write goes
// straight to the device.
//

const BCACHESZ uint64 = 512

type Bcache struct {
	d      blkdev.Device
	bcache *cache.Cache
}

func MkBcache(d blkdev.Device, sz uint64) *Bcache {
	if sz == 0 {
		sz = BCACHESZ
	}
	return &Bcache{
		d:      d,
		bcache: cache.MkCache(sz),
	}
}

func (bc *Bcache) Read(bn common.Block) (disk.Block, error) {
	cslot := bc.bcache.LookupSlot(bn)
	if cslot == nil {
		util.DPrintf(5, "Bcache.Read: uncached %d\n", bn)
		return bc.d.ReadBlock(bn)
	}
	defer bc.bcache.FreeSlot(bn)
	cslot.Lock()
	defer cslot.Unlock()
	if cslot.Obj == nil {
		b, err := bc.d.ReadBlock(bn)
		if err != nil {
			return nil, err
		}
		cslot.Obj = b
	}
	blk := make([]byte, disk.BlockSize)
	copy(blk, cslot.Obj)
	return blk, nil
}

// Prefetch loads bn into the cache without returning it.
func (bc *Bcache) Prefetch(bn common.Block) error {
	cslot := bc.bcache.LookupSlot(bn)
	if cslot == nil {
		return nil
	}
	defer bc.bcache.FreeSlot(bn)
	cslot.Lock()
	defer cslot.Unlock()
	if cslot.Obj != nil {
		return nil
	}
	b, err := bc.d.ReadBlock(bn)
	if err != nil {
		return err
	}
	cslot.Obj = b
	return nil
}

func (bc *Bcache) Write(bn common.Block, b disk.Block) error {
	if uint64(len(b)) != disk.BlockSize {
		panic("Write")
	}
	cslot := bc.bcache.LookupSlot(bn)
	if cslot == nil {
		return bc.d.WriteBlock(bn, b)
	}
	cslot.Lock()
	cslot.Obj = append(disk.Block(nil), b...)
	cslot.MarkDirty()
	cslot.Unlock()
	bc.bcache.FreeSlot(bn)
	return nil
}

// Sync writes every dirty block.  A block that fails to write stays
// dirty.
func (bc *Bcache) Sync() error {
	for _, bn := range bc.bcache.DirtyIds() {
		cslot := bc.bcache.Lookup(bn)
		if cslot == nil {
			continue
		}
		cslot.Lock()
		var err error
		if cslot.IsDirty() {
			cslot.SetWriteback(true)
			err = bc.d.WriteBlock(bn, cslot.Obj)
			cslot.SetWriteback(false)
			if err == nil {
				cslot.ClearDirty()
			}
		}
		cslot.Unlock()
		bc.bcache.FreeSlot(bn)
		if err != nil {
			return err
		}
	}
	return nil
}

func (bc *Bcache) NDirty() int {
	return len(bc.bcache.DirtyIds())
}

func (bc *Bcache) Barrier() error {
	return bc.d.Barrier()
}

func (bc *Bcache) Size() uint64 {
	return bc.d.Size()
}
