package segment

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/alloc"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/super"
)

//
// Block allocator for the main area.  A bit per device block; a set
// bit is in use.  Blocks below the main area and past the end of the
// device are permanently set.  Invalidated blocks stay allocated until
// the next checkpoint commits, because the previous checkpoint may
// still reference them.
//

type Allocator struct {
	fs    *super.FsSuper
	alloc *alloc.Alloc

	mu      *sync.Mutex
	bitmap  []byte // mirror of alloc's bitmap for the checkpoint
	pending map[common.Block]bool
	nfree   uint64
}

func setBit(bm []byte, n uint64) {
	bm[n/8] |= 1 << (n % 8)
}

func clearBit(bm []byte, n uint64) {
	bm[n/8] &^= 1 << (n % 8)
}

func testBit(bm []byte, n uint64) bool {
	return bm[n/8]&(1<<(n%8)) != 0
}

// InitBitmap returns the bitmap of a freshly formatted device.
func InitBitmap(fs *super.FsSuper) []byte {
	bm := make([]byte, fs.BitmapBlocks()*super.NBITBLOCK/8)
	for n := uint64(0); n < fs.MainStart(); n++ {
		setBit(bm, n)
	}
	for n := fs.Size; n < uint64(len(bm))*8; n++ {
		setBit(bm, n)
	}
	return bm
}

func MkAllocator(fs *super.FsSuper, bitmap []byte) *Allocator {
	if uint64(len(bitmap))*8 < fs.Size {
		panic("MkAllocator: short bitmap")
	}
	bm := append([]byte(nil), bitmap...)
	// alloc hands out 0 to report failure
	setBit(bm, 0)
	var nfree uint64
	for n := fs.MainStart(); n < fs.Size; n++ {
		if !testBit(bm, n) {
			nfree++
		}
	}
	return &Allocator{
		fs:      fs,
		alloc:   alloc.MkAlloc(append([]byte(nil), bm...)),
		mu:      new(sync.Mutex),
		bitmap:  bm,
		pending: make(map[common.Block]bool),
		nfree:   nfree,
	}
}

// AllocateBlock returns a main-area block that is not in use.
func (a *Allocator) AllocateBlock(nid common.Nid) (common.Block, error) {
	n := a.alloc.AllocNum()
	if n == 0 {
		util.DPrintf(1, "AllocateBlock: nid %d: no free block\n", nid)
		return common.NullAddr, common.ErrNoSpace
	}
	if !a.fs.IsMainAddr(n) {
		panic(fmt.Sprintf("AllocateBlock: %d outside main area", n))
	}
	a.mu.Lock()
	setBit(a.bitmap, n)
	a.nfree--
	a.mu.Unlock()
	util.DPrintf(5, "AllocateBlock: nid %d -> %d\n", nid, n)
	return n, nil
}

// InvalidateBlock marks addr reclaimable after the next checkpoint.
// NULL and NEW are ignored, as are repeated calls.
func (a *Allocator) InvalidateBlock(addr common.Block) {
	if !common.IsValidAddr(addr) {
		return
	}
	if !a.fs.IsMainAddr(addr) {
		panic(fmt.Sprintf("InvalidateBlock: %d outside main area", addr))
	}
	a.mu.Lock()
	a.pending[addr] = true
	a.mu.Unlock()
}

// Release frees a block that was allocated but never became
// reachable, such as one whose write failed.
func (a *Allocator) Release(addr common.Block) {
	a.mu.Lock()
	clearBit(a.bitmap, addr)
	a.nfree++
	a.mu.Unlock()
	a.alloc.FreeNum(addr)
}

// CheckpointBitmap returns the bitmap as the checkpoint being written
// sees it: invalidated blocks are free.
func (a *Allocator) CheckpointBitmap() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	bm := append([]byte(nil), a.bitmap...)
	for addr := range a.pending {
		clearBit(bm, addr)
	}
	return bm
}

// PostCommit frees the blocks invalidated before a checkpoint that is
// now durable.
func (a *Allocator) PostCommit() {
	a.mu.Lock()
	freed := make([]common.Block, 0, len(a.pending))
	for addr := range a.pending {
		clearBit(a.bitmap, addr)
		freed = append(freed, addr)
	}
	a.nfree += uint64(len(freed))
	a.pending = make(map[common.Block]bool)
	a.mu.Unlock()
	util.DPrintf(1, "PostCommit: free %d blocks\n", len(freed))
	for _, addr := range freed {
		a.alloc.FreeNum(addr)
	}
}

func (a *Allocator) NumFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

func (a *Allocator) NumPending() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(len(a.pending))
}

func (a *Allocator) IsAllocated(addr common.Block) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return testBit(a.bitmap, addr)
}
