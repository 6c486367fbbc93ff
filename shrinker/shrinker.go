package shrinker

import (
	"sync"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-nodefs/common"
)

// Nodes freed per batch; the inode lock is dropped between batches.
const BatchNodes uint64 = 256

// Truncator runs one bounded step of a pending truncation.
type Truncator interface {
	LockInode(ino common.Nid)
	UnlockInode(ino common.Nid)
	ResumeTruncate(ino common.Nid, limit uint64) (bool, error)
}

type ShrinkerSt struct {
	mu       *sync.Mutex
	condShut *sync.Cond
	nthread  uint32
	t        Truncator
	crash    bool
}

func MkShrinkerSt(t Truncator) *ShrinkerSt {
	mu := new(sync.Mutex)
	shrinkst := &ShrinkerSt{
		mu:       mu,
		condShut: sync.NewCond(mu),
		nthread:  0,
		t:        t,
		crash:    false,
	}
	return shrinkst
}

func (shrinkst *ShrinkerSt) crashed() bool {
	shrinkst.mu.Lock()
	crashed := shrinkst.crash
	shrinkst.mu.Unlock()
	return crashed
}

// DoShrink finishes the pending truncation of ino one batch at a
// time.  The caller must not hold the inode lock.
func (shrinkst *ShrinkerSt) DoShrink(ino common.Nid) error {
	var more = true
	for more {
		var err error
		shrinkst.t.LockInode(ino)
		util.DPrintf(1, "doShrink %v\n", ino)
		more, err = shrinkst.t.ResumeTruncate(ino, BatchNodes)
		shrinkst.t.UnlockInode(ino)
		if err != nil {
			return err
		}
		if shrinkst.crashed() {
			break
		}
	}
	return nil
}

func (shrinker *ShrinkerSt) Running() uint32 {
	shrinker.mu.Lock()
	defer shrinker.mu.Unlock()
	return shrinker.nthread
}

func (shrinker *ShrinkerSt) Shutdown() {
	shrinker.mu.Lock()
	for shrinker.nthread > 0 {
		util.DPrintf(1, "Shutdown: shrinker wait %d\n", shrinker.nthread)
		shrinker.condShut.Wait()
	}
	shrinker.mu.Unlock()
}

func (shrinker *ShrinkerSt) Crash() {
	shrinker.mu.Lock()
	shrinker.crash = true
	for shrinker.nthread > 0 {
		util.DPrintf(1, "Crash: wait %d\n", shrinker.nthread)
		shrinker.condShut.Wait()
	}
	shrinker.mu.Unlock()
}

// for large trees, start a separate thread
func (shrinkst *ShrinkerSt) StartShrinker(ino common.Nid) {
	util.DPrintf(1, "start shrink thread\n")
	shrinkst.mu.Lock()
	shrinkst.nthread = shrinkst.nthread + 1
	shrinkst.mu.Unlock()
	go func() { shrinkst.shrinker(ino) }()
}

func (shrinkst *ShrinkerSt) shrinker(ino common.Nid) {
	err := shrinkst.DoShrink(ino)
	if err != nil {
		util.DPrintf(0, "Shrinker: ino %d: %v\n", ino, err)
	} else {
		util.DPrintf(1, "Shrinker: done shrinking # %d\n", ino)
	}
	shrinkst.mu.Lock()
	shrinkst.nthread = shrinkst.nthread - 1
	shrinkst.condShut.Broadcast()
	shrinkst.mu.Unlock()
}
