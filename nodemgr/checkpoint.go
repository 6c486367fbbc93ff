package nodemgr

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-nodefs/checkpoint"
	"github.com/mit-pdos/go-nodefs/common"
)

// Checkpoint makes everything done so far durable.  It waits for
// running operations and blocks new ones.  If it fails the device
// still holds the previous checkpoint, and the manager stops: its
// memory no longer matches any state on disk.
func (nm *NodeManager) Checkpoint() error {
	defer nm.recordOp(opCheckpoint, time.Now())
	nm.cpLock.Lock()
	defer nm.cpLock.Unlock()
	if err := nm.checkStopped(); err != nil {
		return err
	}
	if err := nm.writeCheckpoint(); err != nil {
		util.DPrintf(0, "Checkpoint: %v\n", err)
		nm.stop(fmt.Errorf("%w: checkpoint failed: %v", ErrStopped, err))
		return err
	}
	return nil
}

func (nm *NodeManager) writeCheckpoint() error {
	n, err := nm.syncNodePages()
	if err != nil {
		return err
	}
	if err := nm.nat.FlushNatEntries(); err != nil {
		return err
	}
	if err := nm.meta.Sync(); err != nil {
		return err
	}

	nm.mu.Lock()
	cp := &checkpoint.Checkpoint{
		Version:     nm.cpVersion + 1,
		ValidNodes:  nm.validNodes,
		ValidInodes: nm.validInodes,
		ValidBlocks: nm.validBlocks,
	}
	nm.mu.Unlock()
	cp.NextFreeNid = nm.free.NextScanNid()
	cp.NatBitmap = nm.nat.Bitmap()
	cp.Journal = nm.nat.Journal().Encode()
	cp.BlockBitmap = nm.seg.CheckpointBitmap()
	if err := checkpoint.Write(nm.dev, nm.fs, cp); err != nil {
		return err
	}

	nm.mu.Lock()
	nm.cpVersion = cp.Version
	nm.dirtyInodes = make(map[common.Nid]bool)
	nm.mu.Unlock()
	nm.seg.PostCommit()
	util.DPrintf(1, "writeCheckpoint: version %d, %d node pages, %d nat entries cached\n",
		cp.Version, n, nm.nat.Count())
	return nil
}
