package nat

import (
	"sort"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/common"
)

type natUpdate struct {
	nid common.Nid
	raw RawEntry
	e   *natEntry // nil for a journal record carried over to its NAT block
}

// flushNatsInJournal empties the journal when the dirty entries do not
// fit in it, so that this flush writes NAT blocks only.  Journalled
// nids become dirty in the cache; a nid that has been reallocated
// since (NEW in the cache) is not flushed, so its journal record is
// returned to be carried into its NAT block.  Callers hold the
// journal lock.
func (c *Cache) flushNatsInJournal() ([]natUpdate, bool) {
	c.mu.Lock()
	if c.journal.Len()+uint64(c.dirty.Len()) <= c.journal.Cap() {
		c.mu.Unlock()
		return nil, false
	}
	var carry []natUpdate
	for _, je := range c.journal.entries {
		e := c.entries[je.nid]
		if e == nil {
			e = c.grab(je.raw.info(je.nid))
		}
		if e.ni.BlkAddr == common.NewAddr {
			carry = append(carry, natUpdate{nid: je.nid, raw: je.raw})
			continue
		}
		c.setDirty(e)
	}
	c.mu.Unlock()
	util.DPrintf(2, "flushNatsInJournal: %d entries\n", c.journal.Len())
	c.journal.entries = c.journal.entries[:0]
	return carry, true
}

// writeNatBlock stores blk in the location that is not current for
// NAT block blkOff and then makes it current.  Each block is written
// at most once per flush, so the copy named by the last checkpoint
// is never overwritten.
func (c *Cache) writeNatBlock(blkOff uint64, blk disk.Block) error {
	dst := c.fs.NextNatAddr(c.currentNatAddr(blkOff))
	if err := c.meta.Write(dst, blk); err != nil {
		return err
	}
	c.mu.Lock()
	flipBit(c.bitmap, blkOff)
	c.mu.Unlock()
	util.DPrintf(5, "writeNatBlock: %d -> %d\n", blkOff, dst)
	return nil
}

// FlushNatEntries writes every dirty entry, except those still NEW,
// to the journal while it has room and to NAT blocks after that.  It
// runs only inside a checkpoint.
func (c *Cache) FlushNatEntries() error {
	c.journal.Lock()
	defer c.journal.Unlock()

	updates, toNatBlocks := c.flushNatsInJournal()

	c.mu.RLock()
	c.dirty.Ascend(func(e *natEntry) bool {
		if e.ni.BlkAddr != common.NewAddr {
			updates = append(updates, natUpdate{nid: e.ni.Nid, raw: rawFromInfo(e.ni), e: e})
		}
		return true
	})
	c.mu.RUnlock()
	sort.Slice(updates, func(i, j int) bool { return updates[i].nid < updates[j].nid })

	var blk disk.Block
	var blkOff uint64
	var njournal, nblocks int
	for _, u := range updates {
		if !toNatBlocks {
			if i := c.journal.lookup(u.nid, true); i >= 0 {
				c.journal.entries[i].raw = u.raw
				njournal++
				continue
			}
		}
		off := c.fs.NatBlockOffset(u.nid)
		if blk == nil || off != blkOff {
			if blk != nil {
				if err := c.writeNatBlock(blkOff, blk); err != nil {
					return err
				}
				nblocks++
			}
			b, err := c.ReadNatBlock(off)
			if err != nil {
				return err
			}
			blk = b
			blkOff = off
		}
		SetEntryAt(blk, uint64(u.nid-c.fs.StartNid(u.nid)), u.raw)
	}
	if blk != nil {
		if err := c.writeNatBlock(blkOff, blk); err != nil {
			return err
		}
		nblocks++
	}

	for _, u := range updates {
		e := u.e
		if e == nil {
			continue
		}
		if u.raw.BlkAddr == uint32(common.NullAddr) && c.free != nil && c.free.Add(u.nid) {
			c.mu.Lock()
			c.del(e)
			c.mu.Unlock()
			continue
		}
		c.mu.Lock()
		c.clearDirty(e)
		e.resetFlags()
		c.mu.Unlock()
	}
	util.DPrintf(1, "FlushNatEntries: %d entries, %d to journal, %d nat blocks\n",
		len(updates), njournal, nblocks)

	c.TryToFreeNats(c.OverBudget())
	return nil
}
