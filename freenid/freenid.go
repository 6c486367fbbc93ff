// Package freenid keeps a pool of nids known to be unused, filled by
// scanning NAT blocks and the NAT journal.
package freenid

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/util"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/nat"
	"github.com/mit-pdos/go-nodefs/super"
)

// EntrySize estimates the memory used by one pooled nid.
const EntrySize uint64 = 32

type nidState int

const (
	nidNew   nidState = iota // free, may be handed out
	nidAlloc                 // handed out, not yet done or failed
)

type freeNid struct {
	nid      common.Nid
	state    nidState
	scanning bool // added by a scan that has not finished
	elem     *list.Element
}

// NodeCounter reports the number of valid nodes, which bounds how
// many nids may be in use.
type NodeCounter interface {
	ValidNodeCount() uint64
}

type Pool struct {
	fs      *super.FsSuper
	nat     *nat.Cache
	counter NodeCounter

	mu         *sync.Mutex // protects the fields below, never held across I/O
	nids       map[common.Nid]*freeNid
	list       *list.List // oldest first
	fcnt       uint64     // nids in state nidNew
	maxEntries uint64

	buildMu     *sync.Mutex // serializes scans; protects the fields below
	nextScanNid common.Nid
	scanPages   uint64
	scanned     []*freeNid
}

func MkPool(fs *super.FsSuper, nc *nat.Cache, counter NodeCounter, budget uint64, scanPages uint64) *Pool {
	if scanPages == 0 {
		scanPages = 1
	}
	return &Pool{
		fs:         fs,
		nat:        nc,
		counter:    counter,
		mu:         new(sync.Mutex),
		nids:       make(map[common.Nid]*freeNid),
		list:       list.New(),
		maxEntries: budget / EntrySize,
		buildMu:    new(sync.Mutex),
		scanPages:  scanPages,
	}
}

// Count returns the number of nids ready to be handed out.
func (p *Pool) Count() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fcnt
}

// NextScanNid is where the next scan starts.  A checkpoint saves it
// so that a mount resumes scanning there.
func (p *Pool) NextScanNid() common.Nid {
	p.buildMu.Lock()
	defer p.buildMu.Unlock()
	return p.nextScanNid
}

func (p *Pool) SetNextScanNid(nid common.Nid) {
	p.buildMu.Lock()
	defer p.buildMu.Unlock()
	if nid >= p.fs.MaxNid() {
		nid = 0
	}
	p.nextScanNid = nid
}

// addFreeNid returns -1 if the pool is over budget, 0 if nid was not
// added and 1 if it was.  A scan (build) must not pool a nid that the
// NAT cache knows to be allocated.
func (p *Pool) addFreeNid(nid common.Nid, build bool) int {
	p.mu.Lock()
	full := p.fcnt >= p.maxEntries
	p.mu.Unlock()
	if full {
		return -1
	}
	if nid == common.NULLNID || nid >= p.fs.MaxNid() {
		return 0
	}
	if build && p.nat.IsAllocated(nid) {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nids[nid] != nil {
		return 0
	}
	i := &freeNid{nid: nid, state: nidNew, scanning: build}
	i.elem = p.list.PushBack(i)
	p.nids[nid] = i
	p.fcnt++
	if build {
		p.scanned = append(p.scanned, i)
	}
	return 1
}

// Add pools a nid freed by a NAT flush.
func (p *Pool) Add(nid common.Nid) bool {
	return p.addFreeNid(nid, false) > 0
}

// Remove drops nid unless it has been handed out.
func (p *Pool) Remove(nid common.Nid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.nids[nid]
	if i != nil && i.state == nidNew {
		p.del(i)
		p.fcnt--
	}
}

func (p *Pool) del(i *freeNid) {
	p.list.Remove(i.elem)
	delete(p.nids, i.nid)
}

func (p *Pool) scanNatBlock(blkOff uint64, start common.Nid) (int, error) {
	blk, err := p.nat.ReadNatBlock(blkOff)
	if err != nil {
		return 0, err
	}
	added := 0
	nid := start
	for i := uint64(start - p.fs.StartNid(start)); i < super.NatEntryPerBlock; i++ {
		if nid >= p.fs.MaxNid() {
			break
		}
		addr := common.Block(nat.EntryAt(blk, i).BlkAddr)
		if addr == common.NewAddr {
			panic(fmt.Sprintf("scanNatBlock: nid %d NEW on disk", nid))
		}
		if addr == common.NullAddr {
			r := p.addFreeNid(nid, true)
			if r < 0 {
				break
			}
			added += r
		}
		nid++
	}
	return added, nil
}

// Build scans nPages NAT blocks from where the last scan stopped,
// then the journal.  The nids it pools are not handed out until it
// has finished checking them against the journal and the cache.
func (p *Pool) Build(nPages uint64) error {
	p.buildMu.Lock()
	defer p.buildMu.Unlock()
	err := p.build(nPages)
	p.mu.Lock()
	for _, i := range p.scanned {
		i.scanning = false
	}
	p.mu.Unlock()
	p.scanned = nil
	return err
}

func (p *Pool) build(nPages uint64) error {
	if p.Count() > super.NatEntryPerBlock {
		return nil
	}
	nblocks := p.fs.NatBlocks()
	if nPages > nblocks {
		nPages = nblocks
	}

	nid := p.nextScanNid
	first := p.fs.NatBlockOffset(nid)
	var g errgroup.Group
	for i := uint64(0); i < nPages; i++ {
		off := (first + i) % nblocks
		g.Go(func() error {
			return p.nat.PrefetchNatBlock(off)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	added := 0
	for i := uint64(0); i < nPages; i++ {
		n, err := p.scanNatBlock(p.fs.NatBlockOffset(nid), nid)
		if err != nil {
			return err
		}
		added += n
		nid = p.fs.StartNid(nid) + common.Nid(super.NatEntryPerBlock)
		if nid >= p.fs.MaxNid() {
			nid = 0
		}
	}
	p.nextScanNid = nid

	j := p.nat.Journal()
	j.Lock()
	j.Scan(func(ni nat.NodeInfo) {
		if ni.IsHole() {
			p.addFreeNid(ni.Nid, true)
		} else {
			p.Remove(ni.Nid)
		}
	})
	j.Unlock()

	// nids handed to the cache since they were pooled
	p.mu.Lock()
	pooled := make([]common.Nid, 0, len(p.nids))
	for nid, i := range p.nids {
		if i.state == nidNew {
			pooled = append(pooled, nid)
		}
	}
	p.mu.Unlock()
	for _, nid := range pooled {
		if ni, ok := p.nat.Lookup(nid); ok && !ni.IsHole() {
			p.Remove(nid)
		}
	}
	util.DPrintf(1, "Build: %d pages, %d nids added, %d free, next scan %d\n",
		nPages, added, p.Count(), p.nextScanNid)
	return nil
}

// Alloc hands out the oldest free nid.  If none is ready it scans once
// and tries again; a second miss is ErrNoSpace.
func (p *Pool) Alloc() (common.Nid, error) {
	for attempt := 0; ; attempt++ {
		if p.counter.ValidNodeCount()+1 >= uint64(p.fs.MaxNid()) {
			return 0, common.ErrNoSpace
		}
		p.mu.Lock()
		for le := p.list.Front(); p.fcnt > 0 && le != nil; le = le.Next() {
			i := le.Value.(*freeNid)
			// nids pooled by an unfinished scan may still be removed by it
			if i.state == nidNew && !i.scanning {
				i.state = nidAlloc
				p.fcnt--
				p.mu.Unlock()
				return i.nid, nil
			}
		}
		p.mu.Unlock()
		if attempt > 0 {
			return 0, common.ErrNoSpace
		}
		if err := p.Build(p.scanPages); err != nil {
			return 0, err
		}
	}
}

// Done forgets a nid whose node now exists.
func (p *Pool) Done(nid common.Nid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.nids[nid]
	if i == nil || i.state != nidAlloc {
		panic(fmt.Sprintf("Done: nid %d not allocated", nid))
	}
	p.del(i)
}

// Fail returns a nid whose allocation was abandoned.  If the pool is
// over budget the nid is dropped; a later scan finds it again.
func (p *Pool) Fail(nid common.Nid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.nids[nid]
	if i == nil || i.state != nidAlloc {
		panic(fmt.Sprintf("Fail: nid %d not allocated", nid))
	}
	if p.fcnt >= p.maxEntries {
		p.del(i)
		return
	}
	i.state = nidNew
	p.fcnt++
}
