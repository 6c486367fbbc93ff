package nat

import (
	"sync"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/super"
)

type journalEntry struct {
	nid common.Nid
	raw RawEntry
}

// Journal is the small table of NAT updates kept in the checkpoint
// instead of in NAT blocks.
type Journal struct {
	mu      *sync.Mutex
	entries []journalEntry
	size    uint64
}

func MkJournal(size uint64) *Journal {
	return &Journal{
		mu:      new(sync.Mutex),
		entries: make([]journalEntry, 0, size),
		size:    size,
	}
}

func (j *Journal) Lock()   { j.mu.Lock() }
func (j *Journal) Unlock() { j.mu.Unlock() }

// Len is the number of journalled entries; callers hold the lock.
func (j *Journal) Len() uint64 {
	return uint64(len(j.entries))
}

func (j *Journal) Cap() uint64 {
	return j.size
}

// lookup returns the index of nid, or -1.  With alloc it appends an
// empty entry for nid if there is room.
func (j *Journal) lookup(nid common.Nid, alloc bool) int {
	for i := range j.entries {
		if j.entries[i].nid == nid {
			return i
		}
	}
	if alloc && uint64(len(j.entries)) < j.size {
		j.entries = append(j.entries, journalEntry{nid: nid})
		return len(j.entries) - 1
	}
	return -1
}

// Scan calls f on every journalled entry; callers hold the lock.
func (j *Journal) Scan(f func(ni NodeInfo)) {
	for _, e := range j.entries {
		f(e.raw.info(e.nid))
	}
}

func (j *Journal) Encode() disk.Block {
	j.mu.Lock()
	defer j.mu.Unlock()
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(uint64(len(j.entries)))
	b := make([]byte, super.NatEntrySize)
	for _, e := range j.entries {
		enc.PutInt32(e.nid)
		putRaw(b, e.raw)
		enc.PutBytes(b)
	}
	return enc.Finish()
}

func DecodeJournal(blk disk.Block, size uint64) *Journal {
	j := MkJournal(size)
	dec := marshal.NewDec(blk)
	n := dec.GetInt()
	if n > size {
		panic("DecodeJournal")
	}
	for i := uint64(0); i < n; i++ {
		nid := dec.GetInt32()
		raw := getRaw(dec.GetBytes(super.NatEntrySize))
		j.entries = append(j.entries, journalEntry{nid: nid, raw: raw})
	}
	return j
}
