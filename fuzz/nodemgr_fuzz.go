package fuzz

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/blkdev"
	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/nodemgr"
	"github.com/mit-pdos/go-nodefs/super"
)

var DEBUG bool = false

const (
	DISK_SIZE uint64 = 2000
	NINODE    int    = 2
	// checkpoint at least this often so freed blocks come back
	MAX_WRITES int = 64
)

var ErrCrashed = errors.New("simulated crash")

// crashDevice fails every write after budget more writes.  A
// negative budget never fails.
type crashDevice struct {
	blkdev.Device
	budget int
}

func (d *crashDevice) WriteBlock(a common.Block, b disk.Block) error {
	if d.budget == 0 {
		return &common.IOError{Op: "write", Addr: a, Err: ErrCrashed}
	}
	if d.budget > 0 {
		d.budget--
	}
	return d.Device.WriteBlock(a, b)
}

type key struct {
	file int
	bn   uint64
}

// Model holds the expected contents of every written block.
type Model struct {
	seen []key
	data map[key]byte
}

func NewModel() *Model {
	return &Model{data: make(map[key]byte)}
}

func (m *Model) Clone() *Model {
	nm := NewModel()
	nm.seen = m.seen
	for k, v := range m.data {
		nm.data[k] = v
	}
	return nm
}

func (m *Model) write(k key, fill byte) {
	if _, ok := m.data[k]; !ok {
		m.seen = append(m.seen, k)
	}
	m.data[k] = fill
}

func (m *Model) truncate(file int, from uint64) {
	for k := range m.data {
		if k.file == file && k.bn >= from {
			delete(m.data, k)
		}
	}
}

func fill(b byte) disk.Block {
	return bytes.Repeat([]byte{b}, int(disk.BlockSize))
}

func Config() *super.Config {
	cfg := super.DefaultConfig()
	cfg.LogBlocksPerSeg = 3
	cfg.NatJournalEntries = 8
	cfg.AddrsPerInode = 4
	cfg.AddrsPerBlock = 4
	cfg.NidsPerBlock = 4
	cfg.NodeCacheSize = 256
	cfg.MetaCacheSize = 32
	cfg.TotalRAM = 1 << 30
	return cfg
}

type state struct {
	cfg  *super.Config
	dev  *crashDevice
	nm   *nodemgr.NodeManager
	inos [NINODE]common.Nid
}

func (st *state) remount() {
	st.nm.Crash()
	st.dev.budget = -1
	nm, err := nodemgr.Mount(st.dev, st.cfg)
	if err != nil {
		panic(err)
	}
	st.nm = nm
}

func (st *state) write(file int, bn uint64, b byte) error {
	ino := st.inos[file]
	st.nm.LockInode(ino)
	defer st.nm.UnlockInode(ino)
	dn, err := st.nm.GetDnode(ino, bn, nodemgr.AllocNode)
	if err != nil {
		return err
	}
	defer dn.Put()
	return st.nm.WriteDataBlock(dn, fill(b))
}

func (st *state) check(k key, m *Model) {
	ino := st.inos[k.file]
	want := fill(0)
	if b, ok := m.data[k]; ok {
		want = fill(b)
	}
	dn, err := st.nm.GetDnode(ino, k.bn, nodemgr.LookupNode)
	if errors.Is(err, common.ErrNotFound) {
		if _, ok := m.data[k]; ok {
			panic(fmt.Sprintf("block %v lost", k))
		}
		return
	}
	if err != nil {
		panic(err)
	}
	defer dn.Put()
	got, err := st.nm.ReadDataBlock(dn)
	if err != nil {
		panic(err)
	}
	if !bytes.Equal(got, want) {
		panic(fmt.Sprintf("disk inconsistency at %v", k))
	}
}

func (st *state) checkAll(m *Model) {
	for _, k := range m.seen {
		st.check(k, m)
	}
}

func setup() *state {
	cfg := Config()
	dev := &crashDevice{Device: blkdev.FromDisk(disk.NewMemDisk(DISK_SIZE)), budget: -1}
	if err := nodemgr.Mkfs(dev, cfg); err != nil {
		panic(err)
	}
	nm, err := nodemgr.Mount(dev, cfg)
	if err != nil {
		panic(err)
	}
	st := &state{cfg: cfg, dev: dev, nm: nm}
	for i := range st.inos {
		ino, err := nm.NewInode()
		if err != nil {
			panic(err)
		}
		st.inos[i] = ino
	}
	if err := nm.Checkpoint(); err != nil {
		panic(err)
	}
	return st
}

// Fuzz decodes data into a run of node manager operations with
// crashes in between, and checks after every crash that exactly the
// last checkpoint survived.
func Fuzz(data []byte) int {
	dataptr := 0
	getByte := func() byte {
		if dataptr >= len(data) {
			return 0
		}
		res := data[dataptr]
		dataptr++
		return res
	}
	getUint64 := func() uint64 {
		b := make([]byte, 8)
		for i := 0; i < 8 && dataptr < len(data); i++ {
			b[i] = data[dataptr]
			dataptr++
		}
		return binary.BigEndian.Uint64(b)
	}

	st := setup()
	maxBlocks := st.nm.Super().Geometry.MaxBlocks()
	md := NewModel()
	mdcur := md.Clone()
	numCommits := 0
	numCrashes := 0
	writes := 0
	commit := func() {
		if err := st.nm.Checkpoint(); err != nil {
			panic(err)
		}
		md = mdcur
		mdcur = md.Clone()
		writes = 0
		numCommits++
	}
	for dataptr < len(data) {
		cmd := getByte() % 6
		switch cmd {
		case 0:
			if DEBUG {
				fmt.Printf("c\n")
			}
			commit()
		case 1:
			if len(mdcur.seen) == 0 {
				continue
			}
			k := mdcur.seen[getUint64()%uint64(len(mdcur.seen))]
			if DEBUG {
				fmt.Printf("r %v\n", k)
			}
			st.check(k, mdcur)
		case 2:
			k := key{file: int(getByte()) % NINODE, bn: getUint64() % maxBlocks}
			b := getByte()
			if DEBUG {
				fmt.Printf("w %v %d\n", k, b)
			}
			if writes >= MAX_WRITES {
				commit()
			}
			if err := st.write(k.file, k.bn, b); err != nil {
				panic(err)
			}
			mdcur.write(k, b)
			writes++
		case 3:
			file := int(getByte()) % NINODE
			from := getUint64() % maxBlocks
			if DEBUG {
				fmt.Printf("t %d %d\n", file, from)
			}
			ino := st.inos[file]
			st.nm.LockInode(ino)
			err := st.nm.Truncate(ino, from)
			st.nm.UnlockInode(ino)
			if err != nil {
				panic(err)
			}
			st.nm.WaitShrinkers()
			mdcur.truncate(file, from)
		case 4:
			if DEBUG {
				fmt.Printf("crash\n")
			}
			st.remount()
			mdcur = md.Clone()
			st.checkAll(md)
			numCrashes++
		case 5:
			// crash part way through a checkpoint
			st.dev.budget = int(getByte() % 64)
			if DEBUG {
				fmt.Printf("crash checkpoint after %d writes\n", st.dev.budget)
			}
			err := st.nm.Checkpoint()
			if err == nil {
				md = mdcur
				numCommits++
			} else if !errors.Is(err, ErrCrashed) {
				panic(err)
			}
			st.remount()
			mdcur = md.Clone()
			writes = 0
			st.checkAll(md)
			numCrashes++
		}
	}
	st.checkAll(mdcur)
	if numCommits == 0 || numCrashes == 0 {
		return 0
	}
	return 1
}
