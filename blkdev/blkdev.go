package blkdev

import (
	"errors"
	"sync"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/common"
)

//
// Block device used by the node manager.  Unlike disk.Disk every
// transfer reports failure, so that callers can tell a hole from a
// device error.
//

type Device interface {
	ReadBlock(a common.Block) (disk.Block, error)
	WriteBlock(a common.Block, b disk.Block) error
	Barrier() error
	Size() uint64
}

var ErrOutOfRange = errors.New("address beyond end of device")

type diskDevice struct {
	d disk.Disk
}

// FromDisk adapts a goose disk.  Reads and writes beyond the end of
// the disk fail instead of panicking.
func FromDisk(d disk.Disk) Device {
	return &diskDevice{d: d}
}

func (dd *diskDevice) ReadBlock(a common.Block) (disk.Block, error) {
	if a >= dd.d.Size() {
		return nil, &common.IOError{Op: "read", Addr: a, Err: ErrOutOfRange}
	}
	blk := dd.d.Read(a)
	return append(disk.Block(nil), blk...), nil
}

func (dd *diskDevice) WriteBlock(a common.Block, b disk.Block) error {
	if a >= dd.d.Size() {
		return &common.IOError{Op: "write", Addr: a, Err: ErrOutOfRange}
	}
	if uint64(len(b)) != disk.BlockSize {
		panic("WriteBlock")
	}
	dd.d.Write(a, append(disk.Block(nil), b...))
	return nil
}

func (dd *diskDevice) Barrier() error {
	dd.d.Barrier()
	return nil
}

func (dd *diskDevice) Size() uint64 {
	return dd.d.Size()
}

var ErrInjected = errors.New("injected fault")

// Faulty wraps a device and fails transfers to chosen blocks.  It
// also counts transfers, which tests use to check that an operation
// did not touch the disk.
type Faulty struct {
	Device
	mu        *sync.Mutex
	failRead  map[common.Block]bool
	failWrite map[common.Block]bool
	failAll   bool
	nread     uint64
	nwrite    uint64
}

func MkFaulty(d Device) *Faulty {
	return &Faulty{
		Device:    d,
		mu:        new(sync.Mutex),
		failRead:  make(map[common.Block]bool),
		failWrite: make(map[common.Block]bool),
	}
}

func (f *Faulty) FailRead(a common.Block) {
	f.mu.Lock()
	f.failRead[a] = true
	f.mu.Unlock()
}

func (f *Faulty) FailWrite(a common.Block) {
	f.mu.Lock()
	f.failWrite[a] = true
	f.mu.Unlock()
}

// FailAll makes every transfer fail until Heal.
func (f *Faulty) FailAll() {
	f.mu.Lock()
	f.failAll = true
	f.mu.Unlock()
}

func (f *Faulty) Heal() {
	f.mu.Lock()
	f.failRead = make(map[common.Block]bool)
	f.failWrite = make(map[common.Block]bool)
	f.failAll = false
	f.mu.Unlock()
}

func (f *Faulty) Counts() (reads uint64, writes uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nread, f.nwrite
}

func (f *Faulty) ReadBlock(a common.Block) (disk.Block, error) {
	f.mu.Lock()
	fail := f.failAll || f.failRead[a]
	f.nread++
	f.mu.Unlock()
	if fail {
		return nil, &common.IOError{Op: "read", Addr: a, Err: ErrInjected}
	}
	return f.Device.ReadBlock(a)
}

func (f *Faulty) WriteBlock(a common.Block, b disk.Block) error {
	f.mu.Lock()
	fail := f.failAll || f.failWrite[a]
	f.nwrite++
	f.mu.Unlock()
	if fail {
		return &common.IOError{Op: "write", Addr: a, Err: ErrInjected}
	}
	return f.Device.WriteBlock(a, b)
}
