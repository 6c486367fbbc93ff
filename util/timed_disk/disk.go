// Package timed_disk measures the transfers the node manager issues to
// its block device.
package timed_disk

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/blkdev"
	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/util/stats"
)

const (
	readOp int = iota
	writeOp
	barrierOp
	numOps
)

var opNames = []string{"dev.ReadBlock", "dev.WriteBlock", "dev.Barrier"}

// Device times every call into the device it wraps, including calls
// that fail.  Failures are also counted per kind.
type Device struct {
	dev  blkdev.Device
	ops  [numOps]stats.Op
	errs [numOps]uint32
}

var _ blkdev.Device = &Device{}

func New(dev blkdev.Device) *Device {
	return &Device{dev: dev}
}

func (d *Device) done(op int, start time.Time, err error) {
	d.ops[op].Record(start)
	if err != nil {
		atomic.AddUint32(&d.errs[op], 1)
	}
}

func (d *Device) ReadBlock(a common.Block) (disk.Block, error) {
	start := time.Now()
	blk, err := d.dev.ReadBlock(a)
	d.done(readOp, start, err)
	return blk, err
}

func (d *Device) WriteBlock(a common.Block, b disk.Block) error {
	start := time.Now()
	err := d.dev.WriteBlock(a, b)
	d.done(writeOp, start, err)
	return err
}

func (d *Device) Barrier() error {
	start := time.Now()
	err := d.dev.Barrier()
	d.done(barrierOp, start, err)
	return err
}

func (d *Device) Size() uint64 {
	return d.dev.Size()
}

// Transfers returns the number of block reads and writes attempted so
// far.
func (d *Device) Transfers() (reads uint32, writes uint32) {
	return d.ops[readOp].Count(), d.ops[writeOp].Count()
}

// Errors returns how many reads, writes and barriers failed.
func (d *Device) Errors() [numOps]uint32 {
	var errs [numOps]uint32
	for i := range errs {
		errs[i] = atomic.LoadUint32(&d.errs[i])
	}
	return errs
}

func (d *Device) WriteStats(w io.Writer) {
	stats.WriteTable(opNames, d.ops[:], w)
	errs := d.Errors()
	if errs[readOp]+errs[writeOp]+errs[barrierOp] != 0 {
		fmt.Fprintf(w, "errors: read %d write %d barrier %d\n",
			errs[readOp], errs[writeOp], errs[barrierOp])
	}
}

func (d *Device) ResetStats() {
	for i := range d.ops {
		d.ops[i].Reset()
		atomic.StoreUint32(&d.errs[i], 0)
	}
}
