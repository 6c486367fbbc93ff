package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/blkdev"
	"github.com/mit-pdos/go-nodefs/super"
	"github.com/mit-pdos/go-nodefs/util/timed_disk"
)

// imageFlags are shared by every subcommand that opens an image.
type imageFlags struct {
	diskfile string
	sizeMB   uint64
	config   string
	stats    bool
}

func (img *imageFlags) setFlags(f *flag.FlagSet) {
	f.StringVar(&img.diskfile, "disk", "", "disk image (empty for MemDisk)")
	f.Uint64Var(&img.sizeMB, "size", 64, "size of a new image (in MB)")
	f.StringVar(&img.config, "config", "", "TOML config file")
	f.BoolVar(&img.stats, "stats", false, "dump disk stats to stderr at end")
}

func (img *imageFlags) loadConfig() (*super.Config, error) {
	if img.config == "" {
		return super.DefaultConfig(), nil
	}
	return super.LoadConfig(img.config)
}

type image struct {
	dev   blkdev.Device
	timed *timed_disk.Device
	d     disk.Disk
	lock  *flock.Flock
}

// open opens the image named by the flags.  An existing file keeps
// its size; create sizes a new one from -size.
func (img *imageFlags) open(create bool) (*image, error) {
	blocks := img.sizeMB * 1024 * 1024 / disk.BlockSize
	if img.diskfile == "" {
		return img.wrap(disk.NewMemDisk(blocks), nil), nil
	}
	l := flock.NewFlock(img.diskfile + ".lock")
	ok, err := l.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s is in use", img.diskfile)
	}
	if !create {
		st, err := os.Stat(img.diskfile)
		if err != nil {
			l.Unlock()
			return nil, err
		}
		blocks = uint64(st.Size()) / disk.BlockSize
	}
	d, err := disk.NewFileDisk(img.diskfile, blocks)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	return img.wrap(d, l), nil
}

func (img *imageFlags) wrap(d disk.Disk, l *flock.Flock) *image {
	i := &image{d: d, lock: l, dev: blkdev.FromDisk(d)}
	if img.stats {
		i.timed = timed_disk.New(i.dev)
		i.dev = i.timed
	}
	return i
}

func (i *image) close() {
	if i.timed != nil {
		i.timed.WriteStats(os.Stderr)
	}
	i.d.Close()
	if i.lock != nil {
		i.lock.Unlock()
	}
}
