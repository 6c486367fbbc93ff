package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/google/subcommands"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/nodemgr"
)

const MB uint64 = 1024 * 1024

type benchCmd struct {
	img        imageFlags
	workload   string
	fileMB     uint64
	iters      int
	threads    int
	cpuprofile string
}

func (*benchCmd) Name() string     { return "bench" }
func (*benchCmd) Synopsis() string { return "run a largefile or smallfile workload" }
func (*benchCmd) Usage() string {
	return "bench [-disk image] [-workload largefile|smallfile] [-threads n]\n"
}

func (c *benchCmd) SetFlags(f *flag.FlagSet) {
	c.img.setFlags(f)
	f.StringVar(&c.workload, "workload", "largefile", "largefile or smallfile")
	f.Uint64Var(&c.fileMB, "filesize", 16, "largefile size (in MB)")
	f.IntVar(&c.iters, "iters", 1000, "smallfile iterations per thread")
	f.IntVar(&c.threads, "threads", 1, "concurrent clients")
	f.StringVar(&c.cpuprofile, "cpuprofile", "", "write cpu profile to file")
}

func mkdata(fill uint64) disk.Block {
	data := make(disk.Block, disk.BlockSize)
	for i := range data {
		data[i] = byte((uint64(i) + fill) % 128)
	}
	return data
}

func writeBlock(nm *nodemgr.NodeManager, ino common.Nid, bn uint64, data disk.Block) error {
	dn, err := nm.GetDnode(ino, bn, nodemgr.AllocNode)
	if err != nil {
		return err
	}
	defer dn.Put()
	return nm.WriteDataBlock(dn, data)
}

// removeInode truncates ino and frees its inode node.
func removeInode(nm *nodemgr.NodeManager, ino common.Nid) error {
	nm.LockInode(ino)
	defer nm.UnlockInode(ino)
	if _, err := nm.TruncateInodeBlocks(ino, 0, 0); err != nil {
		return err
	}
	return nm.RemoveInodePage(ino)
}

func largeFile(nm *nodemgr.NodeManager, blocks uint64) error {
	ino, err := nm.NewInode()
	if err != nil {
		return err
	}
	nm.LockInode(ino)
	for bn := uint64(0); bn < blocks; bn++ {
		if err := writeBlock(nm, ino, bn, mkdata(bn)); err != nil {
			nm.UnlockInode(ino)
			return err
		}
	}
	nm.UnlockInode(ino)
	if err := nm.FsyncInode(ino); err != nil {
		return err
	}
	return removeInode(nm, ino)
}

func smallFile(nm *nodemgr.NodeManager, data disk.Block) error {
	ino, err := nm.NewInode()
	if err != nil {
		return err
	}
	nm.LockInode(ino)
	err = writeBlock(nm, ino, 0, data)
	nm.UnlockInode(ino)
	if err != nil {
		return err
	}
	if err := nm.FsyncInode(ino); err != nil {
		return err
	}
	return removeInode(nm, ino)
}

func (c *benchCmd) run(nm *nodemgr.NodeManager) error {
	switch c.workload {
	case "largefile":
		blocks := c.fileMB * MB / disk.BlockSize
		start := time.Now()
		if err := largeFile(nm, blocks); err != nil {
			return err
		}
		elapsed := time.Since(start)
		fmt.Printf("largefile: %v MB throughput %.2f MB/s\n",
			c.fileMB, float64(c.fileMB)/elapsed.Seconds())
	case "smallfile":
		var wg sync.WaitGroup
		errs := make([]error, c.threads)
		start := time.Now()
		for th := 0; th < c.threads; th++ {
			wg.Add(1)
			go func(th int) {
				defer wg.Done()
				data := mkdata(uint64(th))
				for i := 0; i < c.iters; i++ {
					if err := smallFile(nm, data); err != nil {
						errs[th] = err
						return
					}
				}
			}(th)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		elapsed := time.Since(start)
		n := c.threads * c.iters
		fmt.Printf("smallfile: %d files with %d threads %.1f file/sec\n",
			n, c.threads, float64(n)/elapsed.Seconds())
	default:
		return fmt.Errorf("unknown workload %q", c.workload)
	}
	return nil
}

func (c *benchCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.cpuprofile != "" {
		pf, err := os.Create(c.cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(pf)
		defer pprof.StopCPUProfile()
	}
	cfg, err := c.img.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		return subcommands.ExitFailure
	}
	img, err := c.img.open(c.img.diskfile == "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		return subcommands.ExitFailure
	}
	defer img.close()
	if c.img.diskfile == "" {
		if err := nodemgr.Mkfs(img.dev, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "bench: %v\n", err)
			return subcommands.ExitFailure
		}
	}
	nm, err := nodemgr.Mount(img.dev, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		return subcommands.ExitFailure
	}
	err = c.run(nm)
	if img.timed != nil {
		nm.WriteOpStats(os.Stderr)
	}
	if uerr := nm.Unmount(); err == nil {
		err = uerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
