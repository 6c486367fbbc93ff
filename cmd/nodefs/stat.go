package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/mit-pdos/go-nodefs/common"
	"github.com/mit-pdos/go-nodefs/nodemgr"
)

func mountImage(img *imageFlags) (*image, *nodemgr.NodeManager, error) {
	cfg, err := img.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	i, err := img.open(false)
	if err != nil {
		return nil, nil, err
	}
	nm, err := nodemgr.Mount(i.dev, cfg)
	if err != nil {
		i.close()
		return nil, nil, err
	}
	return i, nm, nil
}

type statCmd struct {
	img imageFlags
}

func (*statCmd) Name() string     { return "stat" }
func (*statCmd) Synopsis() string { return "print superblock and checkpoint counters" }
func (*statCmd) Usage() string    { return "stat -disk <image>\n" }

func (c *statCmd) SetFlags(f *flag.FlagSet) {
	c.img.setFlags(f)
}

func (c *statCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	img, nm, err := mountImage(&c.img)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stat: %v\n", err)
		return subcommands.ExitFailure
	}
	defer img.close()
	// read only: drop the manager without a checkpoint
	defer nm.Crash()

	fs := nm.Super()
	fmt.Printf("blocks          %d\n", fs.Size)
	fmt.Printf("segment blocks  %d\n", fs.BlocksPerSeg())
	fmt.Printf("nat blocks      %d at %d\n", fs.NatBlocks(), fs.NatStart())
	fmt.Printf("main blocks     %d at %d\n", fs.MainBlocks(), fs.MainStart())
	fmt.Printf("max nid         %d\n", fs.MaxNid())
	fmt.Printf("geometry        %d/%d/%d, %d blocks per file\n",
		fs.Geometry.AddrsPerInode, fs.Geometry.AddrsPerBlock,
		fs.Geometry.NidsPerBlock, fs.Geometry.MaxBlocks())
	fmt.Printf("checkpoint      %d\n", nm.CheckpointVersion())
	fmt.Printf("valid nodes     %d\n", nm.ValidNodeCount())
	fmt.Printf("valid inodes    %d\n", nm.ValidInodeCount())
	fmt.Printf("valid blocks    %d of %d\n", nm.ValidBlockCount(), fs.UserBlockCount())
	fmt.Printf("free blocks     %d\n", nm.Segments().NumFree())
	j := nm.Nat().Journal()
	j.Lock()
	fmt.Printf("nat journal     %d of %d entries\n", j.Len(), j.Cap())
	j.Unlock()
	fmt.Printf("free nids       %d pooled\n", nm.FreeNids().Count())
	return subcommands.ExitSuccess
}

type dumpCmd struct {
	img imageFlags
	max uint64
}

func (*dumpCmd) Name() string     { return "dump" }
func (*dumpCmd) Synopsis() string { return "list the nodes in use" }
func (*dumpCmd) Usage() string    { return "dump -disk <image> [-max nid]\n" }

func (c *dumpCmd) SetFlags(f *flag.FlagSet) {
	c.img.setFlags(f)
	f.Uint64Var(&c.max, "max", 0, "last nid to list (0 for all)")
}

func (c *dumpCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	img, nm, err := mountImage(&c.img)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dump: %v\n", err)
		return subcommands.ExitFailure
	}
	defer img.close()
	defer nm.Crash()

	last := nm.Super().MaxNid() - 1
	if c.max != 0 && c.max < uint64(last) {
		last = common.Nid(c.max)
	}
	fmt.Printf("%-8s %-8s %-10s %s\n", "nid", "ino", "addr", "version")
	for nid := common.Nid(1); nid <= last; nid++ {
		ni, ok := nm.Nat().LookupNode(nid)
		if !ok {
			continue
		}
		fmt.Printf("%-8d %-8d %-10d %d\n", ni.Nid, ni.Ino, ni.BlkAddr, ni.Version)
	}
	return subcommands.ExitSuccess
}
