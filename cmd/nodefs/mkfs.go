package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/mit-pdos/go-nodefs/nodemgr"
)

type mkfsCmd struct {
	img imageFlags
}

func (*mkfsCmd) Name() string     { return "mkfs" }
func (*mkfsCmd) Synopsis() string { return "format an image" }
func (*mkfsCmd) Usage() string {
	return "mkfs -disk <image> [-size MB] [-config file]\n"
}

func (c *mkfsCmd) SetFlags(f *flag.FlagSet) {
	c.img.setFlags(f)
}

func (c *mkfsCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.img.diskfile == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := c.img.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		return subcommands.ExitFailure
	}
	img, err := c.img.open(true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		return subcommands.ExitFailure
	}
	defer img.close()
	if err := nodemgr.Mkfs(img.dev, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
