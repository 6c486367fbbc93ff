// nodefs formats, inspects and exercises node manager images.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/mit-pdos/go-journal/util"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&mkfsCmd{}, "")
	subcommands.Register(&statCmd{}, "")
	subcommands.Register(&dumpCmd{}, "")
	subcommands.Register(&benchCmd{}, "")

	flag.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
