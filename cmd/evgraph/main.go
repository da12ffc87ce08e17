// Command evgraph inspects and maintains the event store of a graph node.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/evgraph/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "evgraph:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
