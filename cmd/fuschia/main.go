// Command fuschia is the CLI named in SPEC_FULL.md section 13.4: run a
// locked workflow or a single node from one directly, or start a
// long-running server that drives the Runner from both trigger sources.
// Grounded on original_source/src/main.rs's Commands::Run{target} shape and
// on the teacher's urfave/cli/v3 usage pattern in the wider example pack
// (dukex-operion's cmd/operion-* binaries).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	root := &cli.Command{
		Name:                  "fuschia",
		Usage:                 "a workflow engine built on WebAssembly components",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			newRunCommand(),
			newServeCommand(),
			newDiagramCommand(),
			newInstallCommand(),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fuschia:", err)
		os.Exit(1)
	}
}
