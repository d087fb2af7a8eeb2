package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/definitelycarter/fuschia/internal/diagram"
)

func newDiagramCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagram",
		Usage:     "print a locked workflow's graph without invoking it",
		ArgsUsage: "<workflow-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Usage: "output format: ascii or mermaid",
				Value: "ascii",
			},
			&cli.StringFlag{
				Name:  "bin-dir",
				Usage: "directory to look for a mermaid-ascii binary in before falling back to the built-in ASCII renderer (ascii format only)",
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one argument: <workflow-file>")
			}
			wf, err := loadWorkflow(cmd.Args().First())
			if err != nil {
				return err
			}
			model, err := diagram.Build(wf)
			if err != nil {
				return fmt.Errorf("build diagram: %w", err)
			}
			switch cmd.String("format") {
			case "mermaid":
				fmt.Print(diagram.RenderMermaid(model))
			case "ascii", "":
				fmt.Print(diagram.RenderASCIIAuto(model, cmd.String("bin-dir")))
			default:
				return fmt.Errorf("unknown format %q: expected ascii or mermaid", cmd.String("format"))
			}
			return nil
		},
	}
}
