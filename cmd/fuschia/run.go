package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v3"
)

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run a workflow or a single task",
		Commands: []*cli.Command{
			newRunWorkflowCommand(),
			newRunTaskCommand(),
		},
	}
}

func newRunWorkflowCommand() *cli.Command {
	return &cli.Command{
		Name:      "workflow",
		Usage:     "run an entire locked workflow, reading its payload from stdin",
		ArgsUsage: "<workflow-file>",
		Flags:     commonRunFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one argument: <workflow-file>")
			}
			logger := setupLogger(cmd.String("log-level"))

			wf, err := loadWorkflow(cmd.Args().First())
			if err != nil {
				return err
			}
			logger.Info("loaded workflow", "workflow_id", wf.WorkflowID, "nodes", len(wf.Nodes))

			payload, err := readPayload()
			if err != nil {
				return err
			}

			eng, err := buildEngine(ctx, cmd.String("data-dir"), logger, nil)
			if err != nil {
				return err
			}

			result, err := eng.Invoke(ctx, wf, payload, nil)
			if err != nil {
				return fmt.Errorf("invoke workflow: %w", err)
			}

			logger.Info("execution completed", "status", result.Status, "nodes", len(result.Nodes))
			return printJSON(result)
		},
	}
}

func newRunTaskCommand() *cli.Command {
	return &cli.Command{
		Name:      "task",
		Usage:     "run a single node from a workflow, reading its payload from stdin",
		ArgsUsage: "<workflow-file>",
		Flags: append(commonRunFlags(), &cli.StringFlag{
			Name:     "node",
			Usage:    "the node id to execute",
			Required: true,
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one argument: <workflow-file>")
			}
			logger := setupLogger(cmd.String("log-level"))
			nodeID := cmd.String("node")

			wf, err := loadWorkflow(cmd.Args().First())
			if err != nil {
				return err
			}

			found := false
			for _, n := range wf.Nodes {
				if n.NodeID == nodeID {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("node %q not found in workflow", nodeID)
			}

			payload, err := readPayload()
			if err != nil {
				return err
			}

			eng, err := buildEngine(ctx, cmd.String("data-dir"), logger, nil)
			if err != nil {
				return err
			}

			result, err := eng.InvokeNode(ctx, wf, nodeID, payload)
			if err != nil {
				return fmt.Errorf("invoke node: %w", err)
			}
			return printJSON(result)
		},
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
