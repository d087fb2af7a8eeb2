package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/definitelycarter/fuschia/internal/panel"
	"github.com/definitelycarter/fuschia/internal/recorder"
	"github.com/definitelycarter/fuschia/internal/runner"
	"github.com/definitelycarter/fuschia/internal/streaming"
	"github.com/definitelycarter/fuschia/internal/trigger/control"
	"github.com/definitelycarter/fuschia/internal/trigger/poll"
)

// scheduleEntry is one line of an optional --schedule file: a cron
// expression paired with a workflow file to run on that schedule.
type scheduleEntry struct {
	Cron         string          `json:"cron"`
	WorkflowFile string          `json:"workflow_file"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "start a long-running Runner with the poll and MCP control trigger sources attached",
		Flags: append(commonRunFlags(),
			&cli.StringFlag{
				Name:    "workflows-dir",
				Usage:   "directory of locked workflow documents, named <workflow_id>.json, that the MCP control source can invoke by id",
				Value:   "workflows",
				Sources: cli.EnvVars("FUSCHIA_WORKFLOWS_DIR"),
			},
			&cli.StringFlag{
				Name:  "schedule",
				Usage: "path to a JSON array of {cron, workflow_file, payload} entries for the poll trigger source",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "libSQL database path for recording completed executions; omit to skip recording",
			},
			&cli.StringFlag{
				Name:  "panel-addr",
				Usage: "listen address for the SSE/execution-history panel; omit to disable",
				Value: ":4100",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "maximum invocations running at once",
				Value: 8,
			},
		),
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	logger := setupLogger(cmd.String("log-level"))

	hub := streaming.NewMemoryHub()
	eng, err := buildEngine(ctx, cmd.String("data-dir"), logger, hub)
	if err != nil {
		return err
	}

	r := runner.New(eng, logger, 256, cmd.Int("concurrency"))

	if dbPath := cmd.String("db"); dbPath != "" {
		rec, err := recorder.Open(ctx, dbPath)
		if err != nil {
			return fmt.Errorf("open execution recorder: %w", err)
		}
		defer rec.Close()
		r.Sink = rec

		if addr := cmd.String("panel-addr"); addr != "" {
			startPanel(ctx, logger, addr, hub, rec)
		}
	} else if addr := cmd.String("panel-addr"); addr != "" {
		startPanel(ctx, logger, addr, hub, nil)
	}

	pollSource := poll.New(logger, time.Minute)
	if schedulePath := cmd.String("schedule"); schedulePath != "" {
		if err := loadSchedule(pollSource, schedulePath); err != nil {
			return fmt.Errorf("load schedule: %w", err)
		}
	}

	controlSource := control.New(eng, dirWorkflowLookup(cmd.String("workflows-dir")), logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go r.Start(ctx)
	go func() {
		if err := pollSource.Start(ctx, r.Sender()); err != nil && ctx.Err() == nil {
			logger.Error("poll trigger source stopped", "error", err)
		}
	}()
	go func() {
		if err := controlSource.Start(ctx, r.Sender()); err != nil && ctx.Err() == nil {
			logger.Error("mcp control source stopped", "error", err)
		}
	}()

	logger.Info("fuschia serve started")
	<-ctx.Done()
	logger.Info("fuschia serve shutting down")
	return nil
}

func loadSchedule(src *poll.Source, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []scheduleEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse schedule file: %w", err)
	}
	for _, e := range entries {
		wf, err := loadWorkflow(e.WorkflowFile)
		if err != nil {
			return err
		}
		payload := e.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		if err := src.Register(poll.Registration{CronExpr: e.Cron, Workflow: wf, Payload: payload}); err != nil {
			return fmt.Errorf("register schedule for workflow %q: %w", wf.WorkflowID, err)
		}
	}
	return nil
}

func startPanel(ctx context.Context, logger *slog.Logger, addr string, hub streaming.EventHub, sink *recorder.Recorder) {
	srv := panel.New(panel.Deps{Hub: hub, Sink: sink, Logger: logger})
	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("panel server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
}
