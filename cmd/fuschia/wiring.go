package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/definitelycarter/fuschia/internal/componenthost"
	"github.com/definitelycarter/fuschia/internal/engine"
	"github.com/definitelycarter/fuschia/internal/exprcache"
	"github.com/definitelycarter/fuschia/internal/joincel"
	"github.com/definitelycarter/fuschia/internal/kv"
	"github.com/definitelycarter/fuschia/internal/logging"
	"github.com/definitelycarter/fuschia/internal/streaming"
	"github.com/definitelycarter/fuschia/internal/trigger/control"
	"github.com/definitelycarter/fuschia/internal/validate"
	"github.com/definitelycarter/fuschia/pkg/fuschia"

	"github.com/urfave/cli/v3"
)

// commonRunFlags is shared between "run workflow" and "run task": where to
// find components on disk and how chatty to be.
func commonRunFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "data-dir",
			Usage:   "directory holding compiled components (<data-dir>/components/<digest>.wasm)",
			Value:   defaultDataDir(),
			Sources: cli.EnvVars("FUSCHIA_DATA_DIR"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("FUSCHIA_LOG_LEVEL"),
		},
	}
}

// fsComponentSource fetches compiled Wasm bytes from a flat directory of
// <digest>.wasm files. The on-disk component registry proper (name/version
// lookup, manifest parsing) is an external collaborator out of scope per
// spec.md section 2; this is the minimal stand-in the CLI needs to actually
// invoke a locked workflow's components, keyed the same way
// internal/componentcache already keys its cache: by content digest.
type fsComponentSource struct {
	dir string
}

func (s fsComponentSource) Fetch(_ context.Context, digest string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, digest+".wasm"))
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := logging.NewCorrelationHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	return slog.New(handler)
}

// buildEngine wires the Runtime/Scheduler (internal/engine) together with
// the Wasm host, validator, and expression caches, per SPEC_FULL.md section
// 4. hub may be nil when no lifecycle event feed is wanted (e.g. one-shot
// CLI runs).
func buildEngine(ctx context.Context, dataDir string, logger *slog.Logger, hub streaming.EventHub) (*engine.Engine, error) {
	wazeroEngine, err := componenthost.NewEngine(ctx)
	if err != nil {
		return nil, fmt.Errorf("start component engine: %w", err)
	}

	host, err := componenthost.NewHost(ctx, wazeroEngine, kv.NewMemStore(), logger)
	if err != nil {
		return nil, fmt.Errorf("start component host: %w", err)
	}

	validator, err := validate.New()
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	joins, err := joincel.New()
	if err != nil {
		return nil, fmt.Errorf("build join predicate cache: %w", err)
	}

	source := fsComponentSource{dir: filepath.Join(dataDir, "components")}

	eng := engine.New(host, validator, exprcache.New(), joins, source, logger, 0)
	eng.Hub = hub
	return eng, nil
}

// dirWorkflowLookup resolves a workflow id to a LockedWorkflow by reading
// <dir>/<workflow_id>.json. This is the CLI's stand-in for the resolver
// (spec.md section 2's "resolver that lock-validates a workflow definition
// into a DAG" is an out-of-scope external collaborator); workflow files here
// are already locked documents, not definitions to resolve.
func dirWorkflowLookup(dir string) control.WorkflowLookup {
	return func(workflowID string) (*fuschia.LockedWorkflow, error) {
		return loadWorkflow(filepath.Join(dir, workflowID+".json"))
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fuschia"
	}
	return filepath.Join(home, ".fuschia")
}
