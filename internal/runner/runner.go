// Package runner implements the thin façade named in spec.md section 4.6:
// a shared handle to the Runtime/Scheduler plus a buffered channel of Jobs.
// The channel's capacity is fixed by New's bufSize, so a send blocks while
// it is full. External trigger sources (internal/trigger/poll,
// internal/trigger/control) feed the channel; the Runner spawns one
// invocation per received Job.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/definitelycarter/fuschia/internal/engine"
	"github.com/definitelycarter/fuschia/internal/recorder"
	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

// Job is one unit of work handed to the Runner: a locked workflow plus the
// payload its trigger should adopt.
type Job struct {
	Workflow *fuschia.LockedWorkflow
	Payload  json.RawMessage
	Cancel   <-chan struct{}
	// Result, if non-nil, receives the ExecutionResult (or error) once the
	// invocation completes. Trigger sources that need the outcome (the MCP
	// control source's synchronous "invoke" tool) set this; poll-driven
	// jobs leave it nil and fire-and-forget.
	Result chan<- JobOutcome
}

// JobOutcome carries a completed Job's result back to whichever trigger
// source asked for it.
type JobOutcome struct {
	Result *fuschia.ExecutionResult
	Err    error
}

// TriggerSource is the small interface spec.md section 4.6 calls out:
// "external trigger sources (poll timers, webhook handlers)." A source
// runs until ctx is cancelled, pushing Jobs onto sender as events occur.
type TriggerSource interface {
	Start(ctx context.Context, sender chan<- Job) error
}

// Runner holds a shared Engine handle and the channel trigger sources feed.
// Invocations fan out through a bounded WorkerPool rather than one goroutine
// per Job, so a burst of trigger events can't unboundedly grow the number of
// concurrently running invocations.
type Runner struct {
	eng    *engine.Engine
	ch     chan Job
	pool   *WorkerPool
	logger *slog.Logger

	// Sink, if set, records every completed invocation. Its execution id is
	// generated fresh here, independent of the id the engine assigns
	// internally for KV scoping and log correlation: ExecutionResult
	// carries no execution id back across the wire (spec.md section 6), so
	// this is the Runner's own bookkeeping key, not the engine's.
	Sink recorder.Sink
}

// New builds a Runner. bufSize sizes the job channel; spec.md describes it
// as unbounded, so callers should pick a buffer generous enough that a
// burst of trigger events never blocks a trigger source's own Start loop.
// concurrency bounds how many invocations Start runs at once.
func New(eng *engine.Engine, logger *slog.Logger, bufSize, concurrency int) *Runner {
	if bufSize <= 0 {
		bufSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{eng: eng, ch: make(chan Job, bufSize), pool: NewWorkerPool(concurrency), logger: logger}
}

// Sender hands out a producer handle, per spec.md section 4.6's "sender()".
func (r *Runner) Sender() chan<- Job {
	return r.ch
}

// Run is the direct call: invoke a workflow synchronously and return its
// result, bypassing the channel entirely.
func (r *Runner) Run(ctx context.Context, job Job) (*fuschia.ExecutionResult, error) {
	startedAt := time.Now().UTC()
	result, err := r.eng.Invoke(ctx, job.Workflow, job.Payload, job.Cancel)
	if err == nil && r.Sink != nil {
		r.recordResult(ctx, job.Workflow.WorkflowID, result, startedAt)
	}
	return result, err
}

func (r *Runner) recordResult(ctx context.Context, workflowID string, result *fuschia.ExecutionResult, startedAt time.Time) {
	rec := recorder.Record{
		ExecutionID: uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      result.Status,
		Cause:       result.Cause,
		Nodes:       result.Nodes,
		StartedAt:   startedAt,
		FinishedAt:  time.Now().UTC(),
	}
	if err := r.Sink.Record(ctx, rec); err != nil {
		r.logger.Error("failed to record execution", "workflow_id", workflowID, "error", err)
	}
}

// Start loops receiving payloads off the channel and spawning one invoke
// per Job onto the bounded pool, until ctx is cancelled (spec.md section
// 4.6's "start(cancel)").
func (r *Runner) Start(ctx context.Context) {
	defer r.pool.Shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.ch:
			if err := r.pool.Submit(ctx, func(ctx context.Context) error {
				return r.dispatch(ctx, job)
			}); err != nil {
				r.logger.Error("failed to submit invocation to pool", "error", err)
				if job.Result != nil {
					job.Result <- JobOutcome{Err: err}
				}
			}
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, job Job) error {
	result, err := r.Run(ctx, job)
	if err != nil {
		r.logger.Error("invocation failed to start", "error", err)
	}
	if job.Result != nil {
		job.Result <- JobOutcome{Result: result, Err: err}
	}
	return err
}

// Metrics exposes the underlying pool's operational metrics.
func (r *Runner) Metrics() PoolMetrics {
	return r.pool.Metrics()
}
