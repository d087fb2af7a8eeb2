// Package engine implements the Runtime/Scheduler named in spec.md section
// 4.5: given a LockedWorkflow and an initial payload, it drives the trigger
// phase, runs the wave loop, and folds per-node results into an
// ExecutionResult. It is the one package that ties the Input Pipeline
// (internal/render, internal/coerce), the Component Host
// (internal/componenthost), and the expression caches (internal/exprcache,
// internal/joincel) together over a DAG (internal/graph).
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/definitelycarter/fuschia/internal/componentcache"
	"github.com/definitelycarter/fuschia/internal/componenthost"
	"github.com/definitelycarter/fuschia/internal/exprcache"
	"github.com/definitelycarter/fuschia/internal/graph"
	"github.com/definitelycarter/fuschia/internal/joincel"
	"github.com/definitelycarter/fuschia/internal/kv"
	"github.com/definitelycarter/fuschia/internal/logging"
	"github.com/definitelycarter/fuschia/internal/streaming"
	"github.com/definitelycarter/fuschia/internal/validate"
	"github.com/definitelycarter/fuschia/internal/xerrors"
	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

// ComponentSource fetches a component's Wasm bytes by content digest. It is
// the one external collaborator spec.md section 2 calls out of scope: "the
// on-disk component registry (looked up by name/version, returns manifest +
// Wasm bytes)".
type ComponentSource interface {
	Fetch(ctx context.Context, digest string) ([]byte, error)
}

// Engine is the shared, reusable handle a Runner holds: one Engine drives
// any number of concurrent invocations of any number of workflows.
type Engine struct {
	Host           *componenthost.Host
	Validator      *validate.Validator
	Exprs          *exprcache.Cache
	Joins          *joincel.Cache
	Source         ComponentSource
	Logger         *slog.Logger
	DefaultTimeout time.Duration

	// Hub, if set, receives invocation/node lifecycle events (SPEC_FULL.md
	// section 13.5). It never carries node data, only identity and status.
	Hub streaming.EventHub
}

// New builds an Engine. defaultTimeout is used for any node that declares
// neither a per-node timeout nor the workflow carries a default.
func New(host *componenthost.Host, validator *validate.Validator, exprs *exprcache.Cache, joins *joincel.Cache, source ComponentSource, logger *slog.Logger, defaultTimeout time.Duration) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Engine{Host: host, Validator: validator, Exprs: exprs, Joins: joins, Source: source, Logger: logger, DefaultTimeout: defaultTimeout}
}

// publish emits a lifecycle event if a Hub is attached. Never blocks on a
// slow subscriber (MemoryHub drops under backpressure) and never fails an
// invocation on a publish error.
func (e *Engine) publish(ctx context.Context, workflowID, nodeID, eventType string, payload any) {
	if e.Hub == nil {
		return
	}
	_ = e.Hub.Publish(ctx, streaming.StreamEvent{WorkflowID: workflowID, StepID: nodeID, EventType: eventType, Payload: payload})
}

// invocation holds the per-invoke state threaded through the wave loop:
// the graph, the shared KV store, and the execution identity used for
// correlation-ID logging and component context records.
type invocation struct {
	eng         *Engine
	g           *graph.Graph
	store       kv.Store
	executionID string
	cancel      <-chan struct{}

	mu      sync.Mutex // guards results below
	results map[string]fuschia.NodeResult
}

// Invoke runs the full protocol from spec.md section 4.5: validation,
// trigger phase, wave loop, final status rule.
func (e *Engine) Invoke(ctx context.Context, wf *fuschia.LockedWorkflow, payload json.RawMessage, cancel <-chan struct{}) (*fuschia.ExecutionResult, error) {
	if err := e.validateDocument(wf); err != nil {
		return nil, err
	}
	g, err := graph.Build(wf)
	if err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	ctx = logging.WithExecutionID(ctx, executionID)

	inv := &invocation{
		eng:         e,
		g:           g,
		store:       kv.NewMemStore(),
		executionID: executionID,
		cancel:      cancel,
		results:     make(map[string]fuschia.NodeResult),
	}
	defer kv.Forget(inv.store, executionID)

	e.publish(ctx, wf.WorkflowID, "", "invocation.started", nil)

	trigger := g.Nodes[g.TriggerID]
	triggerResult, pending, err := inv.runTrigger(ctx, wf, trigger, payload)
	if err != nil {
		return nil, err
	}
	if pending {
		res := &fuschia.ExecutionResult{Status: fuschia.StatusSucceeded, Cause: "trigger pending"}
		e.publish(ctx, wf.WorkflowID, "", "invocation.finished", res.Status)
		return res, nil
	}
	inv.record(trigger.NodeID, triggerResult)

	if err := inv.runWaves(ctx, wf); err != nil {
		return nil, err
	}

	result := inv.finalize()
	e.publish(ctx, wf.WorkflowID, "", "invocation.finished", result.Status)
	return result, nil
}

// InvokeNode executes a single node treating payload as if it were its
// single upstream's envelope data, for debugging (spec.md section 4.5,
// "single-node mode").
func (e *Engine) InvokeNode(ctx context.Context, wf *fuschia.LockedWorkflow, nodeID string, payload json.RawMessage) (*fuschia.NodeResult, error) {
	g, err := graph.Build(wf)
	if err != nil {
		return nil, err
	}
	node, ok := g.Nodes[nodeID]
	if !ok {
		return nil, xerrors.InvalidGraph("node %q not found", nodeID)
	}

	executionID := uuid.NewString()
	ctx = logging.WithExecutionID(ctx, executionID)
	ctx = logging.WithNodeID(ctx, nodeID)

	inv := &invocation{
		eng:         e,
		g:           g,
		store:       kv.NewMemStore(),
		executionID: executionID,
		results:     make(map[string]fuschia.NodeResult),
	}
	defer kv.Forget(inv.store, executionID)

	stub := fuschia.Envelope{WorkflowID: wf.WorkflowID, NodeID: "__stub__", TaskID: uuid.NewString(), StartedAt: nowISO(), Data: payload}
	inv.results["__stub__"] = fuschia.NodeResult{Status: fuschia.StatusSucceeded, Envelope: &stub}

	result := inv.dispatch(ctx, wf, node, []string{"__stub__"})
	return &result, nil
}

func (e *Engine) validateDocument(wf *fuschia.LockedWorkflow) error {
	if e.Validator == nil {
		return nil
	}
	raw, err := json.Marshal(wf)
	if err != nil {
		return xerrors.InvalidGraph("failed to serialize workflow: %v", err)
	}
	return e.Validator.ValidateWorkflow(raw)
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (inv *invocation) record(nodeID string, result fuschia.NodeResult) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.results[nodeID] = result
}

// snapshotResults copies the results recorded so far, for Graph.Ready to
// read without racing the wave loop's writers.
func (inv *invocation) snapshotResults() map[string]fuschia.NodeResult {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make(map[string]fuschia.NodeResult, len(inv.results))
	for k, v := range inv.results {
		out[k] = v
	}
	return out
}

// finalize folds recorded node results into the aggregate status, per
// spec.md section 4.5's final status rule. A Cancelled node anywhere in the
// tree short-circuits the usual critical/non-critical propagation: per
// section 7 the whole execution becomes Failed{cause: Cancelled}
// unconditionally, even if every cancelled node was non-critical.
func (inv *invocation) finalize() *fuschia.ExecutionResult {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	results := make(map[string]fuschia.NodeResult, len(inv.results))
	for k, v := range inv.results {
		results[k] = v
	}

	for _, r := range results {
		if r.Error != nil && r.Error.Code == xerrors.CodeCancelled {
			return &fuschia.ExecutionResult{Status: fuschia.StatusFailed, Nodes: results, Cause: "Cancelled"}
		}
	}

	status := fuschia.StatusSucceeded
	for nodeID, r := range results {
		if r.Status != fuschia.StatusFailed {
			continue
		}
		if inv.g.Nodes[nodeID].Critical {
			status = fuschia.StatusFailed
			break
		}
		if status == fuschia.StatusSucceeded {
			status = fuschia.StatusCompletedWithErrors
		}
	}

	return &fuschia.ExecutionResult{Status: status, Nodes: results}
}

// cancelled reports whether the invocation's cancellation token has fired.
func (inv *invocation) cancelled() bool {
	if inv.cancel == nil {
		return false
	}
	select {
	case <-inv.cancel:
		return true
	default:
		return false
	}
}

// timeoutFor resolves a node's effective timeout: its own override, else the
// workflow default, else the engine default (spec.md section 5).
func (e *Engine) timeoutFor(wf *fuschia.LockedWorkflow, node *fuschia.Node) time.Duration {
	if node.TimeoutMS != nil {
		return time.Duration(*node.TimeoutMS) * time.Millisecond
	}
	if wf.DefaultTimeoutMS > 0 {
		return time.Duration(wf.DefaultTimeoutMS) * time.Millisecond
	}
	return e.DefaultTimeout
}

// bytesFetcher adapts the engine's ComponentSource to the signature
// componentcache.GetOrCompile expects.
func (e *Engine) bytesFetcher() componentcache.BytesFetcher {
	return func(ctx context.Context, digest string) ([]byte, error) {
		return e.Source.Fetch(ctx, digest)
	}
}
