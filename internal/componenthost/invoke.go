package componenthost

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"

	"github.com/definitelycarter/fuschia/internal/componentcache"
	"github.com/definitelycarter/fuschia/internal/hoststate"
	"github.com/definitelycarter/fuschia/internal/kv"
	"github.com/definitelycarter/fuschia/internal/xerrors"
)

// Host is the component host named by spec.md section 4.3: compiles through
// the cache, instantiates freshly per call, wires host imports, arms a
// timeout, invokes the single export, and unwraps the result.
type Host struct {
	engine *Engine
	kv     kv.Store
	logger *slog.Logger
}

// NewHost builds a Host bound to engine and backed by store for the kv.*
// import.
func NewHost(ctx context.Context, engine *Engine, store kv.Store, logger *slog.Logger) (*Host, error) {
	if err := buildHostModules(ctx, engine.Runtime(), logger); err != nil {
		return nil, err
	}
	return &Host{engine: engine, kv: store, logger: logger}, nil
}

// TaskContext mirrors the WIT `context` record in spec.md section 6.
type TaskContext struct {
	ExecutionID string `json:"execution-id"`
	NodeID      string `json:"node-id"`
	TaskID      string `json:"task-id"`
}

// ExecuteTask runs the task-component world's single export. fetch and
// compile retrieve the compiled module through the shared cache (spec.md
// section 4.1); timeout arms the epoch-equivalent context deadline.
func (h *Host) ExecuteTask(
	ctx context.Context,
	ref componentcache.Key,
	nodeID string,
	fetch componentcache.BytesFetcher,
	tctx TaskContext,
	inputsJSON []byte,
	timeout time.Duration,
	config map[string]string,
	allowedHosts []string,
) (json.RawMessage, error) {
	compiled, err := h.engine.Cache().GetOrCompile(ctx, ref, nodeID, fetch)
	if err != nil {
		return nil, err
	}
	mod, ok := compiled.(wazero.CompiledModule)
	if !ok {
		return nil, xerrors.ComponentLoad(nodeID, "cached entry is not a compiled module")
	}

	state := hoststate.NewTask(h.logger, h.kv, tctx.ExecutionID, nodeID, tctx.TaskID, config)
	cs := &callState{Task: state, Caps: allowedHosts}

	callCtx, cancel := context.WithTimeout(withCallState(ctx, cs), timeout)
	defer cancel()

	instance, err := h.engine.Runtime().InstantiateModule(callCtx, mod,
		wazero.NewModuleConfig().WithName(tctx.NodeID+"-"+tctx.TaskID))
	if err != nil {
		return nil, mapInstantiation(nodeID, err)
	}
	defer instance.Close(ctx)

	ctxJSON, _ := json.Marshal(tctx)
	result, err := invokeExport(callCtx, instance, "task-execute", ctxJSON, inputsJSON)
	if err != nil {
		return nil, mapTrap(nodeID, err)
	}

	if !result.OK {
		return nil, xerrors.ComponentExecution(nodeID, xerrors.HostComponentError, string(result.JSON))
	}
	if !json.Valid(result.JSON) {
		return nil, xerrors.InvalidOutput(nodeID, "component returned non-JSON data")
	}
	return json.RawMessage(result.JSON), nil
}

// TriggerEvent mirrors the WIT `event` variant in spec.md section 6.
type TriggerEvent struct {
	Kind            string          `json:"kind"` // "poll" | "webhook"
	IncomingRequest json.RawMessage `json:"incoming_request,omitempty"`
}

// TriggerOutcome mirrors the WIT `status` variant.
type TriggerOutcome struct {
	Pending bool
	Payload json.RawMessage
}

// ExecuteTrigger runs the trigger-component world's single export.
func (h *Host) ExecuteTrigger(
	ctx context.Context,
	ref componentcache.Key,
	nodeID string,
	fetch componentcache.BytesFetcher,
	event TriggerEvent,
	timeout time.Duration,
	executionID string,
	config map[string]string,
	allowedHosts []string,
) (TriggerOutcome, error) {
	compiled, err := h.engine.Cache().GetOrCompile(ctx, ref, nodeID, fetch)
	if err != nil {
		return TriggerOutcome{}, err
	}
	mod, ok := compiled.(wazero.CompiledModule)
	if !ok {
		return TriggerOutcome{}, xerrors.ComponentLoad(nodeID, "cached entry is not a compiled module")
	}

	state := hoststate.NewTrigger(h.logger, h.kv, executionID, nodeID, config)
	cs := &callState{Trigger: state, Caps: allowedHosts}

	callCtx, cancel := context.WithTimeout(withCallState(ctx, cs), timeout)
	defer cancel()

	instance, err := h.engine.Runtime().InstantiateModule(callCtx, mod,
		wazero.NewModuleConfig().WithName(nodeID+"-"+uuid.NewString()))
	if err != nil {
		return TriggerOutcome{}, mapInstantiation(nodeID, err)
	}
	defer instance.Close(ctx)

	eventJSON, _ := json.Marshal(event)
	result, err := invokeExport(callCtx, instance, "trigger-handle", eventJSON, nil)
	if err != nil {
		return TriggerOutcome{}, mapTrap(nodeID, err)
	}

	if !result.OK {
		return TriggerOutcome{}, xerrors.ComponentExecution(nodeID, xerrors.HostComponentError, string(result.JSON))
	}
	var status struct {
		Pending bool            `json:"pending"`
		Payload json.RawMessage `json:"completed,omitempty"`
	}
	if err := json.Unmarshal(result.JSON, &status); err != nil {
		return TriggerOutcome{}, xerrors.InvalidOutput(nodeID, "trigger returned malformed status")
	}
	return TriggerOutcome{Pending: status.Pending, Payload: status.Payload}, nil
}

// mapInstantiation maps a linking/instantiation failure onto HostInstantiation,
// per spec.md section 4.3: "linking failed, missing import, bad wasm."
func mapInstantiation(nodeID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Timeout(nodeID)
	}
	return xerrors.ComponentExecution(nodeID, xerrors.HostInstantiation, err.Error())
}

// mapTrap maps a call-time failure onto Timeout (epoch-equivalent deadline
// hit) or a generic Trap, per spec.md section 4.3 step 6.
func mapTrap(nodeID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Timeout(nodeID)
	}
	return xerrors.ComponentExecution(nodeID, xerrors.HostTrap, err.Error())
}
