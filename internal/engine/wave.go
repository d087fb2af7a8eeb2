package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/definitelycarter/fuschia/internal/componentcache"
	"github.com/definitelycarter/fuschia/internal/componenthost"
	"github.com/definitelycarter/fuschia/internal/logging"
	"github.com/definitelycarter/fuschia/internal/xerrors"
	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

// runTrigger implements spec.md section 4.5 protocol step 2. A built-in
// trigger (no Component ref) adopts payload as its envelope data directly;
// a component-backed trigger calls Host.ExecuteTrigger and either reports
// pending or adopts the completed payload.
func (inv *invocation) runTrigger(ctx context.Context, wf *fuschia.LockedWorkflow, trigger *fuschia.Node, payload json.RawMessage) (fuschia.NodeResult, bool, error) {
	taskID := uuid.NewString()

	if trigger.Component == nil {
		env := &fuschia.Envelope{
			WorkflowID: wf.WorkflowID,
			NodeID:     trigger.NodeID,
			TaskID:     taskID,
			StartedAt:  nowISO(),
			Data:       orEmptyObject(payload),
		}
		return fuschia.NodeResult{Status: fuschia.StatusSucceeded, Envelope: env}, false, nil
	}

	ref := componentcache.Key{Digest: trigger.Component.Digest, Kind: trigger.Component.ExportName}
	event := componenthost.TriggerEvent{Kind: string(trigger.TriggerType), IncomingRequest: payload}
	timeout := inv.eng.timeoutFor(wf, trigger)

	outcome, err := inv.eng.Host.ExecuteTrigger(ctx, ref, trigger.NodeID, inv.eng.bytesFetcher(), event, timeout, inv.executionID, nil, trigger.Component.Capabilities.AllowedHosts)
	if err != nil {
		return fuschia.NodeResult{Status: fuschia.StatusFailed, Error: toNodeError(err)}, false, nil
	}
	if outcome.Pending {
		return fuschia.NodeResult{}, true, nil
	}

	env := &fuschia.Envelope{
		WorkflowID: wf.WorkflowID,
		NodeID:     trigger.NodeID,
		TaskID:     taskID,
		StartedAt:  nowISO(),
		Data:       orEmptyObject(outcome.Payload),
	}
	return fuschia.NodeResult{Status: fuschia.StatusSucceeded, Envelope: env}, false, nil
}

// runWaves implements spec.md section 4.5 protocol step 3: repeatedly
// compute the ready set, dispatch each ready node concurrently, await the
// wave, insert results, until no more nodes become ready.
func (inv *invocation) runWaves(ctx context.Context, wf *fuschia.LockedWorkflow) error {
	for {
		ready := inv.g.Ready(inv.snapshotResults())
		if len(ready) == 0 {
			return nil
		}

		var wg sync.WaitGroup
		for _, nodeID := range ready {
			node := inv.g.Nodes[nodeID]
			upstreams := append([]string(nil), inv.g.Backward[nodeID]...)

			wg.Add(1)
			go func(node *fuschia.Node, upstreams []string) {
				defer wg.Done()
				inv.eng.publish(ctx, wf.WorkflowID, node.NodeID, "node.started", nil)
				result := inv.dispatch(ctx, wf, node, upstreams)
				inv.record(node.NodeID, result)
				inv.eng.publish(ctx, wf.WorkflowID, node.NodeID, "node.finished", result.Status)
			}(node, upstreams)
		}
		wg.Wait()
	}
}

// dispatch runs one node end to end: cancellation check, condition gate,
// kind dispatch. It never returns an error; all failure modes are folded
// into the returned NodeResult, per spec.md section 4.5 step 3c.
func (inv *invocation) dispatch(ctx context.Context, wf *fuschia.LockedWorkflow, node *fuschia.Node, upstreams []string) fuschia.NodeResult {
	nodeCtx := logging.WithNodeID(ctx, node.NodeID)

	if inv.cancelled() {
		return fuschia.NodeResult{Status: fuschia.StatusFailed, Error: toNodeError(xerrors.Cancelled().WithNode(node.NodeID))}
	}

	if node.Condition != "" {
		env := inv.mergedEnv(upstreams)
		ok, err := inv.eng.Exprs.EvalBool(node.NodeID, node.Condition, env)
		if err != nil {
			return fuschia.NodeResult{Status: fuschia.StatusFailed, Error: toNodeError(err)}
		}
		if !ok {
			return fuschia.NodeResult{Status: fuschia.StatusSucceeded, Envelope: &fuschia.Envelope{
				WorkflowID: wf.WorkflowID,
				NodeID:     node.NodeID,
				TaskID:     uuid.NewString(),
				StartedAt:  nowISO(),
				Data:       json.RawMessage(`{"skipped":true}`),
			}}
		}
	}

	switch node.Kind {
	case fuschia.KindComponent:
		return inv.runComponent(nodeCtx, wf, node, upstreams)
	case fuschia.KindHTTP:
		return inv.runHTTP(nodeCtx, wf, node, upstreams)
	case fuschia.KindJoin:
		return inv.runJoin(nodeCtx, wf, node, upstreams)
	case fuschia.KindLoop:
		return inv.runLoop(nodeCtx, wf, node, upstreams)
	default:
		return fuschia.NodeResult{Status: fuschia.StatusFailed, Error: toNodeError(xerrors.Newf(xerrors.CodeInvalidGraph, "node %s has an unexecutable kind %q", node.NodeID, node.Kind).WithNode(node.NodeID))}
	}
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
