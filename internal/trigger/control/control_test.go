package control

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/definitelycarter/fuschia/internal/engine"
	"github.com/definitelycarter/fuschia/internal/exprcache"
	"github.com/definitelycarter/fuschia/internal/joincel"
	"github.com/definitelycarter/fuschia/internal/runner"
	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestSource(t *testing.T) (*Source, chan runner.Job) {
	t.Helper()
	joins, err := joincel.New()
	if err != nil {
		t.Fatalf("joincel.New: %v", err)
	}
	eng := engine.New(nil, nil, exprcache.New(), joins, nil, nil, 0)

	wf := &fuschia.LockedWorkflow{WorkflowID: "wf-1", Nodes: []fuschia.Node{{NodeID: "t", Kind: fuschia.KindTrigger}}}
	lookup := func(workflowID string) (*fuschia.LockedWorkflow, error) {
		if workflowID != wf.WorkflowID {
			return nil, errNotFound(workflowID)
		}
		return wf, nil
	}

	s := New(eng, lookup, nil)
	sender := make(chan runner.Job, 1)
	s.sender = sender
	return s, sender
}

type notFoundErr string

func (e notFoundErr) Error() string { return "workflow not found: " + string(e) }
func errNotFound(id string) error   { return notFoundErr(id) }

func TestHandleInvokeUnknownWorkflow(t *testing.T) {
	s, _ := newTestSource(t)
	req := buildRequest("fuschia.invoke", map[string]any{"workflow_id": "does-not-exist"})
	result, err := s.handleInvoke(context.Background(), req)
	if err != nil {
		t.Fatalf("handleInvoke: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a tool error result for an unknown workflow")
	}
}

func TestHandleInvokeRoundTripsThroughRunner(t *testing.T) {
	s, sender := newTestSource(t)

	go func() {
		job := <-sender
		result, err := s.eng.Invoke(context.Background(), job.Workflow, job.Payload, job.Cancel)
		job.Result <- runner.JobOutcome{Result: result, Err: err}
	}()

	req := buildRequest("fuschia.invoke", map[string]any{
		"workflow_id": "wf-1",
		"payload":     map[string]any{"v": 1},
	})
	result, err := s.handleInvoke(context.Background(), req)
	if err != nil {
		t.Fatalf("handleInvoke: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %+v", result)
	}
}

func TestHandleInvokeNodeMissingNodeID(t *testing.T) {
	s, _ := newTestSource(t)
	req := buildRequest("fuschia.invoke_node", map[string]any{"workflow_id": "wf-1"})
	result, err := s.handleInvokeNode(context.Background(), req)
	if err != nil {
		t.Fatalf("handleInvokeNode: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a tool error result when node_id is missing")
	}
}
