package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/definitelycarter/fuschia/internal/exprcache"
	"github.com/definitelycarter/fuschia/internal/graph"
	"github.com/definitelycarter/fuschia/internal/joincel"
	"github.com/definitelycarter/fuschia/internal/xerrors"
	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	joins, err := joincel.New()
	if err != nil {
		t.Fatalf("joincel.New: %v", err)
	}
	return New(nil, nil, exprcache.New(), joins, nil, nil, 0)
}

func newInvocation(t *testing.T, eng *Engine, nodes []fuschia.Node, edges []fuschia.Edge) *invocation {
	t.Helper()
	w := &fuschia.LockedWorkflow{WorkflowID: "wf1", Nodes: nodes, Edges: edges}
	g, err := graph.Build(w)
	if err != nil {
		t.Fatalf("graph.Build: %v", err)
	}
	return &invocation{
		eng:         eng,
		g:           g,
		executionID: "exec-1",
		results:     make(map[string]fuschia.NodeResult),
	}
}

func succeed(data string) fuschia.NodeResult {
	return fuschia.NodeResult{Status: fuschia.StatusSucceeded, Envelope: &fuschia.Envelope{Data: json.RawMessage(data)}}
}

func fail() fuschia.NodeResult {
	return fuschia.NodeResult{Status: fuschia.StatusFailed, Error: &fuschia.NodeError{Code: "X"}}
}

func TestRunJoinAllSucceeded(t *testing.T) {
	eng := newTestEngine(t)
	inv := newInvocation(t, eng, []fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "a", Kind: fuschia.KindComponent},
		{NodeID: "b", Kind: fuschia.KindComponent},
		{NodeID: "j", Kind: fuschia.KindJoin},
	}, []fuschia.Edge{{From: "t", To: "a"}, {From: "t", To: "b"}, {From: "a", To: "j"}, {From: "b", To: "j"}})

	inv.results["a"] = succeed(`{"ok":true}`)
	inv.results["b"] = succeed(`{"other":1}`)

	result := inv.runJoin(context.Background(), inv.g.Workflow, inv.g.Nodes["j"], []string{"a", "b"})
	if result.Status != fuschia.StatusSucceeded {
		t.Fatalf("expected succeeded join, got %v (%v)", result.Status, result.Error)
	}
	var data map[string]any
	json.Unmarshal(result.Envelope.Data, &data)
	if data["ok"] != true || data["other"] != 1.0 {
		t.Errorf("expected merged data, got %v", data)
	}
	branches, ok := data["branches"].(map[string]any)
	if !ok || branches["a"] != "succeeded" || branches["b"] != "succeeded" {
		t.Errorf("expected branches status map, got %v", data["branches"])
	}
}

func TestRunJoinFailsWhenOneBranchFailedUnderJoinAll(t *testing.T) {
	eng := newTestEngine(t)
	inv := newInvocation(t, eng, []fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "a", Kind: fuschia.KindComponent},
		{NodeID: "b", Kind: fuschia.KindComponent},
		{NodeID: "j", Kind: fuschia.KindJoin, JoinStrategy: fuschia.JoinAll},
	}, []fuschia.Edge{{From: "t", To: "a"}, {From: "t", To: "b"}, {From: "a", To: "j"}, {From: "b", To: "j"}})

	inv.results["a"] = succeed(`{}`)
	inv.results["b"] = fail()

	result := inv.runJoin(context.Background(), inv.g.Workflow, inv.g.Nodes["j"], []string{"a", "b"})
	if result.Status != fuschia.StatusFailed {
		t.Fatalf("expected failed join, got %v", result.Status)
	}
}

func TestRunJoinAnySuccessPassesWithOneFailure(t *testing.T) {
	eng := newTestEngine(t)
	inv := newInvocation(t, eng, []fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "a", Kind: fuschia.KindComponent},
		{NodeID: "b", Kind: fuschia.KindComponent},
		{NodeID: "j", Kind: fuschia.KindJoin, JoinStrategy: fuschia.JoinAnySuccess},
	}, []fuschia.Edge{{From: "t", To: "a"}, {From: "t", To: "b"}, {From: "a", To: "j"}, {From: "b", To: "j"}})

	inv.results["a"] = succeed(`{}`)
	inv.results["b"] = fail()

	result := inv.runJoin(context.Background(), inv.g.Workflow, inv.g.Nodes["j"], []string{"a", "b"})
	if result.Status != fuschia.StatusSucceeded {
		t.Fatalf("expected any_success join to pass, got %v", result.Status)
	}
}

func TestRunJoinWhenPredicateOverridesDefault(t *testing.T) {
	eng := newTestEngine(t)
	inv := newInvocation(t, eng, []fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "a", Kind: fuschia.KindComponent},
		{NodeID: "j", Kind: fuschia.KindJoin, JoinWhen: `branches["a"] == "failed"`},
	}, []fuschia.Edge{{From: "t", To: "a"}, {From: "a", To: "j"}})

	inv.results["a"] = succeed(`{}`)

	result := inv.runJoin(context.Background(), inv.g.Workflow, inv.g.Nodes["j"], []string{"a"})
	if result.Status != fuschia.StatusFailed {
		t.Fatalf("expected the When predicate (false, since a succeeded) to fail the join, got %v", result.Status)
	}
}

func TestRunHTTPNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	eng := newTestEngine(t)
	inv := newInvocation(t, eng, []fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "h", Kind: fuschia.KindHTTP, Inputs: map[string]string{"url": srv.URL}},
	}, []fuschia.Edge{{From: "t", To: "h"}})

	inv.results["t"] = succeed(`{}`)

	result := inv.runHTTP(context.Background(), inv.g.Workflow, inv.g.Nodes["h"], []string{"t"})
	if result.Status != fuschia.StatusSucceeded {
		t.Fatalf("expected succeeded, got %v (%v)", result.Status, result.Error)
	}
	var data map[string]any
	json.Unmarshal(result.Envelope.Data, &data)
	if data["status"] != 200.0 || data["body"] != "pong" {
		t.Errorf("unexpected response data: %v", data)
	}
}

func TestRunHTTPNodeMissingURL(t *testing.T) {
	eng := newTestEngine(t)
	inv := newInvocation(t, eng, []fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "h", Kind: fuschia.KindHTTP},
	}, []fuschia.Edge{{From: "t", To: "h"}})
	inv.results["t"] = succeed(`{}`)

	result := inv.runHTTP(context.Background(), inv.g.Workflow, inv.g.Nodes["h"], []string{"t"})
	if result.Status != fuschia.StatusFailed {
		t.Fatal("expected a failure for a missing url input")
	}
	if result.Error == nil || result.Error.Code != xerrors.CodeInputResolution {
		t.Errorf("expected InputResolution, got %+v", result.Error)
	}
}

func TestDispatchSkipsOnFalseCondition(t *testing.T) {
	eng := newTestEngine(t)
	inv := newInvocation(t, eng, []fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "j", Kind: fuschia.KindJoin, Condition: "false"},
	}, []fuschia.Edge{{From: "t", To: "j"}})
	inv.results["t"] = succeed(`{}`)

	result := inv.dispatch(context.Background(), inv.g.Workflow, inv.g.Nodes["j"], []string{"t"})
	if result.Status != fuschia.StatusSucceeded {
		t.Fatalf("expected a skipped node to still report succeeded, got %v", result.Status)
	}
	var data map[string]any
	json.Unmarshal(result.Envelope.Data, &data)
	if data["skipped"] != true {
		t.Errorf("expected skipped marker, got %v", data)
	}
}

func TestDispatchAbortsWhenCancelled(t *testing.T) {
	eng := newTestEngine(t)
	inv := newInvocation(t, eng, []fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "j", Kind: fuschia.KindJoin},
	}, []fuschia.Edge{{From: "t", To: "j"}})
	inv.results["t"] = succeed(`{}`)

	cancel := make(chan struct{})
	close(cancel)
	inv.cancel = cancel

	result := inv.dispatch(context.Background(), inv.g.Workflow, inv.g.Nodes["j"], []string{"t"})
	if result.Status != fuschia.StatusFailed || result.Error == nil || result.Error.Code != xerrors.CodeCancelled {
		t.Fatalf("expected a Cancelled failure, got %+v", result)
	}
}

func TestRunLoopOverSlice(t *testing.T) {
	eng := newTestEngine(t)
	inv := newInvocation(t, eng, []fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{
			NodeID: "loop",
			Kind:   fuschia.KindLoop,
			Loop: &fuschia.LoopConfig{
				Over: "items",
				Body: fuschia.LockedWorkflow{
					WorkflowID: "inner",
					Nodes:      []fuschia.Node{{NodeID: "inner-trigger", Kind: fuschia.KindTrigger}},
				},
			},
		},
	}, []fuschia.Edge{{From: "t", To: "loop"}})
	inv.results["t"] = succeed(`{"items":[1,2,3]}`)

	result := inv.runLoop(context.Background(), inv.g.Workflow, inv.g.Nodes["loop"], []string{"t"})
	if result.Status != fuschia.StatusSucceeded {
		t.Fatalf("expected succeeded, got %v (%v)", result.Status, result.Error)
	}
	var data struct {
		Iterations []json.RawMessage `json:"iterations"`
	}
	json.Unmarshal(result.Envelope.Data, &data)
	if len(data.Iterations) != 3 {
		t.Fatalf("expected 3 iterations, got %d", len(data.Iterations))
	}
}

func TestInvokeFailsWithCancelledCauseEvenWhenNodesAreNonCritical(t *testing.T) {
	eng := newTestEngine(t)
	wf := &fuschia.LockedWorkflow{
		WorkflowID: "wf1",
		Nodes: []fuschia.Node{
			{NodeID: "t", Kind: fuschia.KindTrigger},
			{NodeID: "a", Kind: fuschia.KindComponent},
			{NodeID: "b", Kind: fuschia.KindComponent},
		},
		Edges: []fuschia.Edge{{From: "t", To: "a"}, {From: "t", To: "b"}},
	}

	cancel := make(chan struct{})
	close(cancel)

	result, err := eng.Invoke(context.Background(), wf, json.RawMessage(`{}`), cancel)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Status != fuschia.StatusFailed {
		t.Fatalf("expected a cancellation to fail the whole execution even though a and b are non-critical, got %v", result.Status)
	}
	if result.Cause != "Cancelled" {
		t.Fatalf("expected cause Cancelled, got %q", result.Cause)
	}
}

func TestReadySkipsDownstreamOfAFailedUpstream(t *testing.T) {
	eng := newTestEngine(t)
	inv := newInvocation(t, eng, []fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "a", Kind: fuschia.KindComponent},
		{NodeID: "b", Kind: fuschia.KindComponent},
	}, []fuschia.Edge{{From: "t", To: "a"}, {From: "a", To: "b"}})

	inv.record("t", succeed(`{}`))
	inv.record("a", fail())

	if ready := inv.g.Ready(inv.snapshotResults()); len(ready) != 0 {
		t.Fatalf("expected b to stay blocked once its only upstream failed, got %v", ready)
	}

	res := inv.finalize()
	if _, ok := res.Nodes["b"]; ok {
		t.Fatalf("expected b to be absent from the final nodes map, got %+v", res.Nodes["b"])
	}
}

func TestFinalizeStatusRules(t *testing.T) {
	eng := newTestEngine(t)
	inv := newInvocation(t, eng, []fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "critical", Kind: fuschia.KindComponent, Critical: true},
		{NodeID: "optional", Kind: fuschia.KindComponent},
	}, []fuschia.Edge{{From: "t", To: "critical"}, {From: "t", To: "optional"}})

	inv.record("t", succeed(`{}`))
	inv.record("critical", succeed(`{}`))
	inv.record("optional", fail())

	res := inv.finalize()
	if res.Status != fuschia.StatusCompletedWithErrors {
		t.Fatalf("expected completed_with_errors when only a non-critical node fails, got %v", res.Status)
	}

	inv.record("critical", fail())
	res = inv.finalize()
	if res.Status != fuschia.StatusFailed {
		t.Fatalf("expected failed when a critical node fails, got %v", res.Status)
	}
}
