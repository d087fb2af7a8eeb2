package graph

import (
	"testing"

	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

func wf(nodes []fuschia.Node, edges []fuschia.Edge) *fuschia.LockedWorkflow {
	return &fuschia.LockedWorkflow{WorkflowID: "wf1", Nodes: nodes, Edges: edges}
}

func TestBuildRequiresExactlyOneTrigger(t *testing.T) {
	_, err := Build(wf([]fuschia.Node{
		{NodeID: "a", Kind: fuschia.KindComponent},
	}, nil))
	if err == nil {
		t.Fatal("expected error for workflow with no trigger")
	}

	_, err = Build(wf([]fuschia.Node{
		{NodeID: "t1", Kind: fuschia.KindTrigger},
		{NodeID: "t2", Kind: fuschia.KindTrigger},
	}, nil))
	if err == nil {
		t.Fatal("expected error for workflow with two triggers")
	}
}

func TestBuildRejectsOrphans(t *testing.T) {
	_, err := Build(wf([]fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "a", Kind: fuschia.KindComponent},
	}, nil))
	if err == nil {
		t.Fatal("expected error for non-trigger node with no incoming edge")
	}
}

func TestBuildRejectsSelfLoop(t *testing.T) {
	_, err := Build(wf([]fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "a", Kind: fuschia.KindComponent},
	}, []fuschia.Edge{{From: "a", To: "a"}}))
	if err == nil {
		t.Fatal("expected error for self-loop")
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	_, err := Build(wf([]fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "a", Kind: fuschia.KindComponent},
		{NodeID: "b", Kind: fuschia.KindComponent},
	}, []fuschia.Edge{
		{From: "t", To: "a"},
		{From: "a", To: "b"},
		{From: "b", To: "a"},
	}))
	if err == nil {
		t.Fatal("expected error for a cycle")
	}
}

func TestReadyProgressesWaveByWave(t *testing.T) {
	g, err := Build(wf([]fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "a", Kind: fuschia.KindComponent},
		{NodeID: "b", Kind: fuschia.KindComponent},
		{NodeID: "join", Kind: fuschia.KindJoin},
	}, []fuschia.Edge{
		{From: "t", To: "a"},
		{From: "t", To: "b"},
		{From: "a", To: "join"},
		{From: "b", To: "join"},
	}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	succeeded := fuschia.NodeResult{Status: fuschia.StatusSucceeded}

	results := map[string]fuschia.NodeResult{"t": succeeded}
	ready := g.Ready(results)
	if len(ready) != 2 || ready[0] != "a" || ready[1] != "b" {
		t.Fatalf("expected [a b] ready after trigger, got %v", ready)
	}

	results["a"] = succeeded
	if ready := g.Ready(results); len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("expected only [b] ready; join should not be ready until b finishes too, got %v", ready)
	}

	results["b"] = succeeded
	ready = g.Ready(results)
	if len(ready) != 1 || ready[0] != "join" {
		t.Fatalf("expected [join] ready once both upstreams finish, got %v", ready)
	}
}

func TestReadySkipsDownstreamOfAFailedNonJoinUpstream(t *testing.T) {
	g, err := Build(wf([]fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "a", Kind: fuschia.KindComponent},
		{NodeID: "b", Kind: fuschia.KindComponent},
	}, []fuschia.Edge{
		{From: "t", To: "a"},
		{From: "a", To: "b"},
	}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	results := map[string]fuschia.NodeResult{
		"t": {Status: fuschia.StatusSucceeded},
		"a": {Status: fuschia.StatusFailed},
	}
	if ready := g.Ready(results); len(ready) != 0 {
		t.Fatalf("expected b to never become ready once its only upstream failed, got %v", ready)
	}
}

func TestReadyLetsAJoinRunEvenWhenABranchFailed(t *testing.T) {
	g, err := Build(wf([]fuschia.Node{
		{NodeID: "t", Kind: fuschia.KindTrigger},
		{NodeID: "a", Kind: fuschia.KindComponent},
		{NodeID: "b", Kind: fuschia.KindComponent},
		{NodeID: "join", Kind: fuschia.KindJoin},
	}, []fuschia.Edge{
		{From: "t", To: "a"},
		{From: "t", To: "b"},
		{From: "a", To: "join"},
		{From: "b", To: "join"},
	}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	results := map[string]fuschia.NodeResult{
		"t": {Status: fuschia.StatusSucceeded},
		"a": {Status: fuschia.StatusFailed},
		"b": {Status: fuschia.StatusSucceeded},
	}
	ready := g.Ready(results)
	if len(ready) != 1 || ready[0] != "join" {
		t.Fatalf("expected join to be ready once every branch is attempted, even with a failure, got %v", ready)
	}
}
