package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

func linearWorkflow() *fuschia.LockedWorkflow {
	return &fuschia.LockedWorkflow{
		WorkflowID: "linear-pipeline",
		Nodes: []fuschia.Node{
			{NodeID: "trigger", Kind: fuschia.KindTrigger, TriggerType: fuschia.TriggerType("manual")},
			{NodeID: "fetch", Kind: fuschia.KindComponent, Component: &fuschia.ComponentRef{Name: "fetch-data"}},
			{NodeID: "transform", Kind: fuschia.KindComponent, Component: &fuschia.ComponentRef{Name: "transform"}},
			{NodeID: "store", Kind: fuschia.KindComponent, Component: &fuschia.ComponentRef{Name: "store"}},
		},
		Edges: []fuschia.Edge{
			{From: "trigger", To: "fetch"},
			{From: "fetch", To: "transform"},
			{From: "transform", To: "store"},
		},
	}
}

func joinWorkflow() *fuschia.LockedWorkflow {
	return &fuschia.LockedWorkflow{
		WorkflowID: "fan-out-join",
		Nodes: []fuschia.Node{
			{NodeID: "trigger", Kind: fuschia.KindTrigger, TriggerType: fuschia.TriggerType("manual")},
			{NodeID: "branch_a", Kind: fuschia.KindHTTP, TaskName: "http.request"},
			{NodeID: "branch_b", Kind: fuschia.KindHTTP, TaskName: "http.request"},
			{NodeID: "merge", Kind: fuschia.KindJoin, JoinStrategy: fuschia.JoinAll},
		},
		Edges: []fuschia.Edge{
			{From: "trigger", To: "branch_a"},
			{From: "trigger", To: "branch_b"},
			{From: "branch_a", To: "merge"},
			{From: "branch_b", To: "merge"},
		},
	}
}

func loopWorkflow() *fuschia.LockedWorkflow {
	body := fuschia.LockedWorkflow{
		WorkflowID: "iterate-body",
		Nodes: []fuschia.Node{
			{NodeID: "item-trigger", Kind: fuschia.KindTrigger, TriggerType: fuschia.TriggerType("manual")},
			{NodeID: "process", Kind: fuschia.KindComponent, Component: &fuschia.ComponentRef{Name: "process-item"}},
		},
		Edges: []fuschia.Edge{{From: "item-trigger", To: "process"}},
	}
	return &fuschia.LockedWorkflow{
		WorkflowID: "loop-over-items",
		Nodes: []fuschia.Node{
			{NodeID: "trigger", Kind: fuschia.KindTrigger, TriggerType: fuschia.TriggerType("manual")},
			{NodeID: "iterate", Kind: fuschia.KindLoop, Loop: &fuschia.LoopConfig{Over: "trigger.items", Body: body}},
		},
		Edges: []fuschia.Edge{{From: "trigger", To: "iterate"}},
	}
}

func TestBuildLinearWorkflowOrdersByWave(t *testing.T) {
	model, err := Build(linearWorkflow())
	require.NoError(t, err)

	assert.Equal(t, "linear-pipeline", model.Title)
	require.Len(t, model.Nodes, 4)
	require.Len(t, model.Levels, 4) // trigger, fetch, transform, store — one node per wave
	assert.Equal(t, []string{"trigger"}, model.Levels[0])
	assert.Equal(t, []string{"store"}, model.Levels[3])
}

func TestBuildJoinWorkflowFansOutThenIn(t *testing.T) {
	model, err := Build(joinWorkflow())
	require.NoError(t, err)

	require.Len(t, model.Levels, 3)
	assert.ElementsMatch(t, []string{"branch_a", "branch_b"}, model.Levels[1])
	assert.Equal(t, []string{"merge"}, model.Levels[2])

	var mergeNode *Node
	for _, n := range model.Nodes {
		if n.ID == "merge" {
			mergeNode = n
		}
	}
	require.NotNil(t, mergeNode)
	assert.Equal(t, NodeKindParallel, mergeNode.Kind)
}

func TestBuildLoopWorkflowNestsBodyAsSubGraph(t *testing.T) {
	model, err := Build(loopWorkflow())
	require.NoError(t, err)

	var loopNode *Node
	for _, n := range model.Nodes {
		if n.ID == "iterate" {
			loopNode = n
		}
	}
	require.NotNil(t, loopNode)
	assert.Equal(t, NodeKindLoop, loopNode.Kind)
	require.Len(t, loopNode.Children, 1)
	assert.Equal(t, "body", loopNode.Children[0].Label)
	assert.Len(t, loopNode.Children[0].Nodes, 2)
}

func TestBuildRejectsInvalidGraph(t *testing.T) {
	_, err := Build(&fuschia.LockedWorkflow{})
	assert.Error(t, err)
}
