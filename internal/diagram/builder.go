package diagram

import (
	"fmt"

	"github.com/definitelycarter/fuschia/internal/graph"
	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

// Build constructs a DiagramModel from a locked workflow, using
// internal/graph.Build for topology (single trigger, no orphans, acyclic)
// and mapping each node to a diagram Node by kind. Loop.Body's inner
// workflow, if present, is rendered as a SubGraph child.
func Build(wf *fuschia.LockedWorkflow) (*DiagramModel, error) {
	g, err := graph.Build(wf)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	nodes := make([]*Node, 0, len(g.Sorted))
	for _, id := range g.Sorted {
		n := g.Nodes[id]
		node := &Node{ID: n.NodeID, Label: nodeLabel(n), Kind: nodeKind(n)}
		if n.Kind == fuschia.KindLoop && n.Loop != nil && len(n.Loop.Body.Nodes) > 0 {
			node.Children = append(node.Children, buildLoopBody(n.NodeID, &n.Loop.Body))
		}
		nodes = append(nodes, node)
	}

	var edges []Edge
	for _, e := range wf.Edges {
		edges = append(edges, Edge{From: e.From, To: e.To})
	}

	return &DiagramModel{
		Title:  wf.WorkflowID,
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(g),
	}, nil
}

func nodeKind(n *fuschia.Node) NodeKind {
	switch n.Kind {
	case fuschia.KindTrigger:
		return NodeKindStart
	case fuschia.KindJoin:
		return NodeKindParallel
	case fuschia.KindLoop:
		return NodeKindLoop
	case fuschia.KindHTTP, fuschia.KindComponent:
		return NodeKindAction
	default:
		return NodeKindAction
	}
}

func nodeLabel(n *fuschia.Node) string {
	switch n.Kind {
	case fuschia.KindComponent:
		if n.Component != nil {
			return fmt.Sprintf("%s\n(%s)", n.NodeID, n.Component.Name)
		}
	case fuschia.KindTrigger:
		return fmt.Sprintf("%s\n(%s)", n.NodeID, n.TriggerType)
	case fuschia.KindHTTP:
		if n.TaskName != "" {
			return fmt.Sprintf("%s\n(%s)", n.NodeID, n.TaskName)
		}
	}
	return n.NodeID
}

// buildLoopBody renders a Loop node's inner workflow as a nested SubGraph,
// qualifying each inner node id by its parent so the id stays unique
// alongside the outer graph's own node ids.
func buildLoopBody(parentID string, body *fuschia.LockedWorkflow) *SubGraph {
	sg := &SubGraph{Label: "body"}
	for i := range body.Nodes {
		n := &body.Nodes[i]
		sg.Nodes = append(sg.Nodes, &Node{
			ID:    fmt.Sprintf("%s.body.%s", parentID, n.NodeID),
			Label: nodeLabel(n),
			Kind:  nodeKind(n),
		})
	}
	for _, e := range body.Edges {
		sg.Edges = append(sg.Edges, Edge{
			From: fmt.Sprintf("%s.body.%s", parentID, e.From),
			To:   fmt.Sprintf("%s.body.%s", parentID, e.To),
		})
	}
	return sg
}

// buildLevels groups the graph's topological order into waves: a node's
// wave is one past the maximum wave of its upstreams, matching
// internal/engine's wave loop (nodes with all upstreams satisfied run
// together).
func buildLevels(g *graph.Graph) [][]string {
	wave := make(map[string]int, len(g.Nodes))
	var maxWave int
	for _, id := range g.Sorted {
		w := 0
		for _, up := range g.Backward[id] {
			if wave[up]+1 > w {
				w = wave[up] + 1
			}
		}
		wave[id] = w
		if w > maxWave {
			maxWave = w
		}
	}

	levels := make([][]string, maxWave+1)
	for _, id := range g.Sorted {
		w := wave[id]
		levels[w] = append(levels[w], id)
	}
	return levels
}
