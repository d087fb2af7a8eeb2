// Package graph builds and validates the in-memory adjacency representation
// of a LockedWorkflow: node set, forward/backward edge maps, topological
// order. The scheduler in internal/engine computes wave readiness
// dynamically against these maps rather than against a static level
// partition, since readiness depends on which nodes have actually finished,
// not just graph depth.
package graph

import (
	"sort"

	"github.com/definitelycarter/fuschia/internal/xerrors"
	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

// Graph is the adjacency-list view over a LockedWorkflow's nodes.
type Graph struct {
	Workflow *fuschia.LockedWorkflow
	Nodes    map[string]*fuschia.Node // node id -> node
	Forward  map[string][]string      // node id -> ids it points to
	Backward map[string][]string      // node id -> ids that point to it (its upstreams)
	Sorted   []string                 // topological order
	TriggerID string
}

// Build validates a LockedWorkflow and derives its Graph, per spec.md
// section 4.5 protocol step 1: exactly one trigger node, every non-trigger
// node has at least one incoming edge, no orphans, no cycles.
func Build(wf *fuschia.LockedWorkflow) (*Graph, error) {
	if wf == nil {
		return nil, xerrors.InvalidGraph("workflow is nil")
	}
	if len(wf.Nodes) == 0 {
		return nil, xerrors.InvalidGraph("workflow has no nodes")
	}

	g := &Graph{
		Workflow: wf,
		Nodes:    make(map[string]*fuschia.Node, len(wf.Nodes)),
		Forward:  make(map[string][]string, len(wf.Nodes)),
		Backward: make(map[string][]string, len(wf.Nodes)),
	}

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.NodeID == "" {
			return nil, xerrors.InvalidGraph("node at index %d has empty node_id", i)
		}
		if _, exists := g.Nodes[n.NodeID]; exists {
			return nil, xerrors.InvalidGraph("duplicate node id: %s", n.NodeID)
		}
		g.Nodes[n.NodeID] = n
		if n.Kind == fuschia.KindTrigger {
			if g.TriggerID != "" {
				return nil, xerrors.InvalidGraph("workflow has more than one trigger node: %s and %s", g.TriggerID, n.NodeID)
			}
			g.TriggerID = n.NodeID
		}
	}
	if g.TriggerID == "" {
		return nil, xerrors.InvalidGraph("workflow has no trigger node")
	}

	for _, e := range wf.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return nil, xerrors.InvalidGraph("edge references unknown node: %s", e.From)
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return nil, xerrors.InvalidGraph("edge references unknown node: %s", e.To)
		}
		if e.From == e.To {
			return nil, xerrors.InvalidGraph("node %s has a self-loop", e.From)
		}
		g.Forward[e.From] = append(g.Forward[e.From], e.To)
		g.Backward[e.To] = append(g.Backward[e.To], e.From)
	}

	for id, n := range g.Nodes {
		if n.Kind == fuschia.KindTrigger {
			continue
		}
		if len(g.Backward[id]) == 0 {
			return nil, xerrors.InvalidGraph("non-trigger node %s has no incoming edge", id)
		}
	}

	sorted, err := topoSort(g)
	if err != nil {
		return nil, err
	}
	g.Sorted = sorted

	return g, nil
}

// topoSort runs Kahn's algorithm, returning InvalidGraph on any cycle.
// Ties are broken lexicographically purely for deterministic diagnostics;
// spec.md section 4.5 explicitly leaves wave-internal ordering unspecified.
func topoSort(g *Graph) ([]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.Backward[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		next := append([]string(nil), g.Forward[id]...)
		sort.Strings(next)
		for _, d := range next {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(sorted) != len(g.Nodes) {
		return nil, xerrors.InvalidGraph("workflow contains a cycle")
	}
	return sorted, nil
}

// Ready returns the ids of nodes not yet in results whose upstreams clear
// them to run, per spec.md section 4.5 protocol step 3a. For an ordinary
// node every upstream must have Succeeded: a failed or cancelled upstream
// never produced an envelope, so its downstream nodes are skipped rather
// than dispatched, and per section 8 they never enter the results map at
// all. A Join node is the one exception — it waits for every upstream to be
// merely attempted, since its whole job is reporting which branches failed.
func (g *Graph) Ready(results map[string]fuschia.NodeResult) []string {
	var ready []string
	for id, n := range g.Nodes {
		if _, attempted := results[id]; attempted || n.Kind == fuschia.KindTrigger {
			continue
		}
		allReady := true
		for _, up := range g.Backward[id] {
			r, attempted := results[up]
			if !attempted {
				allReady = false
				break
			}
			if n.Kind != fuschia.KindJoin && r.Status != fuschia.StatusSucceeded {
				allReady = false
				break
			}
		}
		if allReady {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}
