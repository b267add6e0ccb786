package manager

import (
	"github.com/chimerapy/engine/chimera"
)

// validateCommit checks commit's three preconditions from §4.3: every
// node_id appears in exactly one worker's placement set, every
// referenced worker is registered, and the graph is acyclic. Returns a
// chimera.PlacementError on the first violation found.
func validateCommit(graph chimera.GraphSpec, placement chimera.Placement, registeredWorkers map[string]bool) error {
	seen := make(map[string]string, len(graph.Nodes))
	for workerID, nodeIDs := range placement {
		if !registeredWorkers[workerID] {
			return chimera.NewPlacementError("placement references unregistered worker " + workerID)
		}
		for _, nodeID := range nodeIDs {
			if prior, dup := seen[nodeID]; dup {
				return chimera.NewPlacementError("node " + nodeID + " placed on both " + prior + " and " + workerID)
			}
			seen[nodeID] = workerID
		}
	}

	for _, n := range graph.Nodes {
		if _, ok := seen[n.NodeID]; !ok {
			return chimera.NewPlacementError("node " + n.NodeID + " has no placement")
		}
	}

	if cycleNode, ok := findCycle(graph); ok {
		return chimera.NewPlacementError("graph contains a cycle through node " + cycleNode)
	}
	return nil
}

// findCycle runs a DFS cycle check over graph's directed edges,
// returning the id of a node on a detected cycle.
func findCycle(graph chimera.GraphSpec) (string, bool) {
	adj := make(map[string][]string, len(graph.Nodes))
	for _, e := range graph.Edges {
		adj[e.Src] = append(adj[e.Src], e.Dst)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph.Nodes))

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return next, true
			case white:
				if found, ok := visit(next); ok {
					return found, true
				}
			}
		}
		color[id] = black
		return "", false
	}

	for _, n := range graph.Nodes {
		if color[n.NodeID] == white {
			if found, ok := visit(n.NodeID); ok {
				return found, true
			}
		}
	}
	return "", false
}
