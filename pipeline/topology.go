package pipeline

import (
	"github.com/n0remac/streamgraph/manifest"
	"github.com/n0remac/streamgraph/runtimeerr"
)

// topologicalOrder computes a Kahn's-algorithm order over m's connections,
// ties broken by manifest declaration order. m must already have passed
// manifest.Validate (acyclic, all endpoints resolvable).
func topologicalOrder(m manifest.Manifest) ([]string, error) {
	indexOf := make(map[string]int, len(m.Nodes))
	for i, n := range m.Nodes {
		indexOf[n.ID] = i
	}

	inDegree := make(map[string]int, len(m.Nodes))
	downstream := make(map[string][]string, len(m.Nodes))
	for _, n := range m.Nodes {
		inDegree[n.ID] = 0
	}
	for _, c := range m.Connections {
		inDegree[c.To]++
		downstream[c.From] = append(downstream[c.From], c.To)
	}

	var ready []string
	for _, n := range m.Nodes {
		if inDegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(m.Nodes))
	for len(ready) > 0 {
		// pick the ready node with the lowest manifest index for determinism
		bestPos := 0
		for i := 1; i < len(ready); i++ {
			if indexOf[ready[i]] < indexOf[ready[bestPos]] {
				bestPos = i
			}
		}
		id := ready[bestPos]
		ready = append(ready[:bestPos], ready[bestPos+1:]...)
		order = append(order, id)

		for _, next := range downstream[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(m.Nodes) {
		return nil, runtimeerr.InvalidManifest("connections form a cycle not caught by validation")
	}
	return order, nil
}

// downstreamOf returns the adjacency list (From -> []To) of m's connections.
func downstreamOf(m manifest.Manifest) map[string][]string {
	adj := make(map[string][]string, len(m.Nodes))
	for _, c := range m.Connections {
		adj[c.From] = append(adj[c.From], c.To)
	}
	return adj
}
