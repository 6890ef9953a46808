package manifest

import (
	"fmt"

	"github.com/n0remac/streamgraph/runtimeerr"
)

// supportedVersion is the only manifest schema version this module accepts.
const supportedVersion = "v1"

// maxNestedDepth bounds the DFS used to detect cycles across inline nested
// manifests (spec 4.C rule 6, 4.K).
const maxNestedDepth = 10

// Validate runs the five structural gates from spec 4.C: version, non-empty
// nodes, unique non-empty IDs, resolvable connections, and a DAG (cycle)
// check. It is pure and deterministic on its input (spec section 8).
func Validate(m Manifest) error {
	if m.Version != supportedVersion {
		return runtimeerr.InvalidManifest(fmt.Sprintf("unsupported version %q, only %q accepted", m.Version, supportedVersion))
	}
	if len(m.Nodes) == 0 {
		return runtimeerr.InvalidManifest("nodes must be non-empty")
	}

	seen := make(map[string]struct{}, len(m.Nodes))
	recursive := make(map[string]bool, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.ID == "" {
			return runtimeerr.InvalidManifest("node id must be non-empty")
		}
		if n.NodeType == "" {
			return runtimeerr.InvalidManifest(fmt.Sprintf("node %q: node_type must be non-empty", n.ID))
		}
		if _, dup := seen[n.ID]; dup {
			return runtimeerr.InvalidManifest(fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = struct{}{}
		recursive[n.ID] = n.Recursive
	}

	adj := make(map[string][]string, len(m.Nodes))
	for _, c := range m.Connections {
		if _, ok := seen[c.From]; !ok {
			return runtimeerr.InvalidManifest(fmt.Sprintf("connection from unknown node %q", c.From))
		}
		if _, ok := seen[c.To]; !ok {
			return runtimeerr.InvalidManifest(fmt.Sprintf("connection to unknown node %q", c.To))
		}
		if c.From == c.To && !recursive[c.From] {
			return runtimeerr.InvalidManifest(fmt.Sprintf("self-connection on %q not permitted (node does not declare recursive)", c.From))
		}
		adj[c.From] = append(adj[c.From], c.To)
	}

	if cycle := findCycle(m, adj); cycle != nil {
		return runtimeerr.InvalidManifest(fmt.Sprintf("cycle detected: %v", cycle))
	}
	return nil
}

// findCycle does a standard three-color DFS over the connection graph,
// skipping self-edges on nodes that opted into recursion (those are
// intentional, not structural cycles).
func findCycle(m Manifest, adj map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(m.Nodes))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, next := range adj[id] {
			if next == id {
				continue // self-edge already validated as opt-in recursive
			}
			switch color[next] {
			case gray:
				cycle = append(append([]string{}, path...), next)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, n := range m.Nodes {
		if color[n.ID] == white {
			if visit(n.ID) {
				return cycle
			}
		}
	}
	return nil
}

// NestedRef is one entry in an inline-nested-manifest reference chain,
// used by the circular-dependency detector shared with 4.K.
type NestedRef struct {
	Name   string
	Inline *Manifest // non-nil only for inline manifests; nil for URL/name refs
}

// CheckNestedDepth walks a chain of inline nested manifests depth-first,
// rejecting cycles and excessive recursion (depth > 10). URL- and
// name-sourced nested manifests are not statically checked (they may change
// between fetches), matching spec 4.C rule 6 and 4.K.
func CheckNestedDepth(root NestedRef, resolve func(NestedRef) ([]NestedRef, error)) error {
	visited := map[string]bool{}
	var walk func(ref NestedRef, depth int, path []string) error
	walk = func(ref NestedRef, depth int, path []string) error {
		if depth > maxNestedDepth {
			return runtimeerr.CircularDependency(path, "nesting depth exceeds limit of 10")
		}
		if ref.Inline == nil {
			return nil // URL/name-sourced: not statically checked
		}
		if visited[ref.Name] {
			return runtimeerr.CircularDependency(append(path, ref.Name), "cycle in inline nested manifests")
		}
		visited[ref.Name] = true
		children, err := resolve(ref)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c, depth+1, append(path, ref.Name)); err != nil {
				return err
			}
		}
		delete(visited, ref.Name)
		return nil
	}
	return walk(root, 0, nil)
}
