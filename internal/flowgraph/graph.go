package flowgraph

import (
	"sort"
)

// Graph is the node set plus the edge relation for one flow.
type Graph struct {
	// Flow is the flowgraph name from option,flow.
	Flow string
	// Nodes holds every (step,index) vertex.
	Nodes map[NodeID]*Node

	dependents map[NodeID][]NodeID
	// indices groups node IDs by step, sorted by index.
	indices map[string][]NodeID
}

// Node returns the vertex with the given ID, or nil.
func (g *Graph) Node(id NodeID) *Node {
	return g.Nodes[id]
}

// Dependents returns the IDs of nodes with an input edge from id.
func (g *Graph) Dependents(id NodeID) []NodeID {
	return g.dependents[id]
}

// Indices returns the sibling node IDs of a step, sorted by index. Nodes
// with the same step but different index are the parallel alternatives of
// that step.
func (g *Graph) Indices(step string) []NodeID {
	return g.indices[step]
}

// EntryNodes returns the nodes with no inputs, sorted for determinism.
func (g *Graph) EntryNodes() []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if len(n.Inputs) == 0 {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out
}

// ExitNodes returns the nodes nothing depends on, sorted for determinism.
func (g *Graph) ExitNodes() []*Node {
	var out []*Node
	for id, n := range g.Nodes {
		if len(g.dependents[id]) == 0 {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out
}

// WinningPath walks backward from the given terminal nodes following only
// selection edges, returning the set of nodes that contributed to the
// final result. When no end nodes are given, the graph's exit nodes are
// used.
func (g *Graph) WinningPath(endNodes ...NodeID) map[NodeID]struct{} {
	if len(endNodes) == 0 {
		for _, n := range g.ExitNodes() {
			endNodes = append(endNodes, n.ID)
		}
	}

	selected := make(map[NodeID]struct{})
	toSearch := append([]NodeID(nil), endNodes...)
	for _, id := range endNodes {
		selected[id] = struct{}{}
	}
	for len(toSearch) > 0 {
		id := toSearch[len(toSearch)-1]
		toSearch = toSearch[:len(toSearch)-1]
		n := g.Nodes[id]
		if n == nil {
			continue
		}
		for _, in := range n.Selected() {
			if _, ok := selected[in]; !ok {
				selected[in] = struct{}{}
				toSearch = append(toSearch, in)
			}
		}
	}
	return selected
}

// SortIDs orders node IDs by step, then index (numeric-aware).
func SortIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Step != ids[j].Step {
			return ids[i].Step < ids[j].Step
		}
		return lessIndex(ids[i].Index, ids[j].Index)
	})
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].ID.Step != nodes[j].ID.Step {
			return nodes[i].ID.Step < nodes[j].ID.Step
		}
		return lessIndex(nodes[i].ID.Index, nodes[j].ID.Index)
	})
}

// lessIndex orders indices numerically when both parse as integers, else
// lexically. Keeps "2" before "10" for the common numeric case.
func lessIndex(a, b string) bool {
	ai, aok := atoi(a)
	bi, bok := atoi(b)
	if aok && bok {
		return ai < bi
	}
	return a < b
}

func atoi(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
