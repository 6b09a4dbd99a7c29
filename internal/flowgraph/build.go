package flowgraph

import (
	"context"
	"fmt"

	"github.com/vk/fabflow/internal/ctxlog"
	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
	"github.com/vk/fabflow/internal/tool"
)

// Build constructs a complete, validated graph from the manifest's flow
// description. Dangling input references, unknown tasks, and cycles are
// fatal configuration errors.
func Build(ctx context.Context, m *manifest.Manifest, reg *tool.Registry) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)

	flowVal, err := m.Get(keypath.New("option", "flow"))
	if err != nil || flowVal.IsNull() {
		return nil, fmt.Errorf("option,flow is not set")
	}
	flow := flowVal.AsString()

	graph := &Graph{
		Flow:       flow,
		Nodes:      make(map[NodeID]*Node),
		dependents: make(map[NodeID][]NodeID),
		indices:    make(map[string][]NodeID),
	}

	// First pass: create a node per (step,index) with its resolved adapter.
	flowPrefix := keypath.New("flowgraph", flow)
	steps := m.Keys(flowPrefix)
	if len(steps) == 0 {
		return nil, fmt.Errorf("flowgraph %q declares no steps", flow)
	}
	for _, step := range steps {
		for _, index := range m.Keys(flowPrefix.Child(step)) {
			id := NodeID{Step: step, Index: index}
			taskVal, err := m.Get(flowPrefix.Child(step, index, "task"))
			if err != nil || taskVal.IsNull() {
				return nil, fmt.Errorf("node %s: no task assigned", id)
			}
			task := taskVal.AsString()
			adapter, err := reg.Resolve(task)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", id, err)
			}
			graph.Nodes[id] = &Node{
				ID:      id,
				Task:    task,
				Adapter: adapter,
			}
			graph.indices[step] = append(graph.indices[step], id)
		}
	}
	for step := range graph.indices {
		ids := graph.indices[step]
		// Sorted siblings keep selection tie-breaks deterministic.
		for i := 1; i < len(ids); i++ {
			for j := i; j > 0 && lessIndex(ids[j].Index, ids[j-1].Index); j-- {
				ids[j], ids[j-1] = ids[j-1], ids[j]
			}
		}
	}
	logger.Debug("Flowgraph nodes created.", "flow", flow, "count", len(graph.Nodes))

	// Second pass: link input edges and reject dangling references.
	for id, n := range graph.Nodes {
		inputVal, err := m.Get(flowPrefix.Child(id.Step, id.Index, "input"))
		if err != nil {
			return nil, err
		}
		if inputVal.IsNull() {
			continue
		}
		for _, raw := range inputVal.AsValueSlice() {
			in, err := ParseNodeID(raw.AsString())
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", id, err)
			}
			if _, ok := graph.Nodes[in]; !ok {
				return nil, fmt.Errorf("node %s: input %s does not exist in flowgraph %q", id, in, flow)
			}
			n.Inputs = append(n.Inputs, in)
			graph.dependents[in] = append(graph.dependents[in], id)
		}
	}

	// Third pass: initialize readiness counters.
	for _, n := range graph.Nodes {
		n.depCount.Store(int32(len(n.Inputs)))
	}

	if err := graph.detectCycles(); err != nil {
		return nil, fmt.Errorf("invalid flowgraph %q: %w", flow, err)
	}
	logger.Debug("Flowgraph validated.", "flow", flow)
	return graph, nil
}

// detectCycles runs depth-first search with the usual three-color marking.
func (g *Graph) detectCycles() error {
	visiting := make(map[NodeID]bool)
	visited := make(map[NodeID]bool)

	var visit func(n *Node) error
	visit = func(n *Node) error {
		visiting[n.ID] = true
		for _, in := range n.Inputs {
			dep := g.Nodes[in]
			if visiting[dep.ID] {
				return fmt.Errorf("cycle detected involving node %s", dep.ID)
			}
			if !visited[dep.ID] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		delete(visiting, n.ID)
		visited[n.ID] = true
		return nil
	}

	for _, n := range g.Nodes {
		if !visited[n.ID] {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}
