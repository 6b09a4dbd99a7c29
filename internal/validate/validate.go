// Package validate gates node execution on the requirements its task
// declared during setup. Requirements are dynamic: they depend on which
// libraries, corners, and stackup the flow configured, so they are
// evaluated per node after setup rather than checked against a static
// schema.
package validate

import (
	"fmt"
	"strings"

	"github.com/vk/fabflow/internal/flowgraph"
	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
	"github.com/vk/fabflow/internal/tool"
)

// MissingRequirementError names every required key-path a node could not
// resolve, not just the first.
type MissingRequirementError struct {
	Node     flowgraph.NodeID
	Keypaths []keypath.Path
}

func (e *MissingRequirementError) Error() string {
	paths := make([]string, len(e.Keypaths))
	for i, kp := range e.Keypaths {
		paths[i] = kp.String()
	}
	return fmt.Sprintf("node %s: unresolved required keypaths: %s", e.Node, strings.Join(paths, "; "))
}

// Node checks that every key-path the node's task registered under
// tool,<tool>,task,<task>,require resolves to a schema-valid path carrying
// a value. A nil return means the node may run.
func Node(m *manifest.Manifest, n *flowgraph.Node) error {
	requireKP := tool.TaskPath(n.Adapter.Tool(), n.Task, "require")
	reqVal, err := m.Get(requireKP, manifest.AtNode(n.ID.Step, n.ID.Index))
	if err != nil || reqVal.IsNull() {
		// Task declared no requirements.
		return nil
	}

	var missing []keypath.Path
	for _, raw := range reqVal.AsValueSlice() {
		kp, err := keypath.Parse(raw.AsString())
		if err != nil {
			return fmt.Errorf("node %s: malformed requirement %q: %w", n.ID, raw.AsString(), err)
		}
		if !m.Valid(kp) || !resolvable(m, kp, n.ID) {
			missing = append(missing, kp)
		}
	}
	if len(missing) > 0 {
		return &MissingRequirementError{Node: n.ID, Keypaths: missing}
	}
	return nil
}

// resolvable reports whether the key-path yields a usable value for the
// node: an explicit overlay or global value, or a non-null schema default.
func resolvable(m *manifest.Manifest, kp keypath.Path, id flowgraph.NodeID) bool {
	val, err := m.Get(kp, manifest.AtNode(id.Step, id.Index))
	if err != nil || val.IsNull() {
		return false
	}
	if val.Type().IsListType() && val.LengthInt() == 0 {
		return false
	}
	return true
}
