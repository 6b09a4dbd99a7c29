package flowgraph

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vk/fabflow/internal/tool"
)

// Status is the lifecycle state of a node.
type Status int32

const (
	Pending Status = iota
	Running
	Success
	Failed
	Skipped
)

// String returns the lower-case status name used in records and reports.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == Success || s == Failed || s == Skipped
}

// NodeID addresses one node as its (step, index) pair. The canonical string
// form is "step/index".
type NodeID struct {
	Step  string
	Index string
}

func (id NodeID) String() string {
	return id.Step + "/" + id.Index
}

// ParseNodeID parses the canonical "step/index" form.
func ParseNodeID(raw string) (NodeID, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return NodeID{}, fmt.Errorf("invalid node reference %q, want step/index", raw)
	}
	return NodeID{Step: parts[0], Index: parts[1]}, nil
}

// Node is a single executable vertex.
type Node struct {
	ID   NodeID
	Task string
	// Adapter is the tool adapter implementing Task, resolved once at
	// graph construction.
	Adapter tool.Adapter
	// Inputs are the static predecessor edges fixed at construction.
	Inputs []NodeID

	state atomic.Int32
	// depCount is decremented as inputs reach a terminal state; the node
	// becomes ready at zero.
	depCount atomic.Int32

	mu sync.Mutex
	// selected holds the post-selection input set: for each input step,
	// only the winning index. Empty until the node became ready.
	selected []NodeID
	err      error
}

// Status returns the node's current state.
func (n *Node) Status() Status {
	return Status(n.state.Load())
}

// SetStatus transitions the node. Transitions out of a terminal state are
// programmer errors and panic.
func (n *Node) SetStatus(s Status) {
	if Status(n.state.Load()).Terminal() {
		panic(fmt.Sprintf("node %s: transition out of terminal state", n.ID))
	}
	n.state.Store(int32(s))
}

// Err returns the failure recorded for the node, if any.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// SetErr records the node's failure cause.
func (n *Node) SetErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// Selected returns the post-selection input set.
func (n *Node) Selected() []NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NodeID(nil), n.selected...)
}

// SetSelected records the winning inputs chosen for this node.
func (n *Node) SetSelected(ids []NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.selected = append([]NodeID(nil), ids...)
}

// DecrementDepCount marks one input terminal and returns the remaining
// count.
func (n *Node) DecrementDepCount() int32 {
	return n.depCount.Add(-1)
}
