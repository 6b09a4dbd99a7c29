// Package selector collapses fan-out back to fan-in: once every index of a
// step is terminal, it scores the successful candidates by weighted
// normalized metrics and records the winning index as the step's effective
// output. This is the only place parallel alternatives merge back into a
// single data flow.
package selector

import (
	"fmt"
	"sync"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/flowgraph"
	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
)

// NoEligibleError reports that a step has no index a dependent could
// consume: every candidate failed, was skipped, or missed a must-pass
// goal.
type NoEligibleError struct {
	Step string
}

func (e *NoEligibleError) Error() string {
	return fmt.Sprintf("step %q has no eligible index", e.Step)
}

// Selector resolves winning indices. The read-then-write of a step's
// selection record is serialized by the internal mutex; callers guarantee
// the sibling barrier by only invoking SelectInputs for nodes whose inputs
// are all terminal.
type Selector struct {
	mu sync.Mutex
	m  *manifest.Manifest
	g  *flowgraph.Graph
}

// New creates a Selector over a manifest and its flowgraph.
func New(m *manifest.Manifest, g *flowgraph.Graph) *Selector {
	return &Selector{m: m, g: g}
}

// SelectInputs resolves the effective inputs of a ready node: the node's
// static input edges grouped by step, each group reduced to the winning
// index. The selection is written to the node's flowgraph select record
// and returned. A *NoEligibleError is returned when any input step has no
// eligible candidate; the caller then skips the node.
func (s *Selector) SelectInputs(node *flowgraph.Node) ([]flowgraph.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[string][]flowgraph.NodeID)
	var steps []string
	for _, in := range node.Inputs {
		if _, seen := groups[in.Step]; !seen {
			steps = append(steps, in.Step)
		}
		groups[in.Step] = append(groups[in.Step], in)
	}

	var selected []flowgraph.NodeID
	for _, step := range steps {
		candidates := groups[step]
		flowgraph.SortIDs(candidates)
		winner, ok := s.pickWinner(candidates)
		if !ok {
			return nil, &NoEligibleError{Step: step}
		}
		selected = append(selected, winner)
	}
	flowgraph.SortIDs(selected)

	node.SetSelected(selected)
	selectKP := keypath.New("flowgraph", s.g.Flow, node.ID.Step, node.ID.Index, "select")
	for _, id := range selected {
		if err := s.m.Add(selectKP, cty.StringVal(id.String())); err != nil {
			return nil, err
		}
	}
	return selected, nil
}

// pickWinner returns the eligible candidate with the lowest weighted
// score; ties break to the lowest index. Lower scores are better.
func (s *Selector) pickWinner(candidates []flowgraph.NodeID) (flowgraph.NodeID, bool) {
	var eligible []flowgraph.NodeID
	for _, id := range candidates {
		n := s.g.Node(id)
		if n == nil || n.Status() != flowgraph.Success {
			continue
		}
		if s.meetsGoals(id) {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return flowgraph.NodeID{}, false
	}
	if len(eligible) == 1 {
		return eligible[0], true
	}

	scores := s.scoreCandidates(eligible)
	// Candidates are sorted by index, so a strict < keeps the lowest
	// index on equal scores.
	winner := eligible[0]
	best := scores[winner]
	for _, id := range eligible[1:] {
		if scores[id] < best {
			winner, best = id, scores[id]
		}
	}
	return winner, true
}

// meetsGoals checks every must-pass constraint declared for the candidate:
// a metric with a goal ceiling must be measured and not exceed it.
func (s *Selector) meetsGoals(id flowgraph.NodeID) bool {
	goalKP := keypath.New("flowgraph", s.g.Flow, id.Step, id.Index, "goal")
	for _, metric := range s.m.Keys(goalKP) {
		goal := s.number(goalKP.Child(metric), flowgraph.NodeID{})
		if goal == nil {
			continue
		}
		value := s.number(keypath.New("metric", metric), id)
		if value == nil || *value > *goal {
			return false
		}
	}
	return true
}

// scoreCandidates computes Σ weight × normalized(value) per candidate over
// the union of weighted metrics, min-max normalized across the candidate
// set. A candidate missing a weighted metric drops out of contention by
// taking the worst normalized value.
func (s *Selector) scoreCandidates(eligible []flowgraph.NodeID) map[flowgraph.NodeID]float64 {
	type weighted struct {
		metric string
		weight float64
	}
	var metrics []weighted
	seen := make(map[string]bool)
	for _, id := range eligible {
		weightKP := keypath.New("flowgraph", s.g.Flow, id.Step, id.Index, "weight")
		for _, metric := range s.m.Keys(weightKP) {
			if seen[metric] {
				continue
			}
			seen[metric] = true
			w := s.number(weightKP.Child(metric), flowgraph.NodeID{})
			if w == nil || *w == 0 {
				continue
			}
			metrics = append(metrics, weighted{metric: metric, weight: *w})
		}
	}

	scores := make(map[flowgraph.NodeID]float64, len(eligible))
	for _, wm := range metrics {
		values := make(map[flowgraph.NodeID]*float64, len(eligible))
		min, max := 0.0, 0.0
		first := true
		for _, id := range eligible {
			v := s.number(keypath.New("metric", wm.metric), id)
			values[id] = v
			if v == nil {
				continue
			}
			if first || *v < min {
				min = *v
			}
			if first || *v > max {
				max = *v
			}
			first = false
		}
		span := max - min
		for _, id := range eligible {
			v := values[id]
			var norm float64
			switch {
			case v == nil:
				norm = 1.0
			case span == 0:
				norm = 0.0
			default:
				norm = (*v - min) / span
			}
			scores[id] += wm.weight * norm
		}
	}
	return scores
}

// number fetches a numeric leaf, node-scoped when id is non-zero. nil
// means absent or measured-null.
func (s *Selector) number(kp keypath.Path, id flowgraph.NodeID) *float64 {
	var opts []manifest.Option
	if id != (flowgraph.NodeID{}) {
		opts = append(opts, manifest.AtNode(id.Step, id.Index))
	}
	val, err := s.m.Get(kp, opts...)
	if err != nil || val.IsNull() {
		return nil
	}
	f, _ := val.AsBigFloat().Float64()
	return &f
}
