package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/flowgraph"
	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
	"github.com/vk/fabflow/internal/tool"
)

type noopAdapter struct{}

func (noopAdapter) Tool() string                                         { return "noop" }
func (noopAdapter) Task() string                                         { return "noop" }
func (noopAdapter) Setup(*manifest.Manifest, string, string) error       { return nil }
func (noopAdapter) PostProcess(*manifest.Manifest, string, string) error { return nil }
func (noopAdapter) ParseVersion(s string) string                         { return tool.ParseVersionToken(s) }
func (noopAdapter) NormalizeVersion(v string) string                     { return tool.NormalizeVersionToken(v) }

// fanInFixture builds a place fan-out of n indices feeding route/0 and
// marks every place node successful.
func fanInFixture(t *testing.T, n int) (*manifest.Manifest, *flowgraph.Graph, *flowgraph.Node) {
	t.Helper()
	m := manifest.New()
	require.NoError(t, m.Set(keypath.New("option", "flow"), cty.StringVal("asicflow")))

	reg := tool.NewRegistry()
	reg.Register(noopAdapter{})

	routeBase := keypath.New("flowgraph", "asicflow", "route", "0")
	require.NoError(t, m.Set(routeBase.Child("task"), cty.StringVal("noop")))
	for i := 0; i < n; i++ {
		idx := string(rune('0' + i))
		base := keypath.New("flowgraph", "asicflow", "place", idx)
		require.NoError(t, m.Set(base.Child("task"), cty.StringVal("noop")))
		require.NoError(t, m.Add(routeBase.Child("input"), cty.StringVal("place/"+idx)))
	}

	g, err := flowgraph.Build(context.Background(), m, reg)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		idx := string(rune('0' + i))
		node := g.Node(flowgraph.NodeID{Step: "place", Index: idx})
		node.SetStatus(flowgraph.Running)
		node.SetStatus(flowgraph.Success)
	}
	return m, g, g.Node(flowgraph.NodeID{Step: "route", Index: "0"})
}

func setMetric(t *testing.T, m *manifest.Manifest, step, index, metric string, v float64) {
	t.Helper()
	require.NoError(t, m.Set(keypath.New("metric", metric), cty.NumberFloatVal(v), manifest.AtNode(step, index)))
}

func setWeight(t *testing.T, m *manifest.Manifest, step, index, metric string, w float64) {
	t.Helper()
	kp := keypath.New("flowgraph", "asicflow", step, index, "weight", metric)
	require.NoError(t, m.Set(kp, cty.NumberFloatVal(w)))
}

func TestSelectInputs_SingleCandidate(t *testing.T) {
	t.Parallel()
	m, g, route := fanInFixture(t, 1)

	sel := New(m, g)
	got, err := sel.SelectInputs(route)
	require.NoError(t, err)
	assert.Equal(t, []flowgraph.NodeID{{Step: "place", Index: "0"}}, got)
	assert.Equal(t, got, route.Selected())
}

func TestSelectInputs_LowestScoreWins(t *testing.T) {
	t.Parallel()
	m, g, route := fanInFixture(t, 3)

	for i, area := range []float64{500, 300, 400} {
		idx := string(rune('0' + i))
		setWeight(t, m, "place", idx, "cellarea", 1.0)
		setMetric(t, m, "place", idx, "cellarea", area)
	}

	sel := New(m, g)
	got, err := sel.SelectInputs(route)
	require.NoError(t, err)
	assert.Equal(t, []flowgraph.NodeID{{Step: "place", Index: "1"}}, got)

	// The winning edge is recorded in the flow description.
	rec, err := m.Get(keypath.New("flowgraph", "asicflow", "route", "0", "select"))
	require.NoError(t, err)
	require.Equal(t, 1, rec.LengthInt())
	assert.Equal(t, "place/1", rec.AsValueSlice()[0].AsString())
}

func TestSelectInputs_TieBreaksToLowestIndex(t *testing.T) {
	t.Parallel()
	m, g, route := fanInFixture(t, 3)

	for i, area := range []float64{500, 300, 300} {
		idx := string(rune('0' + i))
		setWeight(t, m, "place", idx, "cellarea", 1.0)
		setMetric(t, m, "place", idx, "cellarea", area)
	}

	sel := New(m, g)
	got, err := sel.SelectInputs(route)
	require.NoError(t, err)
	assert.Equal(t, "1", got[0].Index)
}

func TestSelectInputs_MultiMetricWeighting(t *testing.T) {
	t.Parallel()
	m, g, route := fanInFixture(t, 2)

	for i := 0; i < 2; i++ {
		idx := string(rune('0' + i))
		setWeight(t, m, "place", idx, "cellarea", 1.0)
		setWeight(t, m, "place", idx, "warnings", 3.0)
	}
	// Index 0: best area, worst warnings. The heavier warnings weight
	// should carry index 1.
	setMetric(t, m, "place", "0", "cellarea", 100)
	setMetric(t, m, "place", "0", "warnings", 20)
	setMetric(t, m, "place", "1", "cellarea", 200)
	setMetric(t, m, "place", "1", "warnings", 0)

	sel := New(m, g)
	got, err := sel.SelectInputs(route)
	require.NoError(t, err)
	assert.Equal(t, "1", got[0].Index)
}

func TestSelectInputs_MissingWeightedMetricLoses(t *testing.T) {
	t.Parallel()
	m, g, route := fanInFixture(t, 2)

	setWeight(t, m, "place", "0", "cellarea", 1.0)
	setWeight(t, m, "place", "1", "cellarea", 1.0)
	// Index 0 never reported cellarea; index 1 did, however large.
	setMetric(t, m, "place", "1", "cellarea", 9000)

	sel := New(m, g)
	got, err := sel.SelectInputs(route)
	require.NoError(t, err)
	assert.Equal(t, "1", got[0].Index)
}

func TestSelectInputs_GoalCeilingExcludes(t *testing.T) {
	t.Parallel()
	m, g, route := fanInFixture(t, 2)

	// Index 0 exceeds its errors goal and drops out of contention.
	goalKP := keypath.New("flowgraph", "asicflow", "place", "0", "goal", "errors")
	require.NoError(t, m.Set(goalKP, cty.NumberIntVal(0)))
	setMetric(t, m, "place", "0", "errors", 3)
	setMetric(t, m, "place", "1", "errors", 0)

	sel := New(m, g)
	got, err := sel.SelectInputs(route)
	require.NoError(t, err)
	assert.Equal(t, "1", got[0].Index)
}

func TestSelectInputs_GoalUnmeasuredExcludes(t *testing.T) {
	t.Parallel()
	m, g, route := fanInFixture(t, 2)

	// A goal over a metric the node never reported disqualifies it.
	goalKP := keypath.New("flowgraph", "asicflow", "place", "0", "goal", "setupwns")
	require.NoError(t, m.Set(goalKP, cty.NumberIntVal(0)))

	sel := New(m, g)
	got, err := sel.SelectInputs(route)
	require.NoError(t, err)
	assert.Equal(t, "1", got[0].Index)
}

func TestSelectInputs_NoEligible(t *testing.T) {
	t.Parallel()
	m, g, route := fanInFixture(t, 2)

	for _, idx := range []string{"0", "1"} {
		goalKP := keypath.New("flowgraph", "asicflow", "place", idx, "goal", "errors")
		require.NoError(t, m.Set(goalKP, cty.NumberIntVal(0)))
		setMetric(t, m, "place", idx, "errors", 1)
	}

	sel := New(m, g)
	_, err := sel.SelectInputs(route)
	require.Error(t, err)

	var noElig *NoEligibleError
	require.True(t, errors.As(err, &noElig))
	assert.Equal(t, "place", noElig.Step)
}

func TestSelectInputs_SkippedCandidateExcluded(t *testing.T) {
	t.Parallel()
	m := manifest.New()
	require.NoError(t, m.Set(keypath.New("option", "flow"), cty.StringVal("asicflow")))

	reg := tool.NewRegistry()
	reg.Register(noopAdapter{})

	routeBase := keypath.New("flowgraph", "asicflow", "route", "0")
	require.NoError(t, m.Set(routeBase.Child("task"), cty.StringVal("noop")))
	for _, idx := range []string{"0", "1"} {
		base := keypath.New("flowgraph", "asicflow", "place", idx)
		require.NoError(t, m.Set(base.Child("task"), cty.StringVal("noop")))
		require.NoError(t, m.Add(routeBase.Child("input"), cty.StringVal("place/"+idx)))
	}

	g, err := flowgraph.Build(context.Background(), m, reg)
	require.NoError(t, err)

	g.Node(flowgraph.NodeID{Step: "place", Index: "0"}).SetStatus(flowgraph.Skipped)
	p1 := g.Node(flowgraph.NodeID{Step: "place", Index: "1"})
	p1.SetStatus(flowgraph.Running)
	p1.SetStatus(flowgraph.Success)

	sel := New(m, g)
	got, err := sel.SelectInputs(g.Node(flowgraph.NodeID{Step: "route", Index: "0"}))
	require.NoError(t, err)
	assert.Equal(t, []flowgraph.NodeID{{Step: "place", Index: "1"}}, got)
}
