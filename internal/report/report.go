// Package report is the read-only window into a finished (or failing) job:
// the per-node metrics table, the flow's edge relation, the winning path,
// free-text manifest search, and the files a node left behind.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/vk/fabflow/internal/flowgraph"
	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
)

// Report reads job state; it never mutates the manifest.
type Report struct {
	m *manifest.Manifest
	g *flowgraph.Graph
}

// New creates a Report over a manifest and its graph.
func New(m *manifest.Manifest, g *flowgraph.Graph) *Report {
	return &Report{m: m, g: g}
}

// MetricsTable holds the summary matrix: one row per shown metric, one
// column per node. A nil cell means the node never measured the metric.
type MetricsTable struct {
	Metrics []string
	Units   map[string]string
	Nodes   []flowgraph.NodeID
	Values  map[string]map[flowgraph.NodeID]*float64
}

// Metrics builds the summary table. A metric is shown when some node
// weights it or some node measured it, unless option,metricoff excludes
// it.
func (r *Report) Metrics() *MetricsTable {
	nodes := r.sortedNodes()
	off := r.metricOff()

	show := make(map[string]bool)
	for _, id := range nodes {
		weightKP := keypath.New("flowgraph", r.g.Flow, id.Step, id.Index, "weight")
		for _, metric := range r.m.Keys(weightKP) {
			show[metric] = true
		}
	}
	measured := make(map[string]map[flowgraph.NodeID]*float64)
	for _, metric := range r.m.Keys(keypath.New("metric")) {
		for _, id := range nodes {
			kp := keypath.New("metric", metric)
			if !r.m.IsSet(kp, manifest.AtNode(id.Step, id.Index)) {
				continue
			}
			show[metric] = true
			cells, ok := measured[metric]
			if !ok {
				cells = make(map[flowgraph.NodeID]*float64)
				measured[metric] = cells
			}
			val, err := r.m.Get(kp, manifest.AtNode(id.Step, id.Index))
			if err != nil || val.IsNull() {
				cells[id] = nil
				continue
			}
			f, _ := val.AsBigFloat().Float64()
			cells[id] = &f
		}
	}

	table := &MetricsTable{
		Units:  make(map[string]string),
		Nodes:  nodes,
		Values: make(map[string]map[flowgraph.NodeID]*float64),
	}
	for metric := range show {
		if off[metric] {
			continue
		}
		table.Metrics = append(table.Metrics, metric)
		table.Units[metric] = r.m.Unit(keypath.New("metric", metric))
		cells := measured[metric]
		if cells == nil {
			cells = make(map[flowgraph.NodeID]*float64)
		}
		table.Values[metric] = cells
	}
	sort.Strings(table.Metrics)
	return table
}

// Render writes the table in aligned columns.
func (t *MetricsTable) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)

	header := []string{"metric", "unit"}
	for _, id := range t.Nodes {
		header = append(header, id.String())
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, metric := range t.Metrics {
		row := []string{metric, t.Units[metric]}
		for _, id := range t.Nodes {
			cell, measured := t.Values[metric][id]
			switch {
			case !measured || cell == nil:
				row = append(row, "---")
			default:
				row = append(row, formatNumber(*cell))
			}
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%.3f", f)
}

// Edges returns the static input relation of the graph, keyed by consumer.
func (r *Report) Edges() map[flowgraph.NodeID][]flowgraph.NodeID {
	out := make(map[flowgraph.NodeID][]flowgraph.NodeID, len(r.g.Nodes))
	for id, n := range r.g.Nodes {
		out[id] = append([]flowgraph.NodeID(nil), n.Inputs...)
		flowgraph.SortIDs(out[id])
	}
	return out
}

// WinningPath returns the nodes on the selected path to the exit nodes,
// sorted.
func (r *Report) WinningPath() []flowgraph.NodeID {
	set := r.g.WinningPath()
	out := make([]flowgraph.NodeID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	flowgraph.SortIDs(out)
	return out
}

// SearchKeys filters the compact projection down to the branches whose key
// segment contains the substring, case-insensitive. A matching segment
// keeps its entire subtree; elsewhere only branches leading to deeper
// matches survive.
func (r *Report) SearchKeys(substr string) map[string]any {
	return filterKeys(r.m.Compact(), strings.ToLower(substr))
}

func filterKeys(tree map[string]any, needle string) map[string]any {
	out := make(map[string]any)
	for seg, v := range tree {
		if strings.Contains(strings.ToLower(seg), needle) {
			out[seg] = v
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if kept := filterKeys(sub, needle); len(kept) > 0 {
				out[seg] = kept
			}
		}
	}
	return out
}

// SearchValues filters the compact projection down to the leaves whose
// resolved value contains the substring, case-insensitive, preserving the
// tree structure above them.
func (r *Report) SearchValues(substr string) map[string]any {
	return filterValues(r.m.Compact(), strings.ToLower(substr))
}

func filterValues(tree map[string]any, needle string) map[string]any {
	out := make(map[string]any)
	for seg, v := range tree {
		if sub, ok := v.(map[string]any); ok {
			if kept := filterValues(sub, needle); len(kept) > 0 {
				out[seg] = kept
			}
			continue
		}
		if strings.Contains(strings.ToLower(fmt.Sprint(v)), needle) {
			out[seg] = v
		}
	}
	return out
}

// NodeFiles lists the files under a node's working directory, as paths
// relative to it, sorted. Logs, scan outputs, and reports all appear.
func (r *Report) NodeFiles(id flowgraph.NodeID) ([]string, error) {
	dir, err := r.nodeDir(id)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (r *Report) nodeDir(id flowgraph.NodeID) (string, error) {
	design, err := r.m.Get(keypath.New("design"))
	if err != nil || design.IsNull() {
		return "", fmt.Errorf("design name not set")
	}
	get := func(kp keypath.Path, fallback string) string {
		val, err := r.m.Get(kp)
		if err != nil || val.IsNull() || val.AsString() == "" {
			return fallback
		}
		return val.AsString()
	}
	builddir := get(keypath.New("option", "builddir"), "build")
	jobname := get(keypath.New("option", "jobname"), "job0")
	return filepath.Join(builddir, design.AsString(), jobname, id.Step, id.Index), nil
}

func (r *Report) sortedNodes() []flowgraph.NodeID {
	ids := make([]flowgraph.NodeID, 0, len(r.g.Nodes))
	for id := range r.g.Nodes {
		ids = append(ids, id)
	}
	flowgraph.SortIDs(ids)
	return ids
}

func (r *Report) metricOff() map[string]bool {
	off := make(map[string]bool)
	val, err := r.m.Get(keypath.New("option", "metricoff"))
	if err != nil || val.IsNull() {
		return off
	}
	for _, v := range val.AsValueSlice() {
		off[v.AsString()] = true
	}
	return off
}
