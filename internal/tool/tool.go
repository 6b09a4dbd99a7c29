package tool

import (
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
)

// Adapter is the polymorphic interface one external tool implements. One
// adapter instance serves every node assigned its task; all per-node state
// lives in the manifest under the node's (step,index) overlay.
type Adapter interface {
	// Tool returns the tool name, the second segment of every
	// tool,<name>,... key-path the adapter reads or writes.
	Tool() string
	// Task returns the task name nodes are assigned in the flowgraph.
	Task() string

	// Setup populates node-scoped configuration: executable, options,
	// thread count, declared outputs, required key-paths, log-scan
	// patterns, and metric report bindings. It must be idempotent under
	// re-invocation with the same inputs, which adapters get for free by
	// writing fixed values through Set and growing lists only through
	// Add with the Unique option.
	Setup(m *manifest.Manifest, step, index string) error

	// ParseVersion extracts the comparable version token from the raw
	// output of the tool's version switch.
	ParseVersion(stdout string) string

	// NormalizeVersion maps a parsed version to its comparable form. The
	// sentinel "0" marks an unknown form usable only for equality.
	NormalizeVersion(version string) string

	// PostProcess runs after the external process exits: parse the tool's
	// structured report and copy recognized entries into the node's
	// metric record under canonical names, deriving composite metrics.
	PostProcess(m *manifest.Manifest, step, index string) error
}

// Module registers one or more adapters; every pluggable tool package
// exposes an implementation.
type Module interface {
	Register(r *Registry)
}

// Registry maps task names to adapters. It is populated once at startup
// and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its task name. Duplicate task names are a
// programmer error and panic.
func (r *Registry) Register(a Adapter) {
	task := a.Task()
	if _, exists := r.adapters[task]; exists {
		panic(fmt.Sprintf("tool registry: duplicate task %q", task))
	}
	r.adapters[task] = a
}

// Resolve returns the adapter for a task name.
func (r *Registry) Resolve(task string) (Adapter, error) {
	a, ok := r.adapters[task]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", task)
	}
	return a, nil
}

// Tasks returns the registered task names, sorted.
func (r *Registry) Tasks() []string {
	tasks := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		tasks = append(tasks, t)
	}
	sort.Strings(tasks)
	return tasks
}

// DefaultThreads returns the thread budget for one node: total CPUs divided
// by the number of sibling indices at the node's step, rounded up. Fan-out
// subdivides compute instead of oversubscribing it.
func DefaultThreads(m *manifest.Manifest, step string) int {
	flow, err := m.Get(keypath.New("option", "flow"))
	if err != nil || flow.IsNull() {
		return runtime.NumCPU()
	}
	siblings := len(m.Keys(keypath.New("flowgraph", flow.AsString(), step)))
	if siblings <= 1 {
		return runtime.NumCPU()
	}
	return int(math.Ceil(float64(runtime.NumCPU()) / float64(siblings)))
}

// TaskPath returns the key-path prefix tool,<tool>,task,<task> extended by
// the given segments.
func TaskPath(tool, task string, segments ...string) keypath.Path {
	return keypath.New("tool", tool, "task", task).Child(segments...)
}

// ToolPath returns the key-path prefix tool,<tool> extended by the given
// segments.
func ToolPath(tool string, segments ...string) keypath.Path {
	return keypath.New("tool", tool).Child(segments...)
}

// WorkDir returns a node's working directory,
// builddir/design/jobname/step/index, from the current run options.
func WorkDir(m *manifest.Manifest, step, index string) string {
	get := func(kp keypath.Path, fallback string) string {
		val, err := m.Get(kp)
		if err != nil || val.IsNull() || val.AsString() == "" {
			return fallback
		}
		return val.AsString()
	}
	builddir := get(keypath.New("option", "builddir"), "build")
	design := get(keypath.New("design"), "")
	jobname := get(keypath.New("option", "jobname"), "job0")
	return filepath.Join(builddir, design, jobname, step, index)
}

// SetMetric writes one node-scoped metric value.
func SetMetric(m *manifest.Manifest, step, index, metric string, value cty.Value) error {
	return m.Set(keypath.New("metric", metric), value, manifest.AtNode(step, index))
}
