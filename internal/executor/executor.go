// Package executor runs a flowgraph to completion: a fixed worker pool
// consumes nodes as their dependency counts reach zero, each node resolving
// its winning inputs, staging files, invoking its external tool, and
// recording metrics before unlocking its dependents. A failed node never
// cancels the run; it propagates as skips through the selection logic of
// its dependents.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/ctxlog"
	"github.com/vk/fabflow/internal/flowgraph"
	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
	"github.com/vk/fabflow/internal/selector"
)

// Executor drives one job over one flowgraph.
type Executor struct {
	m   *manifest.Manifest
	g   *flowgraph.Graph
	sel *selector.Selector

	// Workers caps the pool size. Zero means one worker per CPU.
	Workers int

	// resolved at Run time
	design, jobDir string

	versionMu sync.Mutex
	versions  map[string]string
}

// New creates an Executor for the given manifest and graph.
func New(m *manifest.Manifest, g *flowgraph.Graph) *Executor {
	return &Executor{
		m:        m,
		g:        g,
		sel:      selector.New(m, g),
		versions: make(map[string]string),
	}
}

// Run executes the whole flowgraph: task setup for every node, the tool
// version gate, then the pooled node execution. It returns an error when
// the run could not start or when no exit node finished successfully.
func (e *Executor) Run(ctx context.Context) error {
	runID := ulid.Make().String()
	logger := ctxlog.FromContext(ctx).With("run", runID)
	ctx = ctxlog.WithLogger(ctx, logger)

	if err := e.resolveJob(); err != nil {
		return err
	}
	logger.Info("Starting run.", "design", e.design, "jobdir", e.jobDir, "nodes", len(e.g.Nodes))

	if err := e.setupNodes(ctx); err != nil {
		return err
	}
	if err := e.checkToolVersions(ctx); err != nil {
		return err
	}

	e.runPool(ctx)

	if err := os.MkdirAll(e.jobDir, 0o755); err != nil {
		return err
	}
	if err := e.m.Write(filepath.Join(e.jobDir, "manifest.json")); err != nil {
		logger.Error("Failed to write job manifest.", "error", err)
	}
	return e.summarizeExit(ctx)
}

// resolveJob reads the run identity and computes the job directory. The
// design name is the one setting with no usable default.
func (e *Executor) resolveJob() error {
	design, err := e.m.Get(keypath.New("design"))
	if err != nil || design.IsNull() {
		return errors.New("design name not set")
	}
	e.design = design.AsString()

	builddir := e.stringOr(keypath.New("option", "builddir"), "build")
	jobname := e.stringOr(keypath.New("option", "jobname"), "job0")
	if err := e.m.Set(keypath.New("option", "jobname"), cty.StringVal(jobname), manifest.NoClobber()); err != nil {
		return err
	}
	e.jobDir = filepath.Join(builddir, e.design, jobname)
	return nil
}

func (e *Executor) stringOr(kp keypath.Path, fallback string) string {
	val, err := e.m.Get(kp)
	if err != nil || val.IsNull() || val.AsString() == "" {
		return fallback
	}
	return val.AsString()
}

// setupNodes invokes every node's task setup in deterministic order.
// Setup populates the node-scoped tool configuration the run loop and the
// validator read later.
func (e *Executor) setupNodes(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	ids := make([]flowgraph.NodeID, 0, len(e.g.Nodes))
	for id := range e.g.Nodes {
		ids = append(ids, id)
	}
	flowgraph.SortIDs(ids)

	for _, id := range ids {
		n := e.g.Node(id)
		logger.Debug("Running task setup.", "node", id.String(), "task", n.Task)
		if err := n.Adapter.Setup(e.m, id.Step, id.Index); err != nil {
			return fmt.Errorf("setup failed for node %s: %w", id, err)
		}
	}
	return nil
}

// runPool executes ready nodes on a fixed pool. Readiness is a dependency
// count reaching zero; terminal nodes of any kind unlock their dependents,
// so failures surface as skips instead of stalling the pool.
func (e *Executor) runPool(ctx context.Context) {
	total := len(e.g.Nodes)
	ready := make(chan *flowgraph.Node, total)

	var wg sync.WaitGroup
	wg.Add(total)
	for _, n := range e.g.EntryNodes() {
		ready <- n
	}

	workers := e.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > total {
		workers = total
	}
	for i := 0; i < workers; i++ {
		go e.worker(ctx, i, ready, &wg)
	}

	wg.Wait()
	close(ready)
}

func (e *Executor) worker(ctx context.Context, workerID int, ready chan *flowgraph.Node, wg *sync.WaitGroup) {
	logger := ctxlog.FromContext(ctx).With("worker", workerID)
	for n := range ready {
		nodeCtx := ctxlog.WithLogger(ctx, logger.With("node", n.ID.String()))
		e.process(nodeCtx, n)

		for _, depID := range e.g.Dependents(n.ID) {
			dep := e.g.Node(depID)
			if dep.DecrementDepCount() == 0 {
				ready <- dep
			}
		}
		wg.Done()
	}
}

// process takes one ready node to a terminal state.
func (e *Executor) process(ctx context.Context, n *flowgraph.Node) {
	logger := ctxlog.FromContext(ctx)

	if ctx.Err() != nil {
		e.finishNode(ctx, n, flowgraph.Skipped, ctx.Err())
		return
	}

	if len(n.Inputs) > 0 {
		_, err := e.sel.SelectInputs(n)
		var noElig *selector.NoEligibleError
		if errors.As(err, &noElig) {
			logger.Warn("Skipping node, no eligible input.", "step", noElig.Step)
			e.finishNode(ctx, n, flowgraph.Skipped, err)
			return
		}
		if err != nil {
			e.finishNode(ctx, n, flowgraph.Failed, err)
			return
		}
	}

	n.SetStatus(flowgraph.Running)
	logger.Info("Node started.", "task", n.Task, "tool", n.Adapter.Tool())

	if err := e.runNode(ctx, n); err != nil {
		logger.Error("Node failed.", "error", err)
		e.finishNode(ctx, n, flowgraph.Failed, err)
		return
	}
	logger.Info("Node succeeded.")
	e.finishNode(ctx, n, flowgraph.Success, nil)
}

// finishNode transitions the node and records its terminal status in the
// flow description.
func (e *Executor) finishNode(ctx context.Context, n *flowgraph.Node, status flowgraph.Status, cause error) {
	n.SetErr(cause)
	n.SetStatus(status)
	statusKP := keypath.New("flowgraph", e.g.Flow, n.ID.Step, n.ID.Index, "status")
	if err := e.m.Set(statusKP, cty.StringVal(status.String())); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to record node status.", "error", err)
	}
}

// summarizeExit reports the run outcome: success when at least one exit
// node completed, an error naming the failures otherwise.
func (e *Executor) summarizeExit(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	var succeeded int
	var failures []string
	for _, n := range e.g.ExitNodes() {
		switch n.Status() {
		case flowgraph.Success:
			succeeded++
		default:
			failures = append(failures, fmt.Sprintf("%s (%s)", n.ID, n.Status()))
		}
	}
	if succeeded == 0 {
		return fmt.Errorf("run produced no result, exit nodes: %s", strings.Join(failures, ", "))
	}
	if len(failures) > 0 {
		logger.Warn("Run finished with partial results.", "incomplete", strings.Join(failures, ", "))
	}
	logger.Info("Run finished.")
	return nil
}

// NodeDir returns the working directory of a node within the job.
func (e *Executor) NodeDir(id flowgraph.NodeID) string {
	return filepath.Join(e.jobDir, id.Step, id.Index)
}

// JobDir returns the root directory of the job, valid after Run resolved
// the job identity.
func (e *Executor) JobDir() string {
	return e.jobDir
}
