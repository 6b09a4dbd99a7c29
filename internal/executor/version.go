package executor

import (
	"context"
	"fmt"
	"os/exec"

	"golang.org/x/sync/errgroup"

	"github.com/vk/fabflow/internal/ctxlog"
	"github.com/vk/fabflow/internal/flowgraph"
	"github.com/vk/fabflow/internal/tool"
)

// checkToolVersions gates the run on every distinct tool the flowgraph
// uses: each tool's executable is invoked once with its version switch and
// the reported version is checked against the accepted specs. Any mismatch
// or missing binary aborts before the first node runs.
func (e *Executor) checkToolVersions(ctx context.Context) error {
	adapters := make(map[string]tool.Adapter)
	ids := make([]flowgraph.NodeID, 0, len(e.g.Nodes))
	for id := range e.g.Nodes {
		ids = append(ids, id)
	}
	flowgraph.SortIDs(ids)
	for _, id := range ids {
		a := e.g.Node(id).Adapter
		if _, seen := adapters[a.Tool()]; !seen {
			adapters[a.Tool()] = a
		}
	}

	grp, ctx := errgroup.WithContext(ctx)
	for name, a := range adapters {
		grp.Go(func() error {
			return e.checkOneTool(ctx, name, a)
		})
	}
	return grp.Wait()
}

func (e *Executor) checkOneTool(ctx context.Context, name string, a tool.Adapter) error {
	logger := ctxlog.FromContext(ctx)

	exe, err := e.m.Get(tool.ToolPath(name, "exe"))
	if err != nil || exe.IsNull() || exe.AsString() == "" {
		// Metadata-only tool, nothing to probe.
		return nil
	}
	path, err := exec.LookPath(exe.AsString())
	if err != nil {
		return fmt.Errorf("tool %s: executable %q not found in PATH", name, exe.AsString())
	}

	vswitch, err := e.m.Get(tool.ToolPath(name, "vswitch"))
	if err != nil || vswitch.IsNull() || vswitch.AsString() == "" {
		logger.Debug("Tool declares no version switch, skipping check.", "tool", name)
		return nil
	}

	out, err := exec.CommandContext(ctx, path, vswitch.AsString()).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tool %s: version probe failed: %w", name, err)
	}
	version := a.ParseVersion(string(out))
	if version == "" {
		return fmt.Errorf("tool %s: could not parse version from %q", name, string(out))
	}
	e.setToolVersion(name, version)
	logger.Info("Tool version probed.", "tool", name, "version", version)

	specsVal, err := e.m.Get(tool.ToolPath(name, "version"))
	if err != nil || specsVal.IsNull() || specsVal.LengthInt() == 0 {
		return nil
	}
	var specs []string
	for _, v := range specsVal.AsValueSlice() {
		specs = append(specs, v.AsString())
	}
	return tool.CheckVersion(a, version, specs)
}

func (e *Executor) setToolVersion(name, version string) {
	e.versionMu.Lock()
	defer e.versionMu.Unlock()
	e.versions[name] = version
}

func (e *Executor) toolVersion(name string) (string, bool) {
	e.versionMu.Lock()
	defer e.versionMu.Unlock()
	v, ok := e.versions[name]
	return v, ok
}
