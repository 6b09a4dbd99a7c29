// Package surelog adapts the Surelog SystemVerilog front end for the
// import task: it parses and preprocesses the design sources and leaves a
// single flattened source file for synthesis.
package surelog

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
	"github.com/vk/fabflow/internal/tool"
)

const (
	toolName = "surelog"
	taskName = "import"
	// ppDir is where the tool leaves preprocessed sources.
	ppDir = "slpp_all"
)

// Module implements the tool.Module interface for this package.
type Module struct{}

// Register registers the import adapter.
func (Module) Register(r *tool.Registry) {
	r.Register(&adapter{})
}

type adapter struct{}

func (a *adapter) Tool() string { return toolName }
func (a *adapter) Task() string { return taskName }

// ParseVersion reads the "VERSION: 1.71" line of the banner.
func (a *adapter) ParseVersion(stdout string) string {
	fields := strings.Fields(stdout)
	for i, f := range fields {
		if f == "VERSION:" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return tool.ParseVersionToken(stdout)
}

func (a *adapter) NormalizeVersion(version string) string {
	return tool.NormalizeVersionToken(version)
}

func (a *adapter) Setup(m *manifest.Manifest, step, index string) error {
	atNode := manifest.AtNode(step, index)
	noClobber := manifest.NoClobber()

	design, err := m.Get(keypath.New("design"))
	if err != nil || design.IsNull() {
		return fmt.Errorf("surelog: design name not set")
	}

	if err := m.Set(tool.ToolPath(toolName, "exe"), cty.StringVal(toolName)); err != nil {
		return err
	}
	if err := m.Set(tool.ToolPath(toolName, "vswitch"), cty.StringVal("--version")); err != nil {
		return err
	}
	if !m.IsSet(tool.ToolPath(toolName, "version")) {
		if err := m.Add(tool.ToolPath(toolName, "version"), cty.StringVal(">=1.51")); err != nil {
			return err
		}
	}

	srcKP := keypath.New("input", "rtl", "verilog")
	if err := m.Add(tool.TaskPath(toolName, taskName, "require"), cty.StringVal(srcKP.String()), atNode, manifest.Unique()); err != nil {
		return err
	}
	sources, err := m.FindFiles(srcKP, atNode)
	if err != nil {
		return fmt.Errorf("surelog: resolving design sources: %w", err)
	}

	opts := []cty.Value{
		cty.StringVal("-parse"),
		cty.StringVal("-top"), cty.StringVal(design.AsString()),
	}
	for _, src := range sources {
		opts = append(opts, cty.StringVal(src))
	}
	if err := m.Set(tool.TaskPath(toolName, taskName, "option"), cty.ListVal(opts), atNode, noClobber); err != nil {
		return err
	}

	threads := tool.DefaultThreads(m, step)
	if err := m.Set(tool.TaskPath(toolName, taskName, "threads"), cty.NumberIntVal(int64(threads)), atNode, noClobber); err != nil {
		return err
	}
	if err := m.Add(tool.TaskPath(toolName, taskName, "output"), cty.StringVal(design.AsString()+".v"), atNode, manifest.Unique()); err != nil {
		return err
	}

	if err := m.Set(tool.TaskPath(toolName, taskName, "regex", "warnings"), cty.StringVal(`^\[WRN:`), atNode, noClobber); err != nil {
		return err
	}
	return m.Set(tool.TaskPath(toolName, taskName, "regex", "errors"), cty.StringVal(`^\[ERR:|^\[FTL:|^\[SNT:`), atNode, noClobber)
}

// PostProcess flattens the preprocessed sources into the single declared
// output file, concatenated in stable order.
func (a *adapter) PostProcess(m *manifest.Manifest, step, index string) error {
	design, err := m.Get(keypath.New("design"))
	if err != nil || design.IsNull() {
		return fmt.Errorf("surelog: design name not set")
	}
	dir := tool.WorkDir(m, step, index)

	var sources []string
	root := filepath.Join(dir, ppDir)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && (strings.HasSuffix(path, ".v") || strings.HasSuffix(path, ".sv")) {
			sources = append(sources, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("surelog: no preprocessed sources under %s: %w", ppDir, err)
	}
	if len(sources) == 0 {
		return fmt.Errorf("surelog: no preprocessed sources under %s", ppDir)
	}
	sort.Strings(sources)

	out, err := os.Create(filepath.Join(dir, "outputs", design.AsString()+".v"))
	if err != nil {
		return err
	}
	defer out.Close()
	for _, src := range sources {
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
	}
	return nil
}
