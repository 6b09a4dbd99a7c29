// Package yosys adapts the Yosys synthesis suite for the syn task.
package yosys

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
	"github.com/vk/fabflow/internal/tool"
)

const (
	toolName    = "yosys"
	taskName    = "syn"
	entryScript = "sc_syn.tcl"
	refDir      = "tools/yosys"
	statsFile   = "reports/stat.json"
)

// Module implements the tool.Module interface for this package.
type Module struct{}

// Register registers the synthesis adapter.
func (Module) Register(r *tool.Registry) {
	r.Register(&adapter{})
}

type adapter struct{}

func (a *adapter) Tool() string { return toolName }
func (a *adapter) Task() string { return taskName }

// ParseVersion extracts the release from the version banner, e.g.
// "Yosys 0.25+42 (git sha1 ...)".
func (a *adapter) ParseVersion(stdout string) string {
	fields := strings.Fields(stdout)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// NormalizeVersion drops the local patch suffix; "0.25+42" orders as
// "0.25".
func (a *adapter) NormalizeVersion(version string) string {
	base, _, _ := strings.Cut(version, "+")
	return tool.NormalizeVersionToken(base)
}

func (a *adapter) Setup(m *manifest.Manifest, step, index string) error {
	atNode := manifest.AtNode(step, index)
	noClobber := manifest.NoClobber()

	design, err := m.Get(keypath.New("design"))
	if err != nil || design.IsNull() {
		return fmt.Errorf("yosys: design name not set")
	}

	if err := m.Set(tool.ToolPath(toolName, "exe"), cty.StringVal(toolName)); err != nil {
		return err
	}
	if err := m.Set(tool.ToolPath(toolName, "vswitch"), cty.StringVal("--version")); err != nil {
		return err
	}
	if !m.IsSet(tool.ToolPath(toolName, "version")) {
		if err := m.Add(tool.ToolPath(toolName, "version"), cty.StringVal(">=0.13")); err != nil {
			return err
		}
	}
	if err := m.Set(tool.ToolPath(toolName, "format"), cty.StringVal("tcl"), noClobber); err != nil {
		return err
	}

	opts := cty.ListVal([]cty.Value{cty.StringVal("-c")})
	if err := m.Set(tool.TaskPath(toolName, taskName, "option"), opts, atNode, noClobber); err != nil {
		return err
	}
	if err := m.Set(tool.TaskPath(toolName, taskName, "refdir"), cty.StringVal(refDir), atNode, noClobber); err != nil {
		return err
	}
	if err := m.Set(tool.TaskPath(toolName, taskName, "script"), cty.StringVal(entryScript), atNode, noClobber); err != nil {
		return err
	}
	threads := tool.DefaultThreads(m, step)
	if err := m.Set(tool.TaskPath(toolName, taskName, "threads"), cty.NumberIntVal(int64(threads)), atNode, noClobber); err != nil {
		return err
	}

	name := design.AsString()
	if err := m.Add(tool.TaskPath(toolName, taskName, "input"), cty.StringVal(name+".v"), atNode, manifest.Unique()); err != nil {
		return err
	}
	if err := m.Add(tool.TaskPath(toolName, taskName, "output"), cty.StringVal(name+".vg"), atNode, manifest.Unique()); err != nil {
		return err
	}

	if err := m.Add(tool.TaskPath(toolName, taskName, "require"), cty.StringVal("asic,logiclib"), atNode, manifest.Unique()); err != nil {
		return err
	}

	if err := m.Set(tool.TaskPath(toolName, taskName, "regex", "warnings"), cty.StringVal(`^Warning:`), atNode, noClobber); err != nil {
		return err
	}
	if err := m.Set(tool.TaskPath(toolName, taskName, "regex", "errors"), cty.StringVal(`^ERROR`), atNode, noClobber); err != nil {
		return err
	}

	for _, metric := range []string{"cells", "cellarea", "registers"} {
		if err := m.Set(tool.TaskPath(toolName, taskName, "report", metric), cty.StringVal(statsFile), atNode); err != nil {
			return err
		}
	}
	return nil
}

// statReport is the slice of the design statistics the syn task harvests.
type statReport struct {
	Design struct {
		NumCells       int64            `json:"num_cells"`
		Area           float64          `json:"area"`
		NumCellsByType map[string]int64 `json:"num_cells_by_type"`
	} `json:"design"`
}

// PostProcess reads the statistics report into the cells, cellarea, and
// registers metrics.
func (a *adapter) PostProcess(m *manifest.Manifest, step, index string) error {
	path := filepath.Join(tool.WorkDir(m, step, index), statsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("yosys: reading stat report: %w", err)
	}
	var stat statReport
	if err := json.Unmarshal(data, &stat); err != nil {
		return fmt.Errorf("yosys: parsing stat report: %w", err)
	}

	if err := tool.SetMetric(m, step, index, "cells", cty.NumberIntVal(stat.Design.NumCells)); err != nil {
		return err
	}
	if err := tool.SetMetric(m, step, index, "cellarea", cty.NumberFloatVal(stat.Design.Area)); err != nil {
		return err
	}

	var registers int64
	for cellType, count := range stat.Design.NumCellsByType {
		if strings.HasPrefix(cellType, "$dff") || strings.HasPrefix(cellType, "$_DFF") {
			registers += count
		}
	}
	return tool.SetMetric(m, step, index, "registers", cty.NumberIntVal(registers))
}
