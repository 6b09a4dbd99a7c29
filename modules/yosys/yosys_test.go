package yosys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
	"github.com/vk/fabflow/internal/tool"
)

func TestParseVersion(t *testing.T) {
	t.Parallel()
	a := &adapter{}
	v := a.ParseVersion("Yosys 0.25+42 (git sha1 a1b2c3d, clang 14.0.0 -fPIC -Os)")
	assert.Equal(t, "0.25+42", v)
	assert.Equal(t, "0.25", a.NormalizeVersion(v))
	assert.Equal(t, "", a.ParseVersion(""))
}

func TestVersionCheck(t *testing.T) {
	t.Parallel()
	a := &adapter{}
	assert.NoError(t, tool.CheckVersion(a, "0.25+42", []string{">=0.13"}))
	assert.Error(t, tool.CheckVersion(a, "0.9+3672", []string{">=0.13"}))
}

func synManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m := manifest.New()
	require.NoError(t, m.Set(keypath.New("design"), cty.StringVal("heartbeat")))
	require.NoError(t, m.Set(keypath.New("option", "flow"), cty.StringVal("asicflow")))
	return m
}

func TestSetup(t *testing.T) {
	t.Parallel()
	m := synManifest(t)
	require.NoError(t, (&adapter{}).Setup(m, "syn", "0"))

	exe, err := m.Get(tool.ToolPath("yosys", "exe"))
	require.NoError(t, err)
	assert.Equal(t, "yosys", exe.AsString())

	at := manifest.AtNode("syn", "0")
	in, err := m.Get(tool.TaskPath("yosys", "syn", "input"), at)
	require.NoError(t, err)
	assert.Equal(t, "heartbeat.v", in.AsValueSlice()[0].AsString())
	out, err := m.Get(tool.TaskPath("yosys", "syn", "output"), at)
	require.NoError(t, err)
	assert.Equal(t, "heartbeat.vg", out.AsValueSlice()[0].AsString())

	req, err := m.Get(tool.TaskPath("yosys", "syn", "require"), at)
	require.NoError(t, err)
	assert.Equal(t, "asic,logiclib", req.AsValueSlice()[0].AsString())

	// Setup may run again without growing the declared lists.
	require.NoError(t, (&adapter{}).Setup(m, "syn", "0"))
	for _, segment := range []string{"input", "output", "require"} {
		val, err := m.Get(tool.TaskPath("yosys", "syn", segment), at)
		require.NoError(t, err)
		assert.Equal(t, 1, val.LengthInt(), segment)
	}
}

func TestPostProcess(t *testing.T) {
	t.Parallel()
	m := synManifest(t)
	build := t.TempDir()
	require.NoError(t, m.Set(keypath.New("option", "builddir"), cty.StringVal(build)))
	dir := filepath.Join(tool.WorkDir(m, "syn", "0"), "reports")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	stat := `{
		"design": {
			"num_cells": 310,
			"area": 1234.5,
			"num_cells_by_type": {"$dff": 40, "$_DFF_P_": 8, "$and": 100}
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat.json"), []byte(stat), 0o644))

	require.NoError(t, (&adapter{}).PostProcess(m, "syn", "0"))

	at := manifest.AtNode("syn", "0")
	cells, err := m.Get(keypath.New("metric", "cells"), at)
	require.NoError(t, err)
	f, _ := cells.AsBigFloat().Float64()
	assert.Equal(t, 310.0, f)

	area, err := m.Get(keypath.New("metric", "cellarea"), at)
	require.NoError(t, err)
	f, _ = area.AsBigFloat().Float64()
	assert.Equal(t, 1234.5, f)

	regs, err := m.Get(keypath.New("metric", "registers"), at)
	require.NoError(t, err)
	f, _ = regs.AsBigFloat().Float64()
	assert.Equal(t, 48.0, f)
}
