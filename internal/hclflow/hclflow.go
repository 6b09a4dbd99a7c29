// Package hclflow loads a job description from HCL into a manifest: the
// design name, run options, the flowgraph's node blocks, and free-form
// parameter assignments addressed by key-path.
package hclflow

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
)

// JobConfig is the top-level structure of a job file.
type JobConfig struct {
	Design string        `hcl:"design"`
	Option *OptionBlock  `hcl:"option,block"`
	Nodes  []*NodeBlock  `hcl:"node,block"`
	Params []*ParamBlock `hcl:"param,block"`
}

// OptionBlock carries the run options; every field maps onto an
// option,... key-path.
type OptionBlock struct {
	Flow       string   `hcl:"flow"`
	Jobname    string   `hcl:"jobname,optional"`
	Builddir   string   `hcl:"builddir,optional"`
	Mode       string   `hcl:"mode,optional"`
	PDK        string   `hcl:"pdk,optional"`
	Stackup    string   `hcl:"stackup,optional"`
	Delaymodel string   `hcl:"delaymodel,optional"`
	MetricOff  []string `hcl:"metricoff,optional"`
	SCPath     []string `hcl:"scpath,optional"`
}

// NodeBlock declares one flowgraph node as a `node "step" "index"` block.
type NodeBlock struct {
	Step    string             `hcl:"step,label"`
	Index   string             `hcl:"index,label"`
	Task    string             `hcl:"task"`
	Inputs  []string           `hcl:"input,optional"`
	Weight  map[string]float64 `hcl:"weight,optional"`
	Goal    map[string]float64 `hcl:"goal,optional"`
	Timeout *float64           `hcl:"timeout,optional"`
}

// ParamBlock assigns an arbitrary manifest value as a
// `param "key,path" { value = ... }` block.
type ParamBlock struct {
	Keypath string    `hcl:"keypath,label"`
	Value   cty.Value `hcl:"value"`
}

// LoadFile parses one job file and populates the manifest.
func LoadFile(path string, m *manifest.Manifest) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return diags
	}
	return decodeInto(file.Body, m)
}

// Load parses job HCL from memory; filename is used in diagnostics only.
func Load(src []byte, filename string, m *manifest.Manifest) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return diags
	}
	return decodeInto(file.Body, m)
}

func decodeInto(body hcl.Body, m *manifest.Manifest) error {
	var cfg JobConfig
	if diags := gohcl.DecodeBody(body, nil, &cfg); diags.HasErrors() {
		return diags
	}
	return apply(&cfg, m)
}

func apply(cfg *JobConfig, m *manifest.Manifest) error {
	if cfg.Design == "" {
		return fmt.Errorf("job file missing design name")
	}
	if err := m.Set(keypath.New("design"), cty.StringVal(cfg.Design)); err != nil {
		return err
	}
	if cfg.Option == nil || cfg.Option.Flow == "" {
		return fmt.Errorf("job file missing option block with flow name")
	}
	if err := applyOptions(cfg.Option, m); err != nil {
		return err
	}
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("job file declares no nodes")
	}
	for _, node := range cfg.Nodes {
		if err := applyNode(cfg.Option.Flow, node, m); err != nil {
			return err
		}
	}
	for _, param := range cfg.Params {
		kp, err := keypath.Parse(param.Keypath)
		if err != nil {
			return fmt.Errorf("param block: %w", err)
		}
		if err := m.Set(kp, param.Value); err != nil {
			return err
		}
	}
	return nil
}

func applyOptions(opt *OptionBlock, m *manifest.Manifest) error {
	strs := map[string]string{
		"flow":       opt.Flow,
		"jobname":    opt.Jobname,
		"builddir":   opt.Builddir,
		"mode":       opt.Mode,
		"pdk":        opt.PDK,
		"stackup":    opt.Stackup,
		"delaymodel": opt.Delaymodel,
	}
	for field, value := range strs {
		if value == "" {
			continue
		}
		if err := m.Set(keypath.New("option", field), cty.StringVal(value)); err != nil {
			return err
		}
	}
	lists := map[string][]string{
		"metricoff": opt.MetricOff,
		"scpath":    opt.SCPath,
	}
	for field, values := range lists {
		for _, value := range values {
			if err := m.Add(keypath.New("option", field), cty.StringVal(value)); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyNode(flow string, node *NodeBlock, m *manifest.Manifest) error {
	if node.Task == "" {
		return fmt.Errorf("node %s/%s missing task", node.Step, node.Index)
	}
	base := keypath.New("flowgraph", flow, node.Step, node.Index)
	if err := m.Set(base.Child("task"), cty.StringVal(node.Task)); err != nil {
		return err
	}
	for _, in := range node.Inputs {
		if err := m.Add(base.Child("input"), cty.StringVal(in)); err != nil {
			return err
		}
	}
	for metric, w := range node.Weight {
		if err := m.Set(base.Child("weight", metric), cty.NumberFloatVal(w)); err != nil {
			return err
		}
	}
	for metric, g := range node.Goal {
		if err := m.Set(base.Child("goal", metric), cty.NumberFloatVal(g)); err != nil {
			return err
		}
	}
	if node.Timeout != nil {
		if err := m.Set(base.Child("timeout"), cty.NumberFloatVal(*node.Timeout)); err != nil {
			return err
		}
	}
	return nil
}
