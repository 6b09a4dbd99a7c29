// Package openroad adapts the OpenROAD physical design platform: one
// adapter per place-and-route task, all sharing the same executable,
// scripts, and metrics report.
package openroad

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
	"github.com/vk/fabflow/internal/tool"
)

const (
	toolName    = "openroad"
	entryScript = "sc_apr.tcl"
	refDir      = "tools/openroad"
	metricsFile = "reports/metrics.json"
)

// Tasks are the flowgraph tasks this package serves.
var Tasks = []string{"floorplan", "place", "cts", "route"}

// Module implements the tool.Module interface for this package.
type Module struct{}

// Register registers one adapter per OpenROAD task.
func (Module) Register(r *tool.Registry) {
	for _, task := range Tasks {
		r.Register(&adapter{task: task})
	}
}

type adapter struct {
	task string
}

func (a *adapter) Tool() string { return toolName }
func (a *adapter) Task() string { return a.task }

func (a *adapter) ParseVersion(stdout string) string {
	return tool.ParseVersionToken(stdout)
}

func (a *adapter) NormalizeVersion(version string) string {
	return tool.NormalizeVersionToken(version)
}

// varDefaults are tool variables every task gets unless the user already
// set them.
var varDefaults = map[string]string{
	"ifp_tie_separation":           "0",
	"pdn_enable":                   "true",
	"gpl_routability_driven":       "true",
	"gpl_timing_driven":            "true",
	"dpo_enable":                   "true",
	"dpo_max_displacement":         "0",
	"dpl_max_displacement":         "0",
	"cts_distance_between_buffers": "100",
	"cts_cluster_diameter":         "100",
	"cts_cluster_size":             "30",
	"cts_balance_levels":           "true",
	"ant_iterations":               "3",
	"ant_margin":                   "0",
	"grt_use_pin_access":           "false",
	"grt_overflow_iter":            "100",
	"grt_macro_extension":          "2",
	"grt_allow_congestion":         "false",
	"grt_allow_overflow":           "false",
	"drt_disable_via_gen":          "false",
	"drt_process_node":             "false",
	"drt_via_in_pin_bottom_layer":  "false",
	"drt_via_in_pin_top_layer":     "false",
	"drt_repair_pdn_vias":          "false",
	"drt_via_repair_post_route":    "false",
	"rsz_setup_slack_margin":       "0.0",
	"rsz_hold_slack_margin":        "0.0",
	"rsz_slew_margin":              "0.0",
	"rsz_cap_margin":               "0.0",
	"rsz_buffer_inputs":            "false",
	"rsz_buffer_outputs":           "false",
	"sta_early_timing_derate":      "0.0",
	"sta_late_timing_derate":       "0.0",
	"fin_add_fill":                 "true",
	"psm_enable":                   "true",
}

// userVariables must carry a value by run time, either copied from the
// main library's defaults or set by the user.
var userVariables = []string{
	"place_density",
	"pad_global_place",
	"pad_detail_place",
	"macro_place_halo",
	"macro_place_channel",
}

// reportMetrics are harvested from the shared metrics report.
var reportMetrics = []string{
	"vias", "wirelength", "cellarea", "totalarea", "utilization",
	"setuptns", "holdtns", "setupslack", "holdslack", "setuppaths",
	"holdpaths", "unconstrained", "peakpower", "leakagepower", "pins",
	"cells", "macros", "nets", "registers", "buffers", "drvs",
	"setupwns", "holdwns",
}

func (a *adapter) Setup(m *manifest.Manifest, step, index string) error {
	atNode := manifest.AtNode(step, index)
	noClobber := manifest.NoClobber()

	design, err := m.Get(keypath.New("design"))
	if err != nil || design.IsNull() {
		return fmt.Errorf("openroad: design name not set")
	}

	delaymodel := stringAt(m, keypath.New("option", "delaymodel"))
	if delaymodel != "" && delaymodel != "nldm" {
		return fmt.Errorf("openroad: delay model %q not supported, only nldm", delaymodel)
	}

	if err := m.Set(tool.ToolPath(toolName, "exe"), cty.StringVal(toolName)); err != nil {
		return err
	}
	if err := m.Set(tool.ToolPath(toolName, "vswitch"), cty.StringVal("-version")); err != nil {
		return err
	}
	if !m.IsSet(tool.ToolPath(toolName, "version")) {
		if err := m.Add(tool.ToolPath(toolName, "version"), cty.StringVal(">=v2.0-6445")); err != nil {
			return err
		}
	}
	if err := m.Set(tool.ToolPath(toolName, "format"), cty.StringVal("tcl"), noClobber); err != nil {
		return err
	}

	opts := cty.ListVal([]cty.Value{
		cty.StringVal("-exit"),
		cty.StringVal("-metrics"),
		cty.StringVal(metricsFile),
	})
	if err := m.Set(tool.TaskPath(toolName, a.task, "option"), opts, atNode, noClobber); err != nil {
		return err
	}
	if err := m.Set(tool.TaskPath(toolName, a.task, "refdir"), cty.StringVal(refDir), atNode, noClobber); err != nil {
		return err
	}
	if err := m.Set(tool.TaskPath(toolName, a.task, "script"), cty.StringVal(entryScript), atNode, noClobber); err != nil {
		return err
	}
	threads := tool.DefaultThreads(m, step)
	if err := m.Set(tool.TaskPath(toolName, a.task, "threads"), cty.NumberIntVal(int64(threads)), atNode, noClobber); err != nil {
		return err
	}

	for _, ext := range []string{".sdc", ".vg", ".def", ".odb"} {
		if err := m.Add(tool.TaskPath(toolName, a.task, "output"), cty.StringVal(design.AsString()+ext), atNode, manifest.Unique()); err != nil {
			return err
		}
	}

	if err := a.setupRequirements(m, step, index); err != nil {
		return err
	}
	if err := a.setupVariables(m, step, index); err != nil {
		return err
	}

	if err := m.Set(tool.TaskPath(toolName, a.task, "regex", "warnings"), cty.StringVal(`^\[WARNING|^Warning`), atNode, noClobber); err != nil {
		return err
	}
	if err := m.Set(tool.TaskPath(toolName, a.task, "regex", "errors"), cty.StringVal(`^\[ERROR`), atNode, noClobber); err != nil {
		return err
	}

	for _, metric := range reportMetrics {
		if err := m.Set(tool.TaskPath(toolName, a.task, "report", metric), cty.StringVal(metricsFile), atNode); err != nil {
			return err
		}
	}
	return nil
}

// setupRequirements declares the target description every task needs: the
// logic libraries, the stackup, and the technology files reachable through
// them.
func (a *adapter) setupRequirements(m *manifest.Manifest, step, index string) error {
	atNode := manifest.AtNode(step, index)
	requireKP := tool.TaskPath(toolName, a.task, "require")
	addRequire := func(kp keypath.Path) error {
		return m.Add(requireKP, cty.StringVal(kp.String()), atNode, manifest.Unique())
	}

	stackup := stringAt(m, keypath.New("option", "stackup"))
	targetlibs := listAt(m, keypath.New("asic", "logiclib"))
	if stackup == "" || len(targetlibs) == 0 {
		return fmt.Errorf("openroad: stackup and logiclib parameters required")
	}
	mainlib := targetlibs[0]
	pdkname := stringAt(m, keypath.New("option", "pdk"))
	libtype := stringAt(m, keypath.New("library", mainlib, "asic", "libarch"))
	if libtype == "" {
		return fmt.Errorf("openroad: library %s missing asic,libarch", mainlib)
	}

	for _, kp := range []keypath.Path{
		keypath.New("asic", "logiclib"),
		keypath.New("option", "stackup"),
		keypath.New("library", mainlib, "asic", "site", libtype),
		keypath.New("pdk", pdkname, "aprtech", toolName, stackup, libtype, "lef"),
	} {
		if err := addRequire(kp); err != nil {
			return err
		}
	}

	macrolibs := listAt(m, keypath.New("asic", "macrolib"))
	for _, lib := range append(append([]string(nil), targetlibs...), macrolibs...) {
		if err := addRequire(keypath.New("library", lib, "output", stackup, "lef")); err != nil {
			return err
		}
	}

	// Tie cell and port settings only make sense in pairs.
	for _, pair := range [][2]string{
		{"openroad_tiehigh_cell", "openroad_tiehigh_port"},
		{"openroad_tielow_cell", "openroad_tielow_port"},
	} {
		cellKP := keypath.New("library", mainlib, "option", "var", pair[0])
		portKP := keypath.New("library", mainlib, "option", "var", pair[1])
		if m.IsSet(cellKP) {
			if err := addRequire(portKP); err != nil {
				return err
			}
		}
		if m.IsSet(portKP) {
			if err := addRequire(cellKP); err != nil {
				return err
			}
		}
	}

	for _, pdkVar := range []string{
		"rclayer_signal", "rclayer_clock",
		"pin_layer_horizontal", "pin_layer_vertical",
	} {
		if err := addRequire(keypath.New("pdk", pdkname, "var", toolName, pdkVar, stackup)); err != nil {
			return err
		}
	}
	return nil
}

// setupVariables installs the task's tool variables: fixed defaults,
// values copied from the main library and the PDK, and the user-supplied
// ones declared as requirements.
func (a *adapter) setupVariables(m *manifest.Manifest, step, index string) error {
	atNode := manifest.AtNode(step, index)
	noClobber := manifest.NoClobber()
	requireKP := tool.TaskPath(toolName, a.task, "require")
	varKP := func(name string) keypath.Path {
		return tool.TaskPath(toolName, a.task, "var", name)
	}
	setDefault := func(name, value string) error {
		return m.Set(varKP(name), cty.ListVal([]cty.Value{cty.StringVal(value)}), atNode, noClobber)
	}

	for name, value := range varDefaults {
		if err := setDefault(name, value); err != nil {
			return err
		}
	}

	pdkname := stringAt(m, keypath.New("option", "pdk"))
	stackup := stringAt(m, keypath.New("option", "stackup"))
	minlayer := stringAt(m, keypath.New("pdk", pdkname, "minlayer", stackup))
	maxlayer := stringAt(m, keypath.New("pdk", pdkname, "maxlayer", stackup))
	for name, value := range map[string]string{
		"grt_signal_min_layer": minlayer,
		"grt_signal_max_layer": maxlayer,
		"grt_clock_min_layer":  minlayer,
		"grt_clock_max_layer":  maxlayer,
	} {
		if value == "" {
			continue
		}
		if err := setDefault(name, value); err != nil {
			return err
		}
	}

	targetlibs := listAt(m, keypath.New("asic", "logiclib"))
	var mainlib string
	if len(targetlibs) > 0 {
		mainlib = targetlibs[0]
	}
	for _, name := range userVariables {
		libKP := keypath.New("library", mainlib, "option", "var", "openroad_"+name)
		if mainlib != "" && m.IsSet(libKP) {
			value, err := m.Get(libKP)
			if err != nil {
				return err
			}
			if err := m.Set(varKP(name), value, atNode, noClobber); err != nil {
				return err
			}
			if err := m.Add(requireKP, cty.StringVal(libKP.String()), atNode, manifest.Unique()); err != nil {
				return err
			}
		}
		if err := m.Add(requireKP, cty.StringVal(varKP(name).String()), atNode, manifest.Unique()); err != nil {
			return err
		}
	}
	return nil
}

// orMetrics maps canonical metric names to the keys of the OpenROAD
// metrics report.
var orMetrics = map[string]string{
	"vias":          "sc__step__route__vias",
	"wirelength":    "sc__step__route__wirelength",
	"cellarea":      "sc__metric__design__instance__area",
	"totalarea":     "sc__metric__design__core__area",
	"utilization":   "sc__metric__design__instance__utilization",
	"setuptns":      "sc__metric__timing__setup__tns",
	"holdtns":       "sc__metric__timing__hold__tns",
	"setupslack":    "sc__metric__timing__setup__ws",
	"holdslack":     "sc__metric__timing__hold__ws",
	"setuppaths":    "sc__metric__timing__drv__setup_violation_count",
	"holdpaths":     "sc__metric__timing__drv__hold_violation_count",
	"unconstrained": "sc__metric__timing__unconstrained",
	"peakpower":     "sc__metric__power__total",
	"leakagepower":  "sc__metric__power__leakage__total",
	"pins":          "sc__metric__design__io",
	"cells":         "sc__metric__design__instance__count",
	"macros":        "sc__metric__design__instance__count__macros",
	"nets":          "sc__metric__design__nets",
	"registers":     "sc__metric__design__registers",
	"buffers":       "sc__metric__design__buffers",
}

// drvKeys are the violation counters summed into the drvs metric. The sum
// stays absent when none of them was reported.
var drvKeys = []string{
	"sc__metric__timing__drv__max_slew",
	"sc__metric__timing__drv__max_cap",
	"sc__metric__timing__drv__max_fanout",
	"sc__step__route__drc_errors",
	"sc__metric__antenna__violating__nets",
	"sc__metric__antenna__violating__pins",
}

// PostProcess harvests the metrics report into canonical metrics, derives
// the worst-negative-slack values, and sums the design rule violations.
func (a *adapter) PostProcess(m *manifest.Manifest, step, index string) error {
	path := filepath.Join(tool.WorkDir(m, step, index), metricsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("openroad: reading metrics report: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("openroad: parsing metrics report: %w", err)
	}

	for metric, key := range orMetrics {
		value, ok := numValue(raw[key])
		if !ok {
			continue
		}
		if err := tool.SetMetric(m, step, index, metric, cty.NumberFloatVal(value)); err != nil {
			return err
		}
	}

	// Worst negative slack clamps positive slack to zero.
	for metric, key := range map[string]string{
		"setupwns": "sc__metric__timing__setup__ws",
		"holdwns":  "sc__metric__timing__hold__ws",
	} {
		ws, ok := numValue(raw[key])
		if !ok {
			continue
		}
		if err := tool.SetMetric(m, step, index, metric, cty.NumberFloatVal(min(0, ws))); err != nil {
			return err
		}
	}

	var drvs float64
	var haveDrvs bool
	for _, key := range drvKeys {
		if value, ok := numValue(raw[key]); ok {
			drvs += value
			haveDrvs = true
		}
	}
	if haveDrvs {
		return tool.SetMetric(m, step, index, "drvs", cty.NumberFloatVal(drvs))
	}
	return nil
}

// numValue coerces a decoded report entry to a number; the report mixes
// numeric and stringified values.
func numValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func stringAt(m *manifest.Manifest, kp keypath.Path) string {
	val, err := m.Get(kp)
	if err != nil || val.IsNull() {
		return ""
	}
	return val.AsString()
}

func listAt(m *manifest.Manifest, kp keypath.Path) []string {
	val, err := m.Get(kp)
	if err != nil || val.IsNull() {
		return nil
	}
	var out []string
	for _, v := range val.AsValueSlice() {
		out = append(out, v.AsString())
	}
	return out
}
