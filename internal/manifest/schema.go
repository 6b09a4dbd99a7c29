package manifest

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/keypath"
)

// metricDecl pairs a tracked metric name with its recording unit.
type metricDecl struct {
	name string
	unit string
}

// builtinMetrics is the set of canonical metric names the engine and the
// reporting facade know about. Tool-specific extras fall through to the
// metric wildcard declaration.
var builtinMetrics = []metricDecl{
	{"errors", ""},
	{"warnings", ""},
	{"drvs", ""},
	{"unconstrained", ""},
	{"cellarea", "um^2"},
	{"totalarea", "um^2"},
	{"utilization", "%"},
	{"peakpower", "mw"},
	{"leakagepower", "mw"},
	{"setupslack", "ns"},
	{"holdslack", "ns"},
	{"setupwns", "ns"},
	{"holdwns", "ns"},
	{"setuptns", "ns"},
	{"holdtns", "ns"},
	{"setuppaths", ""},
	{"holdpaths", ""},
	{"vias", ""},
	{"wirelength", "um"},
	{"pins", ""},
	{"cells", ""},
	{"macros", ""},
	{"nets", ""},
	{"registers", ""},
	{"buffers", ""},
}

// declareBuiltinSchema registers every parameter the engine itself reads or
// writes. Tool adapters and flow descriptions only ever touch paths
// resolvable through these declarations.
func declareBuiltinSchema(m *Manifest) {
	str := func(raw, help string) {
		kp, _ := keypath.Parse(raw)
		m.Declare(kp, Parameter{Type: cty.String, Shorthelp: help})
	}
	strList := func(raw, help string) {
		kp, _ := keypath.Parse(raw)
		m.Declare(kp, Parameter{Type: cty.List(cty.String), Shorthelp: help})
	}
	num := func(raw, help string) {
		kp, _ := keypath.Parse(raw)
		m.Declare(kp, Parameter{Type: cty.Number, Shorthelp: help})
	}

	// Design / run options.
	str("design", "top-level design name")
	str("option,flow", "active flowgraph name")
	str("option,jobname", "job directory name under the build dir")
	str("option,builddir", "root of all per-node working directories")
	str("option,mode", "compilation mode (asic or fpga)")
	str("option,pdk", "target process design kit name")
	str("option,stackup", "target metal stackup")
	str("option,delaymodel", "timing delay model (nldm)")
	strList("option,metricoff", "metrics excluded from summary tables")
	strList("option,scpath", "search roots for file resolution")

	// Transient per-invocation arguments.
	str("arg,step", "current step, batch invocation only")
	str("arg,index", "current index, batch invocation only")

	// Design sources: input,<fileset>,<filetype>.
	strList("input,default,default", "design source files by fileset and type")

	// ASIC target description.
	strList("asic,logiclib", "target logic libraries")
	strList("asic,macrolib", "target macro libraries")

	// Flowgraph: flowgraph,<flow>,<step>,<index>,...
	str("flowgraph,default,default,default,task", "task implementing the node")
	strList("flowgraph,default,default,default,input", "predecessor nodes as step/index pairs")
	strList("flowgraph,default,default,default,select", "winning inputs chosen after execution")
	num("flowgraph,default,default,default,weight,default", "metric weight for winner selection")
	num("flowgraph,default,default,default,goal,default", "must-pass ceiling for a metric")
	num("flowgraph,default,default,default,timeout", "node wall-clock budget in seconds")
	str("flowgraph,default,default,default,status", "terminal node status")

	// Tool level: tool,<tool>,...
	str("tool,default,exe", "executable name")
	str("tool,default,vswitch", "switch used to report the tool version")
	strList("tool,default,version", "accepted version specs, e.g. >=2.0-880")
	str("tool,default,format", "tool configuration format")

	// Task level: tool,<tool>,task,<task>,...
	strList("tool,default,task,default,option", "command line options")
	str("tool,default,task,default,script", "entry script passed to the tool")
	str("tool,default,task,default,refdir", "directory holding the task scripts")
	num("tool,default,task,default,threads", "thread budget for the invocation")
	strList("tool,default,task,default,input", "files the task expects in inputs/")
	strList("tool,default,task,default,output", "files the task promises in outputs/")
	strList("tool,default,task,default,require", "keypaths that must resolve before running")
	strList("tool,default,task,default,var,default", "tool-specific variables")
	str("tool,default,task,default,regex,default", "log-scan pattern per match class")
	str("tool,default,task,default,report,default", "report file a metric is harvested from")
	str("tool,default,task,default,env,default", "environment variables for the invocation")

	// Metrics, one leaf per node via overlays.
	for _, md := range builtinMetrics {
		m.Declare(keypath.New("metric", md.name), Parameter{
			Type: cty.Number,
			Unit: md.unit,
		})
	}
	m.Declare(keypath.New("metric", keypath.Wildcard), Parameter{Type: cty.Number})

	// Execution records.
	str("record,toolversion", "reported tool version")
	str("record,exitcode", "external process exit code")
	str("record,starttime", "node start time, RFC 3339")
	str("record,endtime", "node end time, RFC 3339")

	// Library branch: library,<lib>,...
	str("library,default,asic,libarch", "library architecture, e.g. hd")
	strList("library,default,asic,site,default", "placement site names")
	strList("library,default,output,default,default", "library output files by corner/format")
	strList("library,default,option,var,default", "library-provided tool variable defaults")
	strList("library,default,option,file,default", "library-provided support files")

	// PDK branch: pdk,<pdk>,...
	strList("pdk,default,aprtech,default,default,default,default", "apr technology files")
	strList("pdk,default,var,default,default,default", "pdk tool variables by stackup")
	str("pdk,default,minlayer,default", "lowest routing layer")
	str("pdk,default,maxlayer,default", "highest routing layer")
}
