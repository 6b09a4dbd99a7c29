package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/ctxlog"
	"github.com/vk/fabflow/internal/flowgraph"
	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
	"github.com/vk/fabflow/internal/tool"
	"github.com/vk/fabflow/internal/validate"
)

// termGrace is how long a timed-out or canceled process gets between
// SIGTERM and SIGKILL.
const termGrace = 5 * time.Second

// runNode executes one node end to end inside its working directory:
// requirement validation, input staging, the external tool invocation, log
// scanning, output verification, and metric post-processing.
func (e *Executor) runNode(ctx context.Context, n *flowgraph.Node) error {
	step, index := n.ID.Step, n.ID.Index
	toolName := n.Adapter.Tool()
	atNode := manifest.AtNode(step, index)

	dir := e.NodeDir(n.ID)
	for _, sub := range []string{"inputs", "outputs", "reports"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return err
		}
	}

	e.record(ctx, n.ID, "starttime", time.Now().UTC().Format(time.RFC3339))
	defer e.record(ctx, n.ID, "endtime", time.Now().UTC().Format(time.RFC3339))
	if v, ok := e.toolVersion(toolName); ok {
		e.record(ctx, n.ID, "toolversion", v)
	}

	if err := validate.Node(e.m, n); err != nil {
		return err
	}
	if err := e.stageInputs(n, dir); err != nil {
		return err
	}
	if err := e.defaultThreads(n); err != nil {
		return err
	}

	exe, err := e.m.Get(tool.ToolPath(toolName, "exe"), atNode)
	if err != nil {
		return err
	}
	if !exe.IsNull() && exe.AsString() != "" {
		if err := e.invoke(ctx, n, dir, exe.AsString()); err != nil {
			return err
		}
	}

	if err := e.scanLog(ctx, n, dir); err != nil {
		return err
	}
	if err := e.verifyOutputs(n, dir); err != nil {
		return err
	}
	return n.Adapter.PostProcess(e.m, step, index)
}

// stageInputs copies every winning predecessor's outputs/ into this node's
// inputs/ and verifies the files the task declared it needs are present.
func (e *Executor) stageInputs(n *flowgraph.Node, dir string) error {
	dst := filepath.Join(dir, "inputs")
	for _, in := range n.Selected() {
		src := filepath.Join(e.NodeDir(in), "outputs")
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("input node %s has no outputs directory: %w", in, err)
		}
		if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
			return fmt.Errorf("staging outputs of %s: %w", in, err)
		}
	}

	declared, err := e.taskList(n, "input")
	if err != nil {
		return err
	}
	for _, name := range declared {
		if _, err := os.Stat(filepath.Join(dst, name)); err != nil {
			return fmt.Errorf("declared input %q not staged", name)
		}
	}
	return nil
}

// defaultThreads fills in the node's thread budget when setup left it
// unset.
func (e *Executor) defaultThreads(n *flowgraph.Node) error {
	kp := tool.TaskPath(n.Adapter.Tool(), n.Task, "threads")
	atNode := manifest.AtNode(n.ID.Step, n.ID.Index)
	val, err := e.m.Get(kp, atNode)
	if err == nil && !val.IsNull() {
		return nil
	}
	threads := tool.DefaultThreads(e.m, n.ID.Step)
	return e.m.Set(kp, cty.NumberIntVal(int64(threads)), atNode)
}

// invoke runs the external tool with the node's configured arguments,
// capturing combined output to <step>.log. Timed-out or canceled processes
// get SIGTERM, then SIGKILL after the grace period.
func (e *Executor) invoke(ctx context.Context, n *flowgraph.Node, dir, exe string) error {
	step := n.ID.Step
	toolName := n.Adapter.Tool()
	logger := ctxlog.FromContext(ctx)

	args, err := e.taskList(n, "option")
	if err != nil {
		return err
	}
	script, err := e.resolveScript(n)
	if err != nil {
		return err
	}
	if script != "" {
		args = append(args, script)
	}

	var cancel context.CancelFunc
	if timeout := e.nodeTimeout(n); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), e.taskEnv(n)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	logFile, err := os.Create(filepath.Join(dir, step+".log"))
	if err != nil {
		return err
	}
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	logger.Debug("Invoking tool.", "exe", exe, "args", args)
	runErr := cmd.Run()

	if cmd.ProcessState != nil {
		e.record(ctx, n.ID, "exitcode", strconv.Itoa(cmd.ProcessState.ExitCode()))
	}
	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("tool %s timed out after %s", toolName, e.nodeTimeout(n))
		}
		return fmt.Errorf("tool %s: %w", toolName, runErr)
	}
	return nil
}

// resolveScript returns the absolute path of the task's entry script, or
// empty when the task declares none. A configured refdir anchors the
// script; otherwise the script value resolves through the search roots.
func (e *Executor) resolveScript(n *flowgraph.Node) (string, error) {
	atNode := manifest.AtNode(n.ID.Step, n.ID.Index)
	scriptKP := tool.TaskPath(n.Adapter.Tool(), n.Task, "script")
	script, err := e.m.Get(scriptKP, atNode)
	if err != nil || script.IsNull() || script.AsString() == "" {
		return "", nil
	}

	refdirKP := tool.TaskPath(n.Adapter.Tool(), n.Task, "refdir")
	refdir, err := e.m.Get(refdirKP, atNode)
	if err == nil && !refdir.IsNull() && refdir.AsString() != "" {
		path := filepath.Join(refdir.AsString(), script.AsString())
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("task script %q not found", path)
		}
		return path, nil
	}

	found, err := e.m.FindFiles(scriptKP, atNode)
	if err != nil {
		return "", err
	}
	return found[0], nil
}

// nodeTimeout returns the node's wall-clock budget, zero when unlimited.
func (e *Executor) nodeTimeout(n *flowgraph.Node) time.Duration {
	kp := keypath.New("flowgraph", e.g.Flow, n.ID.Step, n.ID.Index, "timeout")
	val, err := e.m.Get(kp)
	if err != nil || val.IsNull() {
		return 0
	}
	secs, _ := val.AsBigFloat().Float64()
	return time.Duration(secs * float64(time.Second))
}

// taskEnv collects the node's configured environment additions.
func (e *Executor) taskEnv(n *flowgraph.Node) []string {
	atNode := manifest.AtNode(n.ID.Step, n.ID.Index)
	envKP := tool.TaskPath(n.Adapter.Tool(), n.Task, "env")
	var env []string
	for _, name := range e.m.Keys(envKP) {
		val, err := e.m.Get(envKP.Child(name), atNode)
		if err != nil || val.IsNull() {
			continue
		}
		env = append(env, name+"="+val.AsString())
	}
	return env
}

// scanLog applies the task's per-class log patterns to <step>.log. Matches
// land in <step>.<class>; the errors and warnings classes also feed the
// node's metrics, and any errors match fails the node.
func (e *Executor) scanLog(ctx context.Context, n *flowgraph.Node, dir string) error {
	step, index := n.ID.Step, n.ID.Index
	atNode := manifest.AtNode(step, index)
	regexKP := tool.TaskPath(n.Adapter.Tool(), n.Task, "regex")

	classes := e.m.Keys(regexKP)
	if len(classes) == 0 {
		return nil
	}
	logPath := filepath.Join(dir, step+".log")
	logFile, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer logFile.Close()

	type classScan struct {
		name    string
		pattern *regexp.Regexp
		out     *os.File
		count   int
	}
	var scans []*classScan
	for _, class := range classes {
		val, err := e.m.Get(regexKP.Child(class), atNode)
		if err != nil || val.IsNull() {
			continue
		}
		pattern, err := regexp.Compile(val.AsString())
		if err != nil {
			return fmt.Errorf("log pattern for class %q: %w", class, err)
		}
		out, err := os.Create(filepath.Join(dir, step+"."+class))
		if err != nil {
			return err
		}
		defer out.Close()
		scans = append(scans, &classScan{name: class, pattern: pattern, out: out})
	}

	scanner := bufio.NewScanner(logFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for _, cs := range scans {
			if cs.pattern.MatchString(line) {
				fmt.Fprintln(cs.out, line)
				cs.count++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	var errCount int
	for _, cs := range scans {
		switch cs.name {
		case "errors", "warnings":
			if err := tool.SetMetric(e.m, step, index, cs.name, cty.NumberIntVal(int64(cs.count))); err != nil {
				return err
			}
		}
		if cs.name == "errors" {
			errCount = cs.count
		}
		ctxlog.FromContext(ctx).Debug("Log scan complete.", "class", cs.name, "matches", cs.count)
	}
	if errCount > 0 {
		return fmt.Errorf("%d errors found in %s", errCount, filepath.Base(logPath))
	}
	return nil
}

// verifyOutputs checks that every file the task promised exists under
// outputs/.
func (e *Executor) verifyOutputs(n *flowgraph.Node, dir string) error {
	declared, err := e.taskList(n, "output")
	if err != nil {
		return err
	}
	for _, name := range declared {
		if _, err := os.Stat(filepath.Join(dir, "outputs", name)); err != nil {
			return fmt.Errorf("declared output %q missing", name)
		}
	}
	return nil
}

// taskList reads a list-typed leaf under the node's task branch, empty
// when unset.
func (e *Executor) taskList(n *flowgraph.Node, segment string) ([]string, error) {
	kp := tool.TaskPath(n.Adapter.Tool(), n.Task, segment)
	val, err := e.m.Get(kp, manifest.AtNode(n.ID.Step, n.ID.Index))
	if err != nil || val.IsNull() {
		return nil, nil
	}
	var out []string
	for _, v := range val.AsValueSlice() {
		out = append(out, v.AsString())
	}
	return out, nil
}

// record writes one node-scoped execution record.
func (e *Executor) record(ctx context.Context, id flowgraph.NodeID, field, value string) {
	kp := keypath.New("record", field)
	if err := e.m.Set(kp, cty.StringVal(value), manifest.AtNode(id.Step, id.Index)); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to write record.", "field", field, "error", err)
	}
}
