package surelog

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
	banner := "VERSION: 1.71\nBUILT : Apr 15 2023"
	v := a.ParseVersion(banner)
	assert.Equal(t, "1.71", v)
	assert.Equal(t, "1.71", a.NormalizeVersion(v))
	assert.NoError(t, tool.CheckVersion(a, v, []string{">=1.51"}))
}

func importManifest(t *testing.T) (*manifest.Manifest, string) {
	t.Helper()
	m := manifest.New()
	require.NoError(t, m.Set(keypath.New("design"), cty.StringVal("heartbeat")))
	require.NoError(t, m.Set(keypath.New("option", "flow"), cty.StringVal("asicflow")))

	srcRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "heartbeat.v"), []byte("module heartbeat; endmodule\n"), 0o644))
	m.SetSearchRoots([]string{srcRoot})
	require.NoError(t, m.Add(keypath.New("input", "rtl", "verilog"), cty.StringVal("heartbeat.v")))
	return m, srcRoot
}

func TestSetup(t *testing.T) {
	t.Parallel()
	m, srcRoot := importManifest(t)
	require.NoError(t, (&adapter{}).Setup(m, "import", "0"))

	at := manifest.AtNode("import", "0")
	opts, err := m.Get(tool.TaskPath("surelog", "import", "option"), at)
	require.NoError(t, err)
	var args []string
	for _, v := range opts.AsValueSlice() {
		args = append(args, v.AsString())
	}
	assert.Equal(t, []string{"-parse", "-top", "heartbeat", filepath.Join(srcRoot, "heartbeat.v")}, args)

	req, err := m.Get(tool.TaskPath("surelog", "import", "require"), at)
	require.NoError(t, err)
	assert.Equal(t, "input,rtl,verilog", req.AsValueSlice()[0].AsString())

	out, err := m.Get(tool.TaskPath("surelog", "import", "output"), at)
	require.NoError(t, err)
	assert.Equal(t, "heartbeat.v", out.AsValueSlice()[0].AsString())

	// Setup may run again without growing the declared lists.
	require.NoError(t, (&adapter{}).Setup(m, "import", "0"))
	for _, segment := range []string{"require", "output"} {
		val, err := m.Get(tool.TaskPath("surelog", "import", segment), at)
		require.NoError(t, err)
		assert.Equal(t, 1, val.LengthInt(), segment)
	}
}

func TestSetup_MissingSources(t *testing.T) {
	t.Parallel()
	m := manifest.New()
	require.NoError(t, m.Set(keypath.New("design"), cty.StringVal("heartbeat")))

	err := (&adapter{}).Setup(m, "import", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources")
}

func TestPostProcess_FlattensPreprocessedSources(t *testing.T) {
	t.Parallel()
	m, _ := importManifest(t)
	build := t.TempDir()
	require.NoError(t, m.Set(keypath.New("option", "builddir"), cty.StringVal(build)))

	dir := tool.WorkDir(m, "import", "0")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "outputs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "slpp_all", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slpp_all", "a.v"), []byte("module a; endmodule"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slpp_all", "sub", "b.sv"), []byte("module b; endmodule"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slpp_all", "notes.txt"), []byte("ignored"), 0o644))

	require.NoError(t, (&adapter{}).PostProcess(m, "import", "0"))

	flat, err := os.ReadFile(filepath.Join(dir, "outputs", "heartbeat.v"))
	require.NoError(t, err)
	assert.Contains(t, string(flat), "module a")
	assert.Contains(t, string(flat), "module b")
	assert.NotContains(t, string(flat), "ignored")
}

func TestPostProcess_NoPreprocessedSources(t *testing.T) {
	t.Parallel()
	m, _ := importManifest(t)
	require.NoError(t, m.Set(keypath.New("option", "builddir"), cty.StringVal(t.TempDir())))
	require.Error(t, (&adapter{}).PostProcess(m, "import", "0"))
}
