package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/keypath"
)

func mustParse(t *testing.T, raw string) keypath.Path {
	t.Helper()
	kp, err := keypath.Parse(raw)
	require.NoError(t, err)
	return kp
}

func TestSetGet_Global(t *testing.T) {
	t.Parallel()
	m := New()

	kp := mustParse(t, "design")
	require.NoError(t, m.Set(kp, cty.StringVal("heartbeat")))

	val, err := m.Get(kp)
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", val.AsString())
}

func TestSet_UnknownKeypath(t *testing.T) {
	t.Parallel()
	m := New()

	err := m.Set(mustParse(t, "nonsense,path"), cty.StringVal("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in schema")
}

func TestSet_WildcardMaterialization(t *testing.T) {
	t.Parallel()
	m := New()

	// tool,<tool>,task,<task>,var,<name> exists only as a wildcard decl.
	kp := mustParse(t, "tool,openroad,task,place,var,place_density")
	require.NoError(t, m.Set(kp, cty.ListVal([]cty.Value{cty.StringVal("0.4")})))

	val, err := m.Get(kp)
	require.NoError(t, err)
	assert.Equal(t, []any{"0.4"}, CtyToGo(val))
}

// Clobber semantics per the store contract: a no-clobber set never
// overwrites an existing value, regardless of how that value got there.
func TestSet_ClobberSemantics(t *testing.T) {
	t.Parallel()
	m := New()
	kp := mustParse(t, "option,jobname")

	require.NoError(t, m.Set(kp, cty.StringVal("job0"), NoClobber()))
	require.NoError(t, m.Set(kp, cty.StringVal("job1"), NoClobber()))
	val, err := m.Get(kp)
	require.NoError(t, err)
	assert.Equal(t, "job0", val.AsString(), "no-clobber set must not overwrite")

	require.NoError(t, m.Set(kp, cty.StringVal("job2")))
	val, err = m.Get(kp)
	require.NoError(t, err)
	assert.Equal(t, "job2", val.AsString(), "default set clobbers")

	require.NoError(t, m.Set(kp, cty.StringVal("job3"), NoClobber()))
	val, err = m.Get(kp)
	require.NoError(t, err)
	assert.Equal(t, "job2", val.AsString(), "no-clobber after clobber still must not overwrite")
}

func TestGet_NodeOverlayResolution(t *testing.T) {
	t.Parallel()
	m := New()
	kp := mustParse(t, "tool,openroad,task,place,threads")

	require.NoError(t, m.Set(kp, cty.NumberIntVal(8)))
	require.NoError(t, m.Set(kp, cty.NumberIntVal(2), AtNode("place", "1")))

	// Node with an overlay sees the overlay.
	val, err := m.Get(kp, AtNode("place", "1"))
	require.NoError(t, err)
	n, _ := val.AsBigFloat().Int64()
	assert.EqualValues(t, 2, n)

	// Sibling without an overlay falls back to the global value.
	val, err = m.Get(kp, AtNode("place", "0"))
	require.NoError(t, err)
	n, _ = val.AsBigFloat().Int64()
	assert.EqualValues(t, 8, n)
}

func TestGet_DefaultFallback(t *testing.T) {
	t.Parallel()
	m := New()
	m.Declare(keypath.New("option", "relax"), Parameter{
		Type:     cty.Bool,
		DefValue: cty.False,
	})

	val, err := m.Get(keypath.New("option", "relax"))
	require.NoError(t, err)
	assert.False(t, val.True())
	assert.False(t, m.IsSet(keypath.New("option", "relax")))
}

func TestAdd_AppendsToList(t *testing.T) {
	t.Parallel()
	m := New()
	kp := mustParse(t, "tool,openroad,task,place,require")

	require.NoError(t, m.Add(kp, cty.StringVal("asic,logiclib"), AtNode("place", "0")))
	require.NoError(t, m.Add(kp, cty.StringVal("option,stackup"), AtNode("place", "0")))

	val, err := m.Get(kp, AtNode("place", "0"))
	require.NoError(t, err)
	assert.Equal(t, []any{"asic,logiclib", "option,stackup"}, CtyToGo(val))

	// Add on a scalar leaf is rejected.
	err = m.Add(mustParse(t, "design"), cty.StringVal("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list-typed")
}

func TestAdd_UniqueSkipsDuplicates(t *testing.T) {
	t.Parallel()
	m := New()
	kp := mustParse(t, "tool,openroad,task,place,require")

	require.NoError(t, m.Add(kp, cty.StringVal("asic,logiclib"), AtNode("place", "0"), Unique()))
	require.NoError(t, m.Add(kp, cty.StringVal("asic,logiclib"), AtNode("place", "0"), Unique()))
	require.NoError(t, m.Add(kp, cty.StringVal("option,stackup"), AtNode("place", "0"), Unique()))

	val, err := m.Get(kp, AtNode("place", "0"))
	require.NoError(t, err)
	assert.Equal(t, []any{"asic,logiclib", "option,stackup"}, CtyToGo(val))

	// Without Unique the same element appends again.
	require.NoError(t, m.Add(kp, cty.StringVal("option,stackup"), AtNode("place", "0")))
	val, err = m.Get(kp, AtNode("place", "0"))
	require.NoError(t, err)
	assert.Equal(t, []any{"asic,logiclib", "option,stackup", "option,stackup"}, CtyToGo(val))
}

func TestValid(t *testing.T) {
	t.Parallel()
	m := New()

	assert.True(t, m.Valid(mustParse(t, "asic,logiclib")))
	assert.True(t, m.Valid(mustParse(t, "library,sky130hd,asic,libarch")), "wildcard resolvable")
	assert.False(t, m.Valid(mustParse(t, "no,such,path")))
}

func TestMetric_AbsentVersusNull(t *testing.T) {
	t.Parallel()
	m := New()
	kp := mustParse(t, "metric,setupwns")

	// Absent: never measured.
	assert.False(t, m.IsSet(kp, AtNode("place", "0")))

	// Present with null: measured, tool produced no value.
	require.NoError(t, m.Set(kp, cty.NullVal(cty.Number), AtNode("place", "0")))
	assert.True(t, m.IsSet(kp, AtNode("place", "0")))
	val, err := m.Get(kp, AtNode("place", "0"))
	require.NoError(t, err)
	assert.True(t, val.IsNull())
}

func TestTouched_RecordsNodeWrites(t *testing.T) {
	t.Parallel()
	m := New()

	require.NoError(t, m.Set(mustParse(t, "metric,cellarea"), cty.NumberIntVal(100), AtNode("place", "0")))
	require.NoError(t, m.Add(mustParse(t, "tool,openroad,task,place,require"), cty.StringVal("asic,logiclib"), AtNode("place", "0")))
	require.NoError(t, m.Set(mustParse(t, "design"), cty.StringVal("heartbeat")))

	touched := m.Touched("place", "0")
	require.Len(t, touched, 2)
	assert.Equal(t, "metric,cellarea", touched[0].String())
	assert.Equal(t, "tool,openroad,task,place,require", touched[1].String())
	assert.Empty(t, m.Touched("place", "1"))
}

func TestKeys(t *testing.T) {
	t.Parallel()
	m := New()

	for _, node := range []struct{ step, index string }{
		{"syn", "0"}, {"place", "0"}, {"place", "1"},
	} {
		kp := keypath.New("flowgraph", "asicflow", node.step, node.index, "task")
		require.NoError(t, m.Set(kp, cty.StringVal("t")))
	}

	assert.Equal(t, []string{"place", "syn"}, m.Keys(keypath.New("flowgraph", "asicflow")))
	assert.Equal(t, []string{"0", "1"}, m.Keys(keypath.New("flowgraph", "asicflow", "place")))
	assert.Empty(t, m.Keys(keypath.New("flowgraph", "fpgaflow")))
}

func TestFindFiles(t *testing.T) {
	t.Parallel()
	m := New()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pdk"), 0o755))
	target := filepath.Join(root, "pdk", "tech.lef")
	require.NoError(t, os.WriteFile(target, []byte("lef"), 0o644))
	m.SetSearchRoots([]string{root})

	kp := mustParse(t, "pdk,skywater130,aprtech,openroad,m5,hd,lef")
	require.NoError(t, m.Set(kp, cty.ListVal([]cty.Value{cty.StringVal("pdk/*.lef")})))

	files, err := m.FindFiles(kp)
	require.NoError(t, err)
	assert.Equal(t, []string{target}, files)

	// A value that matches nothing is an error naming the pattern.
	require.NoError(t, m.Set(kp, cty.ListVal([]cty.Value{cty.StringVal("missing.lef")})))
	_, err = m.FindFiles(kp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.lef")
}

func TestCompact_StripsBookkeeping(t *testing.T) {
	t.Parallel()
	m := New()

	require.NoError(t, m.Set(mustParse(t, "design"), cty.StringVal("heartbeat")))
	require.NoError(t, m.Set(mustParse(t, "tool,openroad,exe"), cty.StringVal("openroad")))

	compact := m.Compact()
	assert.Equal(t, "heartbeat", compact["design"])
	tool := compact["tool"].(map[string]any)["openroad"].(map[string]any)
	assert.Equal(t, "openroad", tool["exe"])
}

func TestWrite_JSONAndYAML(t *testing.T) {
	t.Parallel()
	m := New()
	require.NoError(t, m.Set(mustParse(t, "design"), cty.StringVal("heartbeat")))

	dir := t.TempDir()
	for _, name := range []string{"manifest.json", "manifest.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, m.Write(path))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "heartbeat")
	}
	assert.Error(t, m.Write(filepath.Join(dir, "manifest.toml")))
}
