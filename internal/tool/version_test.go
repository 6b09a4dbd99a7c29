package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/fabflow/internal/manifest"
)

func TestParseVersionToken(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		stdout   string
		expected string
	}{
		{
			name:     "ordinal plus tag plus hash",
			stdout:   "1 v2.0-880-gd1c7001ad",
			expected: "v2.0-880",
		},
		{
			name:     "tag plus commit count plus hash",
			stdout:   "v2.0-1862-g0d785bd84",
			expected: "v2.0-1862",
		},
		{
			name:     "ordinal plus bare hash",
			stdout:   "1 08de3b46c71e329a10aa4e753dcfeba2ddf54ddd",
			expected: "08de3b46c71e329a10aa4e753dcfeba2ddf54ddd",
		},
		{
			name:     "bare tag",
			stdout:   "v2.0",
			expected: "v2.0",
		},
		{
			name:     "empty output",
			stdout:   "  \n",
			expected: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, ParseVersionToken(tc.stdout))
		})
	}
}

func TestNormalizeVersionToken(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2.0-880", NormalizeVersionToken("v2.0-880"))
	assert.Equal(t, "2.0", NormalizeVersionToken("v2.0"))
	assert.Equal(t, "1.5.2", NormalizeVersionToken("1.5.2"))
	assert.Equal(t, UnknownVersion, NormalizeVersionToken("08de3b46c71e"), "no dot means unknown")
	assert.Equal(t, UnknownVersion, NormalizeVersionToken(""))
}

// fakeAdapter satisfies just enough of Adapter for version checks.
type fakeAdapter struct{ tool, task string }

func (f *fakeAdapter) Tool() string                                         { return f.tool }
func (f *fakeAdapter) Task() string                                         { return f.task }
func (f *fakeAdapter) Setup(*manifest.Manifest, string, string) error       { return nil }
func (f *fakeAdapter) PostProcess(*manifest.Manifest, string, string) error { return nil }
func (f *fakeAdapter) ParseVersion(stdout string) string                    { return ParseVersionToken(stdout) }
func (f *fakeAdapter) NormalizeVersion(v string) string                     { return NormalizeVersionToken(v) }

func TestCheckVersion(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{tool: "openroad", task: "place"}

	testCases := []struct {
		name      string
		installed string
		specs     []string
		wantErr   bool
	}{
		{"satisfied minimum", "v2.0-6445", []string{">=v2.0-880"}, false},
		{"below minimum", "v2.0-880", []string{">=v2.0-6445"}, true},
		{"exact match default operator", "v2.0-880", []string{"v2.0-880"}, false},
		{"multi segment ordering", "v2.10-1", []string{">=v2.9-500"}, false},
		{"release below build suffix", "v2.0", []string{">=v2.0-1"}, true},
		{"unknown form equality", "08de3b46", []string{"08de3b46"}, false},
		{"unknown form cannot be ordered", "08de3b46", []string{">=v2.0-1"}, true},
		{"not equal honored", "v2.0-880", []string{"!=v2.0-881"}, false},
		{"all specs must hold", "v2.0-900", []string{">=v2.0-880", "<v2.0-890"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := CheckVersion(a, tc.installed, tc.specs)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&fakeAdapter{tool: "openroad", task: "place"})
	r.Register(&fakeAdapter{tool: "openroad", task: "route"})

	a, err := r.Resolve("place")
	require.NoError(t, err)
	assert.Equal(t, "openroad", a.Tool())

	_, err = r.Resolve("floorplan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")

	assert.Equal(t, []string{"place", "route"}, r.Tasks())
	assert.Panics(t, func() { r.Register(&fakeAdapter{tool: "other", task: "place"}) })
}
