package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/keypath"
)

// SetSearchRoots replaces the directories relative file values resolve
// against, in priority order. option,scpath entries are appended by the app
// at load time.
func (m *Manifest) SetSearchRoots(roots []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchRoots = append([]string(nil), roots...)
}

// FindFiles resolves the path-valued leaf at kp against the search roots.
// Each value may be an absolute path, a path relative to a root, or a
// doublestar glob pattern relative to a root. Every value must resolve to
// at least one existing file or the whole lookup fails.
func (m *Manifest) FindFiles(kp keypath.Path, opts ...Option) ([]string, error) {
	val, err := m.Get(kp, opts...)
	if err != nil {
		return nil, err
	}
	if val.IsNull() {
		return nil, fmt.Errorf("keypath %q: no file value set", kp)
	}

	var patterns []string
	if val.Type().IsListType() || val.Type().IsTupleType() {
		for _, v := range val.AsValueSlice() {
			patterns = append(patterns, v.AsString())
		}
	} else if val.Type() == cty.String {
		patterns = append(patterns, val.AsString())
	} else {
		return nil, fmt.Errorf("keypath %q: not a path-valued leaf", kp)
	}

	m.mu.RLock()
	roots := append([]string(nil), m.searchRoots...)
	m.mu.RUnlock()

	var resolved []string
	for _, pattern := range patterns {
		found, err := resolveOne(pattern, roots)
		if err != nil {
			return nil, fmt.Errorf("keypath %q: %w", kp, err)
		}
		resolved = append(resolved, found...)
	}
	return resolved, nil
}

func resolveOne(pattern string, roots []string) ([]string, error) {
	if filepath.IsAbs(pattern) {
		if _, err := os.Stat(pattern); err != nil {
			return nil, fmt.Errorf("file %q not found", pattern)
		}
		return []string{pattern}, nil
	}
	for _, root := range roots {
		matches, err := doublestar.FilepathGlob(filepath.Join(root, pattern))
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches, nil
		}
	}
	return nil, fmt.Errorf("file %q not found under any search root", pattern)
}
