package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"github.com/vk/fabflow/internal/keypath"
)

// Compact returns the resolved-value projection of the tree: one nested map
// per segment, leaves reduced to their globally resolved value with the
// wildcard/default bookkeeping stripped.
func (m *Manifest) Compact() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]any)
	for key, l := range m.leaves {
		kp, _ := keypath.Parse(key)
		value := l.defValue()
		if l.global.set {
			value = l.global.value
		}
		insertLeaf(out, kp, CtyToGo(value))
	}
	return out
}

// Tree returns the full serializable form of the tree: each leaf becomes a
// map with type, unit, value, and per-node overlay values.
func (m *Manifest) Tree() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]any)
	for key, l := range m.leaves {
		kp, _ := keypath.Parse(key)
		entry := map[string]any{
			"type": l.param.Type.FriendlyName(),
		}
		if l.param.Unit != "" {
			entry["unit"] = l.param.Unit
		}
		if l.global.set {
			entry["value"] = CtyToGo(l.global.value)
		} else {
			entry["value"] = CtyToGo(l.defValue())
		}
		if len(l.nodes) > 0 {
			nodes := make(map[string]any, len(l.nodes))
			for nodeKey, sv := range l.nodes {
				if sv.set {
					nodes[nodeKey] = CtyToGo(sv.value)
				}
			}
			if len(nodes) > 0 {
				entry["node"] = nodes
			}
		}
		insertLeaf(out, kp, entry)
	}
	return out
}

// Write serializes the full tree to path; the format follows the file
// extension (.json, .yaml or .yml).
func (m *Manifest) Write(path string) error {
	tree := m.Tree()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(tree, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(tree)
	default:
		return fmt.Errorf("unsupported manifest format %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("serializing manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// insertLeaf places value into the nested map at kp, creating intermediate
// maps. Existing intermediate leaves are never overwritten by branches
// because key-paths address distinct leaves by construction.
func insertLeaf(tree map[string]any, kp keypath.Path, value any) {
	cur := tree
	for _, seg := range kp[:len(kp)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[kp[len(kp)-1]] = value
}

// CtyToGo converts a cty value to plain Go data for logging and
// serialization. Unknown or null values become nil.
func CtyToGo(val cty.Value) any {
	if val == cty.NilVal || !val.IsKnown() || val.IsNull() {
		return nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString()
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f
	case ty == cty.Bool:
		return val.True()
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			out = append(out, CtyToGo(v))
		}
		return out
	case ty.IsMapType() || ty.IsObjectType():
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			out[k.AsString()] = CtyToGo(v)
		}
		return out
	default:
		return val.GoString()
	}
}
