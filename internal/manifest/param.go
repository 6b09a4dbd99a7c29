package manifest

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fabflow/internal/keypath"
)

// Parameter is one schema declaration: the type contract and metadata for
// every leaf materialized under it.
type Parameter struct {
	// Type is the cty type every value written to the leaf must convert to.
	Type cty.Type
	// DefValue is returned by Get when neither an overlay nor a global
	// value has been set. Leave as cty.NilVal for "no default".
	DefValue cty.Value
	// Unit is the measurement unit recorded alongside metric values, e.g.
	// "um^2" or "ns". Informational only.
	Unit string
	// Shorthelp is a one-line description used in serialized output.
	Shorthelp string
}

// scopedValue is a value written at one scope (global or one node overlay).
type scopedValue struct {
	value cty.Value
	set   bool
}

// leaf is a concrete key-path materialized from a schema declaration.
type leaf struct {
	decl  keypath.Path
	param Parameter

	global scopedValue
	// nodes holds per-node overlays keyed by step+"/"+index.
	nodes map[string]*scopedValue
}

func (l *leaf) node(key string) *scopedValue {
	if sv, ok := l.nodes[key]; ok {
		return sv
	}
	sv := &scopedValue{}
	l.nodes[key] = sv
	return sv
}

// defValue returns the declaration default, normalized to a null value of
// the declared type when no default was given.
func (l *leaf) defValue() cty.Value {
	if l.param.DefValue == cty.NilVal {
		return cty.NullVal(l.param.Type)
	}
	return l.param.DefValue
}
