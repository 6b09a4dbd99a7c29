package manifest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/vk/fabflow/internal/keypath"
)

// Manifest is the hierarchical configuration/state store. See the package
// documentation for the data model.
type Manifest struct {
	mu sync.RWMutex

	// schema holds parameter declarations keyed by their (possibly
	// wildcarded) declaration path string.
	schema map[string]Parameter
	// declPaths preserves declaration order for deterministic iteration.
	declPaths []keypath.Path
	// leaves holds materialized concrete key-paths.
	leaves map[string]*leaf
	// touched records which node-scoped key-paths each node has written,
	// keyed by step+"/"+index. Diagnostic only.
	touched map[string]map[string]struct{}

	searchRoots []string
}

// New returns a Manifest populated with the builtin schema.
func New() *Manifest {
	m := &Manifest{
		schema:  make(map[string]Parameter),
		leaves:  make(map[string]*leaf),
		touched: make(map[string]map[string]struct{}),
	}
	declareBuiltinSchema(m)
	return m
}

// Option adjusts the scope or write behavior of a single store operation.
type Option func(*callOpts)

type callOpts struct {
	step, index string
	noClobber   bool
	unique      bool
}

// AtNode scopes the operation to the (step,index) overlay instead of the
// global value.
func AtNode(step, index string) Option {
	return func(o *callOpts) {
		o.step = step
		o.index = index
	}
}

// NoClobber makes Set a silent no-op when the target scope already holds a
// value. Set clobbers by default.
func NoClobber() Option {
	return func(o *callOpts) { o.noClobber = true }
}

// Unique makes Add skip elements the target list already contains, keeping
// re-invoked setup code from growing its lists.
func Unique() Option {
	return func(o *callOpts) { o.unique = true }
}

func applyOpts(opts []Option) callOpts {
	var o callOpts
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o callOpts) nodeKey() string {
	return o.step + "/" + o.index
}

func (o callOpts) isNodeScoped() bool {
	return o.step != "" || o.index != ""
}

// Declare registers a parameter declaration. Segments equal to
// keypath.Wildcard match any concrete segment when leaves materialize.
// Redeclaring a path is a programmer error and panics.
func (m *Manifest) Declare(decl keypath.Path, p Parameter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := decl.String()
	if _, exists := m.schema[key]; exists {
		panic(fmt.Sprintf("manifest: duplicate schema declaration %q", key))
	}
	m.schema[key] = p
	m.declPaths = append(m.declPaths, decl)
}

// findDecl locates the declaration matching a concrete key-path. An exact
// (non-wildcard) declaration wins over wildcard matches.
func (m *Manifest) findDecl(kp keypath.Path) (keypath.Path, Parameter, bool) {
	if p, ok := m.schema[kp.String()]; ok {
		return kp, p, true
	}
	for _, decl := range m.declPaths {
		if kp.Matches(decl) {
			return decl, m.schema[decl.String()], true
		}
	}
	return nil, Parameter{}, false
}

// materialize returns the leaf for kp, creating it from its declaration on
// first write. The caller must hold the write lock.
func (m *Manifest) materialize(kp keypath.Path) (*leaf, error) {
	if l, ok := m.leaves[kp.String()]; ok {
		return l, nil
	}
	decl, param, ok := m.findDecl(kp)
	if !ok {
		return nil, fmt.Errorf("keypath %q not found in schema", kp)
	}
	l := &leaf{
		decl:  decl,
		param: param,
		nodes: make(map[string]*scopedValue),
	}
	m.leaves[kp.String()] = l
	return l, nil
}

// Set writes a value at kp. The write goes to the node overlay when AtNode
// is given, otherwise to the global value. With NoClobber, a scope that
// already holds a value is left untouched and Set returns nil.
func (m *Manifest) Set(kp keypath.Path, val cty.Value, opts ...Option) error {
	o := applyOpts(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.materialize(kp)
	if err != nil {
		return err
	}
	converted, err := convert.Convert(val, l.param.Type)
	if err != nil {
		return fmt.Errorf("keypath %q: %w", kp, err)
	}

	target := &l.global
	if o.isNodeScoped() {
		target = l.node(o.nodeKey())
	}
	if target.set && o.noClobber {
		// Existing value wins; adapters rely on this to install defaults
		// without overwriting user configuration.
		return nil
	}
	target.value = converted
	target.set = true

	if o.isNodeScoped() {
		m.touch(o.nodeKey(), kp)
	}
	return nil
}

// Add appends a value to a list-typed leaf at the given scope, creating the
// list on first append. The appended value may be a single element or a
// list of elements. With Unique, elements already in the list are skipped.
func (m *Manifest) Add(kp keypath.Path, val cty.Value, opts ...Option) error {
	o := applyOpts(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.materialize(kp)
	if err != nil {
		return err
	}
	if !l.param.Type.IsListType() {
		return fmt.Errorf("keypath %q: add requires a list-typed leaf, have %s", kp, l.param.Type.FriendlyName())
	}
	elemType := l.param.Type.ElementType()

	target := &l.global
	if o.isNodeScoped() {
		target = l.node(o.nodeKey())
	}

	var elems []cty.Value
	if target.set && !target.value.IsNull() {
		elems = target.value.AsValueSlice()
	}

	appendElem := func(v cty.Value) error {
		converted, err := convert.Convert(v, elemType)
		if err != nil {
			return fmt.Errorf("keypath %q: %w", kp, err)
		}
		if o.unique {
			for _, have := range elems {
				if have.RawEquals(converted) {
					return nil
				}
			}
		}
		elems = append(elems, converted)
		return nil
	}
	if val.Type().IsListType() || val.Type().IsTupleType() {
		for _, v := range val.AsValueSlice() {
			if err := appendElem(v); err != nil {
				return err
			}
		}
	} else if err := appendElem(val); err != nil {
		return err
	}

	if len(elems) == 0 {
		target.value = cty.ListValEmpty(elemType)
	} else {
		target.value = cty.ListVal(elems)
	}
	target.set = true

	if o.isNodeScoped() {
		m.touch(o.nodeKey(), kp)
	}
	return nil
}

// Get resolves the value at kp: node overlay first (when AtNode is given),
// then the global value, then the schema default.
func (m *Manifest) Get(kp keypath.Path, opts ...Option) (cty.Value, error) {
	o := applyOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.leaves[kp.String()]
	if !ok {
		// Never written; fall back to the declaration default.
		_, param, found := m.findDecl(kp)
		if !found {
			return cty.NilVal, fmt.Errorf("keypath %q not found in schema", kp)
		}
		if param.DefValue == cty.NilVal {
			return cty.NullVal(param.Type), nil
		}
		return param.DefValue, nil
	}

	if o.isNodeScoped() {
		if sv, found := l.nodes[o.nodeKey()]; found && sv.set {
			return sv.value, nil
		}
	}
	if l.global.set {
		return l.global.value, nil
	}
	return l.defValue(), nil
}

// IsSet reports whether an explicit (non-default) value exists at kp for
// the given scope, counting the global value when node-scoped.
func (m *Manifest) IsSet(kp keypath.Path, opts ...Option) bool {
	o := applyOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.leaves[kp.String()]
	if !ok {
		return false
	}
	if o.isNodeScoped() {
		if sv, found := l.nodes[o.nodeKey()]; found && sv.set {
			return true
		}
	}
	return l.global.set
}

// Valid reports whether kp is resolvable against the schema. Paths that
// only match through wildcard declarations are accepted.
func (m *Manifest) Valid(kp keypath.Path) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.leaves[kp.String()]; ok {
		return true
	}
	_, _, ok := m.findDecl(kp)
	return ok
}

// Unit returns the declared recording unit of the parameter at kp, empty
// when none was declared or the path is unknown.
func (m *Manifest) Unit(kp keypath.Path) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if l, ok := m.leaves[kp.String()]; ok {
		return l.param.Unit
	}
	if _, param, ok := m.findDecl(kp); ok {
		return param.Unit
	}
	return ""
}

// Keys returns the sorted set of child segment names one level below the
// given prefix, considering only materialized leaves.
func (m *Manifest) Keys(prefix keypath.Path) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for key := range m.leaves {
		kp, err := keypath.Parse(key)
		if err != nil || len(kp) <= len(prefix) || !kp.HasPrefix(prefix) {
			continue
		}
		seen[kp[len(prefix)]] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// touch records a node-scoped write. Caller holds the write lock.
func (m *Manifest) touch(nodeKey string, kp keypath.Path) {
	set, ok := m.touched[nodeKey]
	if !ok {
		set = make(map[string]struct{})
		m.touched[nodeKey] = set
	}
	set[kp.String()] = struct{}{}
}

// Touched returns the sorted key-paths a node has written through its
// overlay. Intended for diffing and debugging.
func (m *Manifest) Touched(step, index string) []keypath.Path {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.touched[step+"/"+index]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	paths := make([]keypath.Path, 0, len(keys))
	for _, k := range keys {
		kp, _ := keypath.Parse(k)
		paths = append(paths, kp)
	}
	return paths
}
