package keypath

import (
	"fmt"
	"strings"
)

// Wildcard is the reserved segment name used by schema declarations to
// stand in for any concrete segment at that position.
const Wildcard = "default"

// Path is an ordered sequence of string segments addressing one manifest leaf.
type Path []string

// New builds a Path from its segments.
func New(segments ...string) Path {
	return Path(segments)
}

// Parse creates a Path from its canonical comma-joined representation,
// e.g. "tool,openroad,task,place,var,place_density".
func Parse(raw string) (Path, error) {
	if raw == "" {
		return nil, fmt.Errorf("keypath cannot be empty")
	}
	segments := strings.Split(raw, ",")
	for i, s := range segments {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("keypath %q contains empty segment", raw)
		}
		segments[i] = s
	}
	return Path(segments), nil
}

// String serializes the path into its canonical comma-joined form.
func (p Path) String() string {
	return strings.Join(p, ",")
}

// Equal reports whether two paths have identical segments.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether p starts with the given prefix path.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Child returns a copy of p extended by the given segments.
func (p Path) Child(segments ...string) Path {
	out := make(Path, 0, len(p)+len(segments))
	out = append(out, p...)
	out = append(out, segments...)
	return out
}

// Matches reports whether p matches a schema declaration path, where any
// Wildcard segment in decl accepts an arbitrary concrete segment of p.
func (p Path) Matches(decl Path) bool {
	if len(p) != len(decl) {
		return false
	}
	for i := range p {
		if decl[i] == Wildcard {
			continue
		}
		if p[i] != decl[i] {
			return false
		}
	}
	return true
}
