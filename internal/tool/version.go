package tool

import (
	"fmt"
	"strconv"
	"strings"
)

// UnknownVersion is the normalized form of a version token that carries no
// dotted release number. It supports equality checks only, never ordering.
const UnknownVersion = "0"

// ParseVersionToken implements the common version extraction most EDA tools
// need. Raw version output arrives in one of three shapes:
//
//	1 08de3b46c71e329a10aa4e753dcfeba2ddf54ddd
//	1 v2.0-880-gd1c7001ad
//	v2.0-1862-g0d785bd84
//
// The last whitespace-delimited token is taken; when splitting it on '-'
// yields more than one piece, the trailing commit-hash piece is dropped and
// the rest rejoined. The result is a dotted or dashed version without a
// hash, or the bare token when there was nothing to strip.
func ParseVersionToken(stdout string) string {
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return ""
	}
	token := fields[len(fields)-1]
	pieces := strings.Split(token, "-")
	if len(pieces) > 1 {
		return strings.Join(pieces[:len(pieces)-1], "-")
	}
	return pieces[0]
}

// NormalizeVersionToken strips the leading 'v' prefix when the token holds
// a dotted release number; anything else normalizes to UnknownVersion.
func NormalizeVersionToken(version string) string {
	if strings.Contains(version, ".") {
		return strings.TrimLeft(version, "v")
	}
	return UnknownVersion
}

// CheckVersion verifies an installed version against every accepted spec.
// A spec is an optional operator (>=, <=, >, <, ==, !=; default ==)
// followed by a version, compared after normalization through the
// adapter's NormalizeVersion. Ordering against UnknownVersion is
// unsatisfiable and reported as such.
func CheckVersion(a Adapter, installed string, specs []string) error {
	normInstalled := a.NormalizeVersion(installed)
	for _, spec := range specs {
		op, want := splitSpec(spec)
		normWant := a.NormalizeVersion(want)

		if normInstalled == UnknownVersion || normWant == UnknownVersion {
			switch op {
			case "==":
				if normInstalled != normWant {
					return fmt.Errorf("tool %s version %q does not match required %q", a.Tool(), installed, spec)
				}
				continue
			case "!=":
				if normInstalled == normWant {
					return fmt.Errorf("tool %s version %q violates required %q", a.Tool(), installed, spec)
				}
				continue
			default:
				return fmt.Errorf("tool %s version %q cannot be ordered against %q", a.Tool(), installed, spec)
			}
		}

		cmp := compareVersions(normInstalled, normWant)
		ok := false
		switch op {
		case "==":
			ok = cmp == 0
		case "!=":
			ok = cmp != 0
		case ">":
			ok = cmp > 0
		case ">=":
			ok = cmp >= 0
		case "<":
			ok = cmp < 0
		case "<=":
			ok = cmp <= 0
		default:
			return fmt.Errorf("invalid version spec %q for tool %s", spec, a.Tool())
		}
		if !ok {
			return fmt.Errorf("tool %s version %q does not satisfy %q", a.Tool(), installed, spec)
		}
	}
	return nil
}

func splitSpec(spec string) (op, version string) {
	spec = strings.TrimSpace(spec)
	for _, candidate := range []string{">=", "<=", "==", "!=", ">", "<"} {
		if strings.HasPrefix(spec, candidate) {
			return candidate, strings.TrimSpace(spec[len(candidate):])
		}
	}
	return "==", spec
}

// compareVersions orders two normalized versions. Dash segments split the
// version into release and build parts; each part compares dotted segments
// numerically when both parse as integers, lexically otherwise.
func compareVersions(a, b string) int {
	aParts := strings.FieldsFunc(a, func(r rune) bool { return r == '-' || r == '.' })
	bParts := strings.FieldsFunc(b, func(r rune) bool { return r == '-' || r == '.' })
	for i := 0; i < len(aParts) || i < len(bParts); i++ {
		var as, bs string
		if i < len(aParts) {
			as = aParts[i]
		}
		if i < len(bParts) {
			bs = bParts[i]
		}
		if as == bs {
			continue
		}
		ai, aerr := strconv.Atoi(as)
		bi, berr := strconv.Atoi(bs)
		if aerr == nil && berr == nil {
			if ai < bi {
				return -1
			}
			return 1
		}
		// Missing segments order first: 2.0 < 2.0-880.
		if as == "" {
			return -1
		}
		if bs == "" {
			return 1
		}
		if as < bs {
			return -1
		}
		return 1
	}
	return 0
}
