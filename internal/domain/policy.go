package domain

import (
	"fmt"
	"strings"
)

// DependencyBehavior selects which version of a dependency the resolver prefers.
type DependencyBehavior string

// DependencyBehavior values.
const (
	DependencyBehaviorIgnore       DependencyBehavior = "ignore"
	DependencyBehaviorLowest       DependencyBehavior = "lowest"
	DependencyBehaviorHighestPatch DependencyBehavior = "highest_patch"
	DependencyBehaviorHighestMinor DependencyBehavior = "highest_minor"
	DependencyBehaviorHighest      DependencyBehavior = "highest"
)

// ParseDependencyBehavior canonicalizes one behavior, defaulting empty values to fallback.
func ParseDependencyBehavior(raw string, fallback DependencyBehavior) (DependencyBehavior, error) {
	behavior := DependencyBehavior(strings.TrimSpace(strings.ToLower(raw)))
	if behavior == "" {
		behavior = fallback
	}
	if behavior == "" {
		behavior = DependencyBehaviorLowest
	}
	switch behavior {
	case DependencyBehaviorIgnore, DependencyBehaviorLowest, DependencyBehaviorHighestPatch, DependencyBehaviorHighestMinor, DependencyBehaviorHighest:
		return behavior, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDependencyBehavior, raw)
	}
}

// VersionConstraints is a flag set that pins parts of the installed version during updates.
type VersionConstraints uint8

// VersionConstraintsNone leaves every version component free to move.
const VersionConstraintsNone VersionConstraints = 0

// VersionConstraints flags.
const (
	ExactMajor VersionConstraints = 1 << iota
	ExactMinor
	ExactPatch
	ExactRelease
)

// versionConstraintNames maps wire names to flags in canonical order.
var versionConstraintNames = []struct {
	name string
	flag VersionConstraints
}{
	{"exact_major", ExactMajor},
	{"exact_minor", ExactMinor},
	{"exact_patch", ExactPatch},
	{"exact_release", ExactRelease},
}

// ParseVersionConstraints converts wire names into a flag set.
func ParseVersionConstraints(names []string) (VersionConstraints, error) {
	var out VersionConstraints
	for _, raw := range names {
		name := strings.TrimSpace(strings.ToLower(raw))
		if name == "" || name == "none" {
			continue
		}
		found := false
		for _, candidate := range versionConstraintNames {
			if candidate.name == name {
				out |= candidate.flag
				found = true
				break
			}
		}
		if !found {
			return VersionConstraintsNone, fmt.Errorf("%w: %q", ErrInvalidVersionConstraint, raw)
		}
	}
	return out, nil
}

// Has reports whether the flag is set.
func (c VersionConstraints) Has(flag VersionConstraints) bool {
	return c&flag == flag
}

// Names returns the wire names of every set flag.
func (c VersionConstraints) Names() []string {
	out := make([]string, 0, len(versionConstraintNames))
	for _, candidate := range versionConstraintNames {
		if c.Has(candidate.flag) {
			out = append(out, candidate.name)
		}
	}
	return out
}
