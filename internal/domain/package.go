package domain

import (
	"fmt"
	"strings"

	"github.com/apparentlymart/go-versions/versions"
)

// PackageIdentity is one (package id, version) pair.
type PackageIdentity struct {
	ID      string
	Version string
}

// NewPackageIdentity validates one identity. An empty version is allowed and means "unspecified".
func NewPackageIdentity(id, version string) (PackageIdentity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return PackageIdentity{}, ErrInvalidPackageID
	}
	version = strings.TrimSpace(version)
	if version != "" {
		if _, err := ParseVersion(version); err != nil {
			return PackageIdentity{}, err
		}
	}
	return PackageIdentity{ID: id, Version: version}, nil
}

// HasVersion reports whether the identity pins a concrete version.
func (p PackageIdentity) HasVersion() bool {
	return strings.TrimSpace(p.Version) != ""
}

// SameID reports whether both identities name the same package, ignoring case.
func (p PackageIdentity) SameID(other PackageIdentity) bool {
	return SamePackageID(p.ID, other.ID)
}

// Equal compares id case-insensitively and versions by semantic precedence.
func (p PackageIdentity) Equal(other PackageIdentity) bool {
	if !p.SameID(other) {
		return false
	}
	return SameVersion(p.Version, other.Version)
}

// String renders the identity as id@version.
func (p PackageIdentity) String() string {
	if !p.HasVersion() {
		return p.ID
	}
	return p.ID + "@" + p.Version
}

// SamePackageID compares package ids case-insensitively.
func SamePackageID(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// SameVersion compares two version strings by precedence, falling back to text equality.
func SameVersion(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return a == b
	}
	va, errA := versions.ParseVersion(a)
	vb, errB := versions.ParseVersion(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return va.Same(vb)
}

// ParseVersion parses one semantic package version.
func ParseVersion(raw string) (versions.Version, error) {
	v, err := versions.ParseVersion(strings.TrimSpace(raw))
	if err != nil {
		return versions.Version{}, fmt.Errorf("%w %q: %v", ErrInvalidVersion, raw, err)
	}
	return v, nil
}

// ParseVersionRange parses one npm-style range. An empty range accepts every version.
func ParseVersionRange(raw string) (versions.Set, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return versions.All, nil
	}
	set, err := versions.MeetingConstraintsString(raw)
	if err != nil {
		return versions.None, fmt.Errorf("%w %q: %v", ErrInvalidVersionRange, raw, err)
	}
	return set, nil
}

// PackageDependency names one dependency and the range of versions it accepts.
type PackageDependency struct {
	ID    string
	Range string
}

// Accepts reports whether a concrete version satisfies the dependency range.
func (d PackageDependency) Accepts(version string) bool {
	set, err := ParseVersionRange(d.Range)
	if err != nil {
		return false
	}
	v, err := ParseVersion(version)
	if err != nil {
		return false
	}
	return set.Has(v)
}

// DependsOn reports whether the dependency list names the package id.
func DependsOn(deps []PackageDependency, packageID string) bool {
	for _, dep := range deps {
		if SamePackageID(dep.ID, packageID) {
			return true
		}
	}
	return false
}
