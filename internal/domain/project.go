package domain

import (
	"maps"
	"slices"
	"strings"
)

// ProjectID identifies one project inside a solution snapshot.
type ProjectID string

// String returns the raw identifier.
func (id ProjectID) String() string {
	return string(id)
}

// NormalizeProjectID trims surrounding whitespace from one project id.
func NormalizeProjectID(id ProjectID) ProjectID {
	return ProjectID(strings.TrimSpace(string(id)))
}

// ProjectStyle identifies how a project stores its package references.
type ProjectStyle string

// ProjectStyle values.
const (
	ProjectStylePackagesConfig   ProjectStyle = "packages_config"
	ProjectStylePackageReference ProjectStyle = "package_reference"
	ProjectStyleUnknown          ProjectStyle = "unknown"
)

// validProjectStyles stores supported project-style values.
var validProjectStyles = []ProjectStyle{
	ProjectStylePackagesConfig,
	ProjectStylePackageReference,
	ProjectStyleUnknown,
}

// NormalizeProjectStyle canonicalizes a project style, defaulting empty values to unknown.
func NormalizeProjectStyle(style ProjectStyle) ProjectStyle {
	style = ProjectStyle(strings.TrimSpace(strings.ToLower(string(style))))
	if style == "" {
		return ProjectStyleUnknown
	}
	return style
}

// IsValidProjectStyle reports whether a style is supported.
func IsValidProjectStyle(style ProjectStyle) bool {
	return slices.Contains(validProjectStyles, NormalizeProjectStyle(style))
}

// ProjectContextInfo is the read-only descriptor of one project in the solution.
type ProjectContextInfo struct {
	ID                       ProjectID
	Name                     string
	Style                    ProjectStyle
	TargetFrameworks         []string
	SupportsPackageReference bool
	Metadata                 map[string]string
}

// ProjectContextInput holds write-time values for one project descriptor.
type ProjectContextInput struct {
	ID                       ProjectID
	Name                     string
	Style                    ProjectStyle
	TargetFrameworks         []string
	SupportsPackageReference bool
	Metadata                 map[string]string
}

// NewProjectContextInfo validates and normalizes one project descriptor.
func NewProjectContextInfo(in ProjectContextInput) (ProjectContextInfo, error) {
	id := NormalizeProjectID(in.ID)
	if id == "" {
		return ProjectContextInfo{}, ErrInvalidID
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return ProjectContextInfo{}, ErrInvalidName
	}
	style := NormalizeProjectStyle(in.Style)
	if !IsValidProjectStyle(style) {
		return ProjectContextInfo{}, ErrInvalidProjectStyle
	}
	frameworks := make([]string, 0, len(in.TargetFrameworks))
	for _, fw := range in.TargetFrameworks {
		fw = strings.TrimSpace(strings.ToLower(fw))
		if fw == "" || slices.Contains(frameworks, fw) {
			continue
		}
		frameworks = append(frameworks, fw)
	}
	metadata := make(map[string]string, len(in.Metadata))
	for key, value := range in.Metadata {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		metadata[key] = value
	}
	return ProjectContextInfo{
		ID:                       id,
		Name:                     name,
		Style:                    style,
		TargetFrameworks:         frameworks,
		SupportsPackageReference: in.SupportsPackageReference || style == ProjectStylePackageReference,
		Metadata:                 metadata,
	}, nil
}

// Upgradeable reports whether the project can move to the package-reference style.
func (p ProjectContextInfo) Upgradeable() bool {
	return p.Style == ProjectStylePackagesConfig && p.SupportsPackageReference
}

// Clone returns a deep copy so callers never share slices or maps with a snapshot.
func (p ProjectContextInfo) Clone() ProjectContextInfo {
	out := p
	out.TargetFrameworks = slices.Clone(p.TargetFrameworks)
	out.Metadata = maps.Clone(p.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out
}

// LookupMetadata returns one opaque metadata value by key.
func (p ProjectContextInfo) LookupMetadata(key string) (string, bool) {
	value, ok := p.Metadata[strings.TrimSpace(key)]
	return value, ok
}
