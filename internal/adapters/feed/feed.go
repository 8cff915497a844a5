// Package feed loads a local package feed described in YAML.
package feed

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/evanschultz/pkgctl/internal/domain"
)

// ErrUnknownSource reports a requested source name that the feed does not define.
var ErrUnknownSource = errors.New("unknown package source")

// Document is the on-disk YAML shape of a feed.
type Document struct {
	Sources []SourceDocument `yaml:"sources"`
}

// SourceDocument is one named source in the feed file.
type SourceDocument struct {
	Name     string            `yaml:"name"`
	Packages []PackageDocument `yaml:"packages"`
}

// PackageDocument lists every published version of one package.
type PackageDocument struct {
	ID       string            `yaml:"id"`
	Versions []ReleaseDocument `yaml:"versions"`
}

// ReleaseDocument is one published version and its dependency ranges.
type ReleaseDocument struct {
	Version      string               `yaml:"version"`
	Dependencies []DependencyDocument `yaml:"dependencies"`
}

// DependencyDocument is one dependency edge.
type DependencyDocument struct {
	ID    string `yaml:"id"`
	Range string `yaml:"range"`
}

// Release is one validated package version.
type Release struct {
	PackageID    string
	Version      string
	Dependencies []domain.PackageDependency
}

// Feed indexes releases by source and lowercase package id.
type Feed struct {
	order   []string
	sources map[string]map[string][]Release
}

// Load reads and parses one feed file. A missing file yields an empty feed.
func Load(path string) (*Feed, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return New(Document{})
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(Document{})
		}
		return nil, fmt.Errorf("read feed %q: %w", path, err)
	}
	return Parse(content)
}

// Parse decodes YAML feed content.
func Parse(content []byte) (*Feed, error) {
	var doc Document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("decode feed yaml: %w", err)
	}
	return New(doc)
}

// New validates one feed document and builds its index.
func New(doc Document) (*Feed, error) {
	f := &Feed{sources: map[string]map[string][]Release{}}
	for _, src := range doc.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return nil, errors.New("feed source name is required")
		}
		key := strings.ToLower(name)
		if _, exists := f.sources[key]; exists {
			return nil, fmt.Errorf("duplicate feed source %q", name)
		}
		packages := map[string][]Release{}
		for _, pkg := range src.Packages {
			id := strings.TrimSpace(pkg.ID)
			if id == "" {
				return nil, fmt.Errorf("source %q: %w", name, domain.ErrInvalidPackageID)
			}
			for _, rel := range pkg.Versions {
				release, err := newRelease(id, rel)
				if err != nil {
					return nil, fmt.Errorf("source %q: %w", name, err)
				}
				packages[strings.ToLower(id)] = append(packages[strings.ToLower(id)], release)
			}
		}
		f.order = append(f.order, key)
		f.sources[key] = packages
	}
	return f, nil
}

// newRelease validates one release document.
func newRelease(packageID string, doc ReleaseDocument) (Release, error) {
	identity, err := domain.NewPackageIdentity(packageID, doc.Version)
	if err != nil {
		return Release{}, err
	}
	if !identity.HasVersion() {
		return Release{}, fmt.Errorf("%w: %s has an empty version", domain.ErrInvalidVersion, packageID)
	}
	deps := make([]domain.PackageDependency, 0, len(doc.Dependencies))
	for _, dep := range doc.Dependencies {
		dep.ID = strings.TrimSpace(dep.ID)
		if dep.ID == "" {
			return Release{}, fmt.Errorf("%s@%s: %w", packageID, identity.Version, domain.ErrInvalidPackageID)
		}
		if _, err := domain.ParseVersionRange(dep.Range); err != nil {
			return Release{}, fmt.Errorf("%s@%s: %w", packageID, identity.Version, err)
		}
		deps = append(deps, domain.PackageDependency{ID: dep.ID, Range: strings.TrimSpace(dep.Range)})
	}
	return Release{PackageID: identity.ID, Version: identity.Version, Dependencies: deps}, nil
}

// SourceNames lists configured sources in file order.
func (f *Feed) SourceNames() []string {
	return slices.Clone(f.order)
}

// Releases returns every release of packageID across the selected sources. Empty sources selects all.
// A version published by several sources is reported once, from the first source listing it.
func (f *Feed) Releases(sources []string, packageID string) ([]Release, error) {
	selected, err := f.selectSources(sources)
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(strings.TrimSpace(packageID))
	out := make([]Release, 0)
	for _, source := range selected {
		for _, release := range f.sources[source][key] {
			if slices.ContainsFunc(out, func(existing Release) bool {
				return domain.SameVersion(existing.Version, release.Version)
			}) {
				continue
			}
			out = append(out, release)
		}
	}
	return out, nil
}

// selectSources validates requested source names.
func (f *Feed) selectSources(sources []string) ([]string, error) {
	if len(sources) == 0 {
		return f.order, nil
	}
	out := make([]string, 0, len(sources))
	for _, raw := range sources {
		key := strings.ToLower(strings.TrimSpace(raw))
		if key == "" {
			continue
		}
		if _, ok := f.sources[key]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, raw)
		}
		if !slices.Contains(out, key) {
			out = append(out, key)
		}
	}
	if len(out) == 0 {
		return f.order, nil
	}
	return out, nil
}
