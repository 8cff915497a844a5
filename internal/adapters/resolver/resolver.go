// Package resolver chooses package versions from a local feed and orders the resulting actions.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/apparentlymart/go-versions/versions"

	"github.com/evanschultz/pkgctl/internal/adapters/feed"
	"github.com/evanschultz/pkgctl/internal/app"
	"github.com/evanschultz/pkgctl/internal/domain"
)

// Catalog lists published releases of one package.
type Catalog interface {
	Releases(sources []string, packageID string) ([]feed.Release, error)
}

// Resolver implements app.Resolver over a Catalog.
type Resolver struct {
	catalog Catalog
}

// New constructs a resolver.
func New(catalog Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// node tracks the chosen state of one package during a resolution.
type node struct {
	id           string
	version      string
	dependencies []domain.PackageDependency
	auto         bool
	changed      bool
}

// resolution carries per-request state.
type resolution struct {
	ctx      context.Context
	catalog  Catalog
	req      app.ResolveRequest
	state    map[string]*node
	visiting map[string]bool
	actions  []domain.ProjectAction
}

// ResolveActions returns actions with every dependency ordered before its dependents.
func (r *Resolver) ResolveActions(ctx context.Context, req app.ResolveRequest) ([]domain.ProjectAction, error) {
	res := &resolution{
		ctx:      ctx,
		catalog:  r.catalog,
		req:      req,
		state:    map[string]*node{},
		visiting: map[string]bool{},
		actions:  make([]domain.ProjectAction, 0),
	}
	for _, ref := range req.Installed {
		res.state[key(ref.Package.ID)] = &node{
			id:           ref.Package.ID,
			version:      ref.Package.Version,
			dependencies: slices.Clone(ref.Dependencies),
			auto:         ref.AutoReferenced,
		}
	}

	for _, target := range req.Targets {
		var err error
		if req.Mode == app.ResolveModeUpdate {
			err = res.update(target)
		} else {
			err = res.install(target)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := res.validate(); err != nil {
		return nil, err
	}
	return res.actions, nil
}

// install resolves one install target. Installing another version of an installed package updates it.
func (res *resolution) install(target domain.PackageIdentity) error {
	if current, ok := res.state[key(target.ID)]; ok && target.HasVersion() {
		return res.place(target.ID, target.Version, current.auto, "")
	}
	version, requested := target.Version, target.Version
	if version == "" {
		releases, err := res.releases(target.ID)
		if err != nil {
			return err
		}
		chosen, ok := pick(filterPrerelease(releases, res.req.IncludePrerelease), domain.DependencyBehaviorHighest)
		if !ok {
			return fmt.Errorf("%w: no installable version of %s", app.ErrUnresolvableConstraints, target.ID)
		}
		version = chosen.Version
		requested = ">=" + chosen.Version
	}
	return res.place(target.ID, version, false, requested)
}

// update resolves one update target against the installed version and version constraints.
func (res *resolution) update(target domain.PackageIdentity) error {
	current, ok := res.state[key(target.ID)]
	if !ok {
		return fmt.Errorf("%w: %s", app.ErrPackageNotInstalled, target.ID)
	}
	if target.HasVersion() {
		return res.place(target.ID, target.Version, current.auto, "")
	}
	installed, err := domain.ParseVersion(current.version)
	if err != nil {
		return fmt.Errorf("%w: installed %s@%s: %w", app.ErrUnresolvableConstraints, current.id, current.version, err)
	}
	releases, err := res.releases(target.ID)
	if err != nil {
		return err
	}
	includePrerelease := res.req.IncludePrerelease || installed.Prerelease != ""
	candidates := make([]feed.Release, 0, len(releases))
	for _, release := range filterPrerelease(releases, includePrerelease) {
		v, err := domain.ParseVersion(release.Version)
		if err != nil {
			continue
		}
		if v.LessThan(installed) || !meetsConstraints(v, installed, res.req.Constraints) {
			continue
		}
		candidates = append(candidates, release)
	}
	chosen, ok := pick(candidates, domain.DependencyBehaviorHighest)
	if !ok || domain.SameVersion(chosen.Version, current.version) {
		return nil
	}
	return res.place(target.ID, chosen.Version, current.auto, "")
}

// meetsConstraints reports whether v keeps every pinned component of installed.
func meetsConstraints(v, installed versions.Version, constraints domain.VersionConstraints) bool {
	if constraints.Has(domain.ExactMajor) && v.Major != installed.Major {
		return false
	}
	if constraints.Has(domain.ExactMinor) && (v.Major != installed.Major || v.Minor != installed.Minor) {
		return false
	}
	if constraints.Has(domain.ExactPatch) && (v.Major != installed.Major || v.Minor != installed.Minor || v.Patch != installed.Patch) {
		return false
	}
	if constraints.Has(domain.ExactRelease) && v.Prerelease != installed.Prerelease {
		return false
	}
	return true
}

// place pins packageID at version, resolves its dependencies first, then emits its own action.
// requested is recorded on a fresh install.
func (res *resolution) place(packageID, version string, auto bool, requested string) error {
	if err := res.ctx.Err(); err != nil {
		return errors.Join(app.ErrCancelled, err)
	}
	k := key(packageID)
	if res.visiting[k] {
		return fmt.Errorf("%w: dependency cycle through %s", app.ErrUnresolvableConstraints, packageID)
	}
	release, err := res.release(packageID, version)
	if err != nil {
		return err
	}

	res.visiting[k] = true
	if res.req.DependencyBehavior != domain.DependencyBehaviorIgnore {
		for _, dep := range release.Dependencies {
			if err := res.ensure(release, dep); err != nil {
				delete(res.visiting, k)
				return err
			}
		}
	}
	delete(res.visiting, k)

	current, installed := res.state[k]
	switch {
	case installed && domain.SameVersion(current.version, release.Version):
		return nil
	case installed:
		res.actions = append(res.actions, domain.ProjectAction{
			ProjectID:       res.req.Project.ID,
			Type:            domain.ActionUpdate,
			Package:         domain.PackageIdentity{ID: current.id, Version: release.Version},
			PreviousVersion: current.version,
			Dependencies:    slices.Clone(release.Dependencies),
			AutoReferenced:  current.auto,
		})
		current.version = release.Version
		current.dependencies = slices.Clone(release.Dependencies)
		current.changed = true
	default:
		res.actions = append(res.actions, domain.ProjectAction{
			ProjectID:      res.req.Project.ID,
			Type:           domain.ActionInstall,
			Package:        domain.PackageIdentity{ID: release.PackageID, Version: release.Version},
			Dependencies:   slices.Clone(release.Dependencies),
			AutoReferenced: auto,
			RequestedRange: requested,
		})
		res.state[k] = &node{
			id:           release.PackageID,
			version:      release.Version,
			dependencies: slices.Clone(release.Dependencies),
			auto:         auto,
			changed:      true,
		}
	}
	return nil
}

// ensure makes one dependency satisfied, installing or upgrading it per the dependency behavior.
func (res *resolution) ensure(parent feed.Release, dep domain.PackageDependency) error {
	set, err := domain.ParseVersionRange(dep.Range)
	if err != nil {
		return fmt.Errorf("%w: %s@%s: %w", app.ErrUnresolvableConstraints, parent.PackageID, parent.Version, err)
	}
	if current, ok := res.state[key(dep.ID)]; ok {
		if v, err := domain.ParseVersion(current.version); err == nil && set.Has(v) {
			return nil
		}
		if res.visiting[key(dep.ID)] {
			return fmt.Errorf("%w: dependency cycle through %s", app.ErrUnresolvableConstraints, dep.ID)
		}
	}

	releases, err := res.releases(dep.ID)
	if err != nil {
		return err
	}
	candidates := make([]feed.Release, 0, len(releases))
	for _, release := range filterPrerelease(releases, res.req.IncludePrerelease) {
		v, err := domain.ParseVersion(release.Version)
		if err != nil || !set.Has(v) {
			continue
		}
		candidates = append(candidates, release)
	}
	chosen, ok := pick(candidates, res.req.DependencyBehavior)
	if !ok {
		return fmt.Errorf("%w: no version of %s satisfies %q required by %s@%s", app.ErrUnresolvableConstraints, dep.ID, dep.Range, parent.PackageID, parent.Version)
	}
	auto := true
	if current, ok := res.state[key(dep.ID)]; ok {
		auto = current.auto
	}
	return res.place(dep.ID, chosen.Version, auto, dep.Range)
}

// validate checks every dependency edge touched by the plan against the final state.
func (res *resolution) validate() error {
	if res.req.DependencyBehavior == domain.DependencyBehaviorIgnore {
		return nil
	}
	keys := make([]string, 0, len(res.state))
	for k := range res.state {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		n := res.state[k]
		for _, dep := range n.dependencies {
			target, ok := res.state[key(dep.ID)]
			if !ok {
				continue
			}
			if !n.changed && !target.changed {
				continue
			}
			if !dep.Accepts(target.version) {
				return fmt.Errorf("%w: %s@%s requires %s %q but the plan selects %s", app.ErrUnresolvableConstraints, n.id, n.version, dep.ID, dep.Range, target.version)
			}
		}
	}
	return nil
}

// releases lists catalog releases, mapping catalog failures to app errors.
func (res *resolution) releases(packageID string) ([]feed.Release, error) {
	releases, err := res.catalog.Releases(res.req.Sources, packageID)
	if err != nil {
		if errors.Is(err, feed.ErrUnknownSource) {
			return nil, fmt.Errorf("%w: %w", app.ErrInvalidRequest, err)
		}
		return nil, err
	}
	if len(releases) == 0 {
		return nil, fmt.Errorf("%w: package %s not found in sources", app.ErrUnresolvableConstraints, packageID)
	}
	return releases, nil
}

// release finds one exact release.
func (res *resolution) release(packageID, version string) (feed.Release, error) {
	releases, err := res.releases(packageID)
	if err != nil {
		return feed.Release{}, err
	}
	for _, release := range releases {
		if domain.SameVersion(release.Version, version) {
			return release, nil
		}
	}
	return feed.Release{}, fmt.Errorf("%w: %s@%s not found in sources", app.ErrUnresolvableConstraints, packageID, version)
}

// filterPrerelease drops prerelease versions unless they are allowed.
func filterPrerelease(releases []feed.Release, include bool) []feed.Release {
	if include {
		return releases
	}
	out := make([]feed.Release, 0, len(releases))
	for _, release := range releases {
		v, err := domain.ParseVersion(release.Version)
		if err != nil || v.Prerelease != "" {
			continue
		}
		out = append(out, release)
	}
	return out
}

// pick selects one release according to behavior.
func pick(candidates []feed.Release, behavior domain.DependencyBehavior) (feed.Release, bool) {
	type parsed struct {
		release feed.Release
		version versions.Version
	}
	sorted := make([]parsed, 0, len(candidates))
	for _, release := range candidates {
		v, err := domain.ParseVersion(release.Version)
		if err != nil {
			continue
		}
		sorted = append(sorted, parsed{release: release, version: v})
	}
	if len(sorted) == 0 {
		return feed.Release{}, false
	}
	slices.SortFunc(sorted, func(a, b parsed) int {
		switch {
		case a.version.LessThan(b.version):
			return -1
		case b.version.LessThan(a.version):
			return 1
		default:
			return 0
		}
	})

	lowest := sorted[0]
	switch behavior {
	case domain.DependencyBehaviorHighest:
		return sorted[len(sorted)-1].release, true
	case domain.DependencyBehaviorHighestMinor, domain.DependencyBehaviorHighestPatch:
		best := lowest
		for _, candidate := range sorted[1:] {
			if candidate.version.Major != lowest.version.Major {
				continue
			}
			if behavior == domain.DependencyBehaviorHighestPatch && candidate.version.Minor != lowest.version.Minor {
				continue
			}
			best = candidate
		}
		return best.release, true
	default:
		return lowest.release, true
	}
}

// key canonicalizes package ids for map lookups.
func key(packageID string) string {
	return strings.ToLower(strings.TrimSpace(packageID))
}
