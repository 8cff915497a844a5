package app

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/evanschultz/pkgctl/internal/domain"
)

// UninstallConflictPolicy decides whether forceRemove may override installed dependents.
type UninstallConflictPolicy string

// UninstallConflictPolicy values.
const (
	UninstallConflictRequireForce UninstallConflictPolicy = "require_force"
	UninstallConflictStrict       UninstallConflictPolicy = "strict"
)

// ParseUninstallConflictPolicy canonicalizes one policy, defaulting empty values to require_force.
func ParseUninstallConflictPolicy(raw string) (UninstallConflictPolicy, error) {
	policy := UninstallConflictPolicy(strings.TrimSpace(strings.ToLower(raw)))
	switch policy {
	case "":
		return UninstallConflictRequireForce, nil
	case UninstallConflictRequireForce, UninstallConflictStrict:
		return policy, nil
	default:
		return "", fmt.Errorf("%w: unsupported uninstall conflict policy %q", ErrInvalidRequest, raw)
	}
}

// PlannerConfig holds configuration for the action planner.
type PlannerConfig struct {
	UninstallConflictPolicy   UninstallConflictPolicy
	DefaultDependencyBehavior domain.DependencyBehavior
}

// InstallRequest holds input values for install planning.
type InstallRequest struct {
	ProjectID          domain.ProjectID
	Package            domain.PackageIdentity
	Constraints        domain.VersionConstraints
	IncludePrerelease  bool
	DependencyBehavior domain.DependencyBehavior
	Sources            []string
	Reinstall          bool
}

// UninstallRequest holds input values for uninstall planning.
type UninstallRequest struct {
	ProjectID          domain.ProjectID
	PackageID          string
	RemoveDependencies bool
	ForceRemove        bool
}

// UpdateRequest holds input values for update planning. Empty Packages selects every direct package.
type UpdateRequest struct {
	ProjectIDs         []domain.ProjectID
	Packages           []domain.PackageIdentity
	Constraints        domain.VersionConstraints
	IncludePrerelease  bool
	DependencyBehavior domain.DependencyBehavior
	Sources            []string
}

// Planner intent labels.
const (
	intentInstall   = "install"
	intentUninstall = "uninstall"
	intentUpdate    = "update"
	intentRollback  = "rollback"
)

// ActionPlanner turns intents into ordered action lists. It never mutates state.
type ActionPlanner struct {
	directory *ProjectDirectory
	packages  PackageReader
	resolver  Resolver
	cfg       PlannerConfig
	logger    Logger
	observer  Observer
}

// NewActionPlanner constructs a planner.
func NewActionPlanner(directory *ProjectDirectory, packages PackageReader, resolver Resolver, cfg PlannerConfig) *ActionPlanner {
	if cfg.UninstallConflictPolicy == "" {
		cfg.UninstallConflictPolicy = UninstallConflictRequireForce
	}
	if cfg.DefaultDependencyBehavior == "" {
		cfg.DefaultDependencyBehavior = domain.DependencyBehaviorLowest
	}
	return &ActionPlanner{
		directory: directory,
		packages:  packages,
		resolver:  resolver,
		cfg:       cfg,
		logger:    nopLogger{},
		observer:  nopObserver{},
	}
}

// PlanInstall plans one package install into one project.
func (p *ActionPlanner) PlanInstall(ctx context.Context, in InstallRequest) (actions []domain.ProjectAction, err error) {
	defer func() { p.observe(intentInstall, actions, err) }()

	project, err := p.directory.GetProject(in.ProjectID)
	if err != nil {
		return nil, err
	}
	pkg, err := domain.NewPackageIdentity(in.Package.ID, in.Package.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	installed, err := p.packages.ListInstalledPackages(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("list installed packages for %s: %w", project.ID, err)
	}

	if current, ok := domain.FindInstalled(installed, pkg.ID); ok {
		sameVersion := !pkg.HasVersion() || domain.SameVersion(current.Package.Version, pkg.Version)
		if sameVersion && !in.Reinstall {
			p.logger.Debug("install already satisfied", "project_id", project.ID, "package", current.Package)
			return []domain.ProjectAction{}, nil
		}
		if sameVersion {
			return reinstallActions(project.ID, current), nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	behavior := in.DependencyBehavior
	if behavior == "" {
		behavior = p.cfg.DefaultDependencyBehavior
	}
	actions, err = p.resolver.ResolveActions(ctx, ResolveRequest{
		Mode:               ResolveModeInstall,
		Project:            project,
		Installed:          installed,
		Targets:            []domain.PackageIdentity{pkg},
		Constraints:        in.Constraints,
		IncludePrerelease:  in.IncludePrerelease,
		DependencyBehavior: behavior,
		Sources:            slices.Clone(in.Sources),
	})
	if err != nil {
		return nil, fmt.Errorf("resolve install %s in project %s: %w", pkg, project.ID, err)
	}
	return actions, nil
}

// reinstallActions removes and re-adds one installed package at its current version.
func reinstallActions(projectID domain.ProjectID, current domain.InstalledPackageReference) []domain.ProjectAction {
	return []domain.ProjectAction{
		{
			ProjectID:       projectID,
			Type:            domain.ActionUninstall,
			Package:         current.Package,
			PreviousVersion: current.Package.Version,
			Dependencies:    slices.Clone(current.Dependencies),
			AutoReferenced:  current.AutoReferenced,
			RequestedRange:  current.RequestedRange,
		},
		{
			ProjectID:      projectID,
			Type:           domain.ActionInstall,
			Package:        current.Package,
			Dependencies:   slices.Clone(current.Dependencies),
			AutoReferenced: current.AutoReferenced,
			RequestedRange: current.RequestedRange,
		},
	}
}

// PlanUninstall plans removal of one package, optionally with its orphaned dependencies.
func (p *ActionPlanner) PlanUninstall(ctx context.Context, in UninstallRequest) (actions []domain.ProjectAction, err error) {
	defer func() { p.observe(intentUninstall, actions, err) }()

	project, err := p.directory.GetProject(in.ProjectID)
	if err != nil {
		return nil, err
	}
	packageID := strings.TrimSpace(in.PackageID)
	if packageID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, domain.ErrInvalidPackageID)
	}
	installed, err := p.packages.ListInstalledPackages(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("list installed packages for %s: %w", project.ID, err)
	}
	target, ok := domain.FindInstalled(installed, packageID)
	if !ok {
		return nil, fmt.Errorf("%w: %s in project %s", ErrPackageNotInstalled, packageID, project.ID)
	}

	removal := []domain.InstalledPackageReference{target}
	if in.RemoveDependencies {
		removal = orphanedDependencies(installed, removal)
	}

	dependents := make([]domain.PackageIdentity, 0)
	for _, dependent := range domain.Dependents(installed, target.Package.ID) {
		if containsPackage(removal, dependent.Package.ID) {
			continue
		}
		dependents = append(dependents, dependent.Package)
	}
	switch {
	case len(dependents) == 0:
	case in.RemoveDependencies:
		// dependents stay installed with a dangling edge to the removed package
		p.logger.Warn("removing package and dependencies with dependents", "project_id", project.ID, "package", target.Package, "dependents", len(dependents))
	case p.cfg.UninstallConflictPolicy == UninstallConflictStrict || !in.ForceRemove:
		return nil, &ConflictError{ProjectID: project.ID, Package: target.Package, Dependents: dependents}
	default:
		p.logger.Warn("force removing package with dependents", "project_id", project.ID, "package", target.Package, "dependents", len(dependents))
	}

	ordered := removalOrder(removal)
	actions = make([]domain.ProjectAction, 0, len(ordered))
	for _, ref := range ordered {
		actions = append(actions, domain.ProjectAction{
			ProjectID:       project.ID,
			Type:            domain.ActionUninstall,
			Package:         ref.Package,
			PreviousVersion: ref.Package.Version,
			Dependencies:    slices.Clone(ref.Dependencies),
			AutoReferenced:  ref.AutoReferenced,
			RequestedRange:  ref.RequestedRange,
		})
	}
	return actions, nil
}

// orphanedDependencies grows the removal set with auto-referenced packages only it requires.
func orphanedDependencies(installed, removal []domain.InstalledPackageReference) []domain.InstalledPackageReference {
	for changed := true; changed; {
		changed = false
		for _, candidate := range installed {
			if !candidate.AutoReferenced || containsPackage(removal, candidate.Package.ID) {
				continue
			}
			requiredByRemoval := false
			for _, member := range removal {
				if domain.DependsOn(member.Dependencies, candidate.Package.ID) {
					requiredByRemoval = true
					break
				}
			}
			if !requiredByRemoval {
				continue
			}
			orphaned := true
			for _, dependent := range domain.Dependents(installed, candidate.Package.ID) {
				if !containsPackage(removal, dependent.Package.ID) {
					orphaned = false
					break
				}
			}
			if orphaned {
				removal = append(removal, candidate)
				changed = true
			}
		}
	}
	return removal
}

// removalOrder sorts a removal set so every package precedes the packages it depends on.
func removalOrder(removal []domain.InstalledPackageReference) []domain.InstalledPackageReference {
	remaining := slices.Clone(removal)
	out := make([]domain.InstalledPackageReference, 0, len(removal))
	for len(remaining) > 0 {
		next := -1
		for i, candidate := range remaining {
			if len(domain.Dependents(remaining, candidate.Package.ID)) == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			// dependency cycle inside the removal set
			next = 0
		}
		out = append(out, remaining[next])
		remaining = slices.Delete(remaining, next, next+1)
	}
	return out
}

// containsPackage reports whether refs holds packageID.
func containsPackage(refs []domain.InstalledPackageReference, packageID string) bool {
	_, ok := domain.FindInstalled(refs, packageID)
	return ok
}

// PlanUpdate plans updates across projects. Per-project sequences keep caller order.
func (p *ActionPlanner) PlanUpdate(ctx context.Context, in UpdateRequest) (actions []domain.ProjectAction, err error) {
	defer func() { p.observe(intentUpdate, actions, err) }()

	if len(in.ProjectIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one project id is required", ErrInvalidRequest)
	}
	projects, err := p.directory.Resolve(in.ProjectIDs)
	if err != nil {
		return nil, err
	}
	requested := make([]domain.PackageIdentity, 0, len(in.Packages))
	for _, raw := range in.Packages {
		pkg, err := domain.NewPackageIdentity(raw.ID, raw.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		requested = append(requested, pkg)
	}
	behavior := in.DependencyBehavior
	if behavior == "" {
		behavior = p.cfg.DefaultDependencyBehavior
	}

	found := make(map[string]bool, len(requested))
	actions = make([]domain.ProjectAction, 0)
	for _, project := range projects {
		installed, err := p.packages.ListInstalledPackages(ctx, project.ID)
		if err != nil {
			return nil, fmt.Errorf("list installed packages for %s: %w", project.ID, err)
		}
		targets := make([]domain.PackageIdentity, 0)
		if len(requested) == 0 {
			for _, ref := range installed {
				if !ref.AutoReferenced {
					targets = append(targets, domain.PackageIdentity{ID: ref.Package.ID})
				}
			}
		} else {
			for _, pkg := range requested {
				if _, ok := domain.FindInstalled(installed, pkg.ID); ok {
					targets = append(targets, pkg)
					found[strings.ToLower(pkg.ID)] = true
				}
			}
		}
		if len(targets) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}
		projectActions, err := p.resolver.ResolveActions(ctx, ResolveRequest{
			Mode:               ResolveModeUpdate,
			Project:            project,
			Installed:          installed,
			Targets:            targets,
			Constraints:        in.Constraints,
			IncludePrerelease:  in.IncludePrerelease,
			DependencyBehavior: behavior,
			Sources:            slices.Clone(in.Sources),
		})
		if err != nil {
			return nil, fmt.Errorf("resolve update in project %s: %w", project.ID, err)
		}
		actions = append(actions, projectActions...)
	}
	for _, pkg := range requested {
		if !found[strings.ToLower(pkg.ID)] {
			return nil, fmt.Errorf("%w: %s in any of %d target projects", ErrPackageNotInstalled, pkg.ID, len(projects))
		}
	}
	return actions, nil
}

// PlanRollback builds the compensating plan for an applied action prefix, newest first.
func (p *ActionPlanner) PlanRollback(_ context.Context, applied []domain.ProjectAction) (actions []domain.ProjectAction, err error) {
	defer func() { p.observe(intentRollback, actions, err) }()

	actions = make([]domain.ProjectAction, 0, len(applied))
	for i := len(applied) - 1; i >= 0; i-- {
		action := applied[i]
		if _, err := p.directory.GetProject(action.ProjectID); err != nil {
			return nil, err
		}
		switch domain.NormalizeActionType(action.Type) {
		case domain.ActionInstall:
			actions = append(actions, domain.ProjectAction{
				ProjectID:       action.ProjectID,
				Type:            domain.ActionUninstall,
				Package:         action.Package,
				PreviousVersion: action.Package.Version,
				Dependencies:    slices.Clone(action.Dependencies),
				AutoReferenced:  action.AutoReferenced,
				RequestedRange:  action.RequestedRange,
			})
		case domain.ActionUpdate:
			if action.PreviousVersion == "" {
				return nil, fmt.Errorf("%w: update of %s has no previous version", ErrInvalidRequest, action.Package.ID)
			}
			actions = append(actions, domain.ProjectAction{
				ProjectID:       action.ProjectID,
				Type:            domain.ActionUpdate,
				Package:         domain.PackageIdentity{ID: action.Package.ID, Version: action.PreviousVersion},
				PreviousVersion: action.Package.Version,
				AutoReferenced:  action.AutoReferenced,
			})
		case domain.ActionUninstall:
			version := firstNonEmpty(action.PreviousVersion, action.Package.Version)
			if version == "" {
				return nil, fmt.Errorf("%w: uninstall of %s has no version to restore", ErrInvalidRequest, action.Package.ID)
			}
			actions = append(actions, domain.ProjectAction{
				ProjectID:      action.ProjectID,
				Type:           domain.ActionInstall,
				Package:        domain.PackageIdentity{ID: action.Package.ID, Version: version},
				Dependencies:   slices.Clone(action.Dependencies),
				AutoReferenced: action.AutoReferenced,
				RequestedRange: action.RequestedRange,
			})
		default:
			return nil, fmt.Errorf("%w: %w %q", ErrInvalidRequest, domain.ErrInvalidActionType, action.Type)
		}
	}
	return actions, nil
}

// observe reports one planning outcome.
func (p *ActionPlanner) observe(intent string, actions []domain.ProjectAction, err error) {
	p.observer.PlanBuilt(intent, len(actions), err)
	if err != nil {
		p.logger.Debug("plan rejected", "intent", intent, "err", err)
		return
	}
	p.logger.Debug("plan built", "intent", intent, "actions", len(actions))
}

// firstNonEmpty returns the first non-empty trimmed value.
func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
