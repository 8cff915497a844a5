package common

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/evanschultz/pkgctl/internal/app"
	"github.com/evanschultz/pkgctl/internal/domain"
)

// AppServiceAdapter maps transport contracts onto app.Service.
type AppServiceAdapter struct {
	service *app.Service
}

var _ PackageService = (*AppServiceAdapter)(nil)

// NewAppServiceAdapter builds one common adapter over an app.Service instance.
func NewAppServiceAdapter(service *app.Service) *AppServiceAdapter {
	return &AppServiceAdapter{service: service}
}

// WithCaller attaches caller identity so executed actions are attributed in the journal.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	if strings.TrimSpace(caller.ID) == "" {
		return ctx
	}
	return app.WithCaller(ctx, app.Caller{ID: caller.ID, Type: domain.ActorType(caller.Type)})
}

// GetInstalledPackages lists installed packages for the selected projects.
func (a *AppServiceAdapter) GetInstalledPackages(ctx context.Context, in ProjectIDsRequest) ([]InstalledPackage, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	refs, err := a.service.GetInstalledPackages(ctx, toProjectIDs(in.ProjectIDs))
	if err != nil {
		return nil, mapAppError("get installed packages", err)
	}
	out := make([]InstalledPackage, 0, len(refs))
	for _, ref := range refs {
		out = append(out, InstalledPackage{
			ProjectID:      ref.ProjectID.String(),
			Package:        toPackageIdentity(ref.Package),
			AutoReferenced: ref.AutoReferenced,
			RequestedRange: ref.RequestedRange,
			Dependencies:   toDependencies(ref.Dependencies),
			InstalledAt:    ref.InstalledAt,
		})
	}
	return out, nil
}

// GetMetadata returns one metadata value and fails when the key is absent.
func (a *AppServiceAdapter) GetMetadata(ctx context.Context, in MetadataRequest) (Metadata, error) {
	if err := a.ready(); err != nil {
		return Metadata{}, err
	}
	req, err := normalizeMetadataRequest(in)
	if err != nil {
		return Metadata{}, err
	}
	value, err := a.service.GetMetadata(ctx, domain.ProjectID(req.ProjectID), req.Key)
	if err != nil {
		return Metadata{}, mapAppError("get metadata", err)
	}
	return Metadata{ProjectID: req.ProjectID, Key: req.Key, Value: value, Found: true}, nil
}

// TryGetMetadata returns one metadata value with a found flag.
func (a *AppServiceAdapter) TryGetMetadata(ctx context.Context, in MetadataRequest) (Metadata, error) {
	if err := a.ready(); err != nil {
		return Metadata{}, err
	}
	req, err := normalizeMetadataRequest(in)
	if err != nil {
		return Metadata{}, err
	}
	value, found, err := a.service.TryGetMetadata(ctx, domain.ProjectID(req.ProjectID), req.Key)
	if err != nil {
		return Metadata{}, mapAppError("try get metadata", err)
	}
	return Metadata{ProjectID: req.ProjectID, Key: req.Key, Value: value, Found: found}, nil
}

// GetProject returns one project.
func (a *AppServiceAdapter) GetProject(ctx context.Context, projectID string) (Project, error) {
	if err := a.ready(); err != nil {
		return Project{}, err
	}
	id, err := requireProjectID(projectID)
	if err != nil {
		return Project{}, err
	}
	project, err := a.service.GetProject(ctx, id)
	if err != nil {
		return Project{}, mapAppError("get project", err)
	}
	return toProject(project), nil
}

// GetProjects lists every project.
func (a *AppServiceAdapter) GetProjects(ctx context.Context) ([]Project, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	projects, err := a.service.GetProjects(ctx)
	if err != nil {
		return nil, mapAppError("get projects", err)
	}
	return toProjects(projects), nil
}

// IsProjectUpgradeable reports whether a project can move to package references.
func (a *AppServiceAdapter) IsProjectUpgradeable(ctx context.Context, projectID string) (bool, error) {
	if err := a.ready(); err != nil {
		return false, err
	}
	id, err := requireProjectID(projectID)
	if err != nil {
		return false, err
	}
	ok, err := a.service.IsProjectUpgradeable(ctx, id)
	if err != nil {
		return false, mapAppError("is project upgradeable", err)
	}
	return ok, nil
}

// GetUpgradeableProjects filters the selected projects to upgradeable ones.
func (a *AppServiceAdapter) GetUpgradeableProjects(ctx context.Context, in ProjectIDsRequest) ([]Project, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	projects, err := a.service.GetUpgradeableProjects(ctx, toProjectIDs(in.ProjectIDs))
	if err != nil {
		return nil, mapAppError("get upgradeable projects", err)
	}
	return toProjects(projects), nil
}

// UpgradeProjectToPackageReference converts one project's reference style.
func (a *AppServiceAdapter) UpgradeProjectToPackageReference(ctx context.Context, projectID string) (Project, error) {
	if err := a.ready(); err != nil {
		return Project{}, err
	}
	id, err := requireProjectID(projectID)
	if err != nil {
		return Project{}, err
	}
	project, err := a.service.UpgradeProjectToPackageReference(ctx, id)
	if err != nil {
		return Project{}, mapAppError("upgrade project", err)
	}
	return toProject(project), nil
}

// BeginOperation opens an operation session, waiting behind earlier callers.
func (a *AppServiceAdapter) BeginOperation(ctx context.Context) (Session, error) {
	if err := a.ready(); err != nil {
		return Session{}, err
	}
	session, err := a.service.BeginOperation(ctx)
	if err != nil {
		return Session{}, mapAppError("begin operation", err)
	}
	return toSession(session), nil
}

// EndOperation closes the active session. Ending while idle is not an error.
func (a *AppServiceAdapter) EndOperation(ctx context.Context) (EndResult, error) {
	if err := a.ready(); err != nil {
		return EndResult{}, err
	}
	session, ended := a.service.EndOperation(ctx)
	if !ended {
		return EndResult{}, nil
	}
	out := toSession(session)
	return EndResult{Ended: true, Session: &out}, nil
}

// ExecuteActions applies a plan. On failure the partial result is returned with the error.
func (a *AppServiceAdapter) ExecuteActions(ctx context.Context, in ActionsRequest) (ExecutionResult, error) {
	if err := a.ready(); err != nil {
		return ExecutionResult{}, err
	}
	actions, err := fromActions(in.Actions)
	if err != nil {
		return ExecutionResult{}, err
	}
	result, err := a.service.ExecuteActions(ctx, actions)
	out := toExecutionResult(result)
	if err != nil {
		return out, mapAppError("execute actions", err)
	}
	return out, nil
}

// GetInstallActions plans one install.
func (a *AppServiceAdapter) GetInstallActions(ctx context.Context, in InstallActionsRequest) (Plan, error) {
	if err := a.ready(); err != nil {
		return Plan{}, err
	}
	id, err := requireProjectID(in.ProjectID)
	if err != nil {
		return Plan{}, err
	}
	constraints, behavior, err := parsePolicy(in.VersionConstraints, in.DependencyBehavior)
	if err != nil {
		return Plan{}, err
	}
	actions, err := a.service.GetInstallActions(ctx, app.InstallRequest{
		ProjectID:          id,
		Package:            domain.PackageIdentity{ID: in.Package.ID, Version: in.Package.Version},
		Constraints:        constraints,
		IncludePrerelease:  in.IncludePrerelease,
		DependencyBehavior: behavior,
		Sources:            in.Sources,
		Reinstall:          in.Reinstall,
	})
	if err != nil {
		return Plan{}, mapAppError("get install actions", err)
	}
	return Plan{Actions: toActions(actions)}, nil
}

// GetUninstallActions plans one uninstall.
func (a *AppServiceAdapter) GetUninstallActions(ctx context.Context, in UninstallActionsRequest) (Plan, error) {
	if err := a.ready(); err != nil {
		return Plan{}, err
	}
	id, err := requireProjectID(in.ProjectID)
	if err != nil {
		return Plan{}, err
	}
	actions, err := a.service.GetUninstallActions(ctx, app.UninstallRequest{
		ProjectID:          id,
		PackageID:          in.PackageID,
		RemoveDependencies: in.RemoveDependencies,
		ForceRemove:        in.ForceRemove,
	})
	if err != nil {
		return Plan{}, mapAppError("get uninstall actions", err)
	}
	return Plan{Actions: toActions(actions)}, nil
}

// GetUpdateActions plans updates across projects.
func (a *AppServiceAdapter) GetUpdateActions(ctx context.Context, in UpdateActionsRequest) (Plan, error) {
	if err := a.ready(); err != nil {
		return Plan{}, err
	}
	constraints, behavior, err := parsePolicy(in.VersionConstraints, in.DependencyBehavior)
	if err != nil {
		return Plan{}, err
	}
	packages := make([]domain.PackageIdentity, 0, len(in.Packages))
	for _, pkg := range in.Packages {
		packages = append(packages, domain.PackageIdentity{ID: pkg.ID, Version: pkg.Version})
	}
	actions, err := a.service.GetUpdateActions(ctx, app.UpdateRequest{
		ProjectIDs:         toProjectIDs(in.ProjectIDs),
		Packages:           packages,
		Constraints:        constraints,
		IncludePrerelease:  in.IncludePrerelease,
		DependencyBehavior: behavior,
		Sources:            in.Sources,
	})
	if err != nil {
		return Plan{}, mapAppError("get update actions", err)
	}
	return Plan{Actions: toActions(actions)}, nil
}

// GetRollbackActions plans the inverse of an applied prefix.
func (a *AppServiceAdapter) GetRollbackActions(ctx context.Context, in ActionsRequest) (Plan, error) {
	if err := a.ready(); err != nil {
		return Plan{}, err
	}
	applied, err := fromActions(in.Actions)
	if err != nil {
		return Plan{}, err
	}
	actions, err := a.service.GetRollbackActions(ctx, applied)
	if err != nil {
		return Plan{}, mapAppError("get rollback actions", err)
	}
	return Plan{Actions: toActions(actions)}, nil
}

// ListActionJournal reads journal records newest first.
func (a *AppServiceAdapter) ListActionJournal(ctx context.Context, in JournalRequest) ([]JournalRecord, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if in.Limit < 0 {
		return nil, fmt.Errorf("limit must be >= 0: %w", ErrInvalidRequest)
	}
	records, err := a.service.ListActionJournal(ctx, domain.ProjectID(strings.TrimSpace(in.ProjectID)), in.Limit)
	if err != nil {
		return nil, mapAppError("list action journal", err)
	}
	out := make([]JournalRecord, 0, len(records))
	for _, record := range records {
		out = append(out, JournalRecord{
			ID:          record.ID,
			OperationID: record.OperationID,
			Sequence:    record.Sequence,
			Action:      toAction(record.Action),
			Outcome:     string(record.Outcome),
			Error:       record.Error,
			ActorID:     record.ActorID,
			ActorType:   string(record.ActorType),
			RecordedAt:  record.RecordedAt,
		})
	}
	return out, nil
}

// PublishProjectEvent applies one solution-change notification.
func (a *AppServiceAdapter) PublishProjectEvent(ctx context.Context, in ProjectEvent) error {
	if err := a.ready(); err != nil {
		return err
	}
	event := domain.ProjectEvent{
		Kind: domain.ProjectEventKind(in.Kind),
		Project: domain.ProjectContextInfo{
			ID:                       domain.ProjectID(in.Project.ID),
			Name:                     in.Project.Name,
			Style:                    domain.ProjectStyle(in.Project.Style),
			TargetFrameworks:         in.Project.TargetFrameworks,
			SupportsPackageReference: in.Project.SupportsPackageReference,
			Metadata:                 in.Project.Metadata,
		},
	}
	if err := a.service.PublishProjectEvent(ctx, event); err != nil {
		return mapAppError("publish project event", err)
	}
	return nil
}

// ready reports whether the adapter has a backing service.
func (a *AppServiceAdapter) ready() error {
	if a == nil || a.service == nil {
		return fmt.Errorf("app service adapter is not configured: %w", ErrServiceUnavailable)
	}
	return nil
}

// mapAppError prefixes the failing operation while keeping every sentinel reachable.
func mapAppError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if Classify(err) == CodeUnexpected && !errors.Is(err, app.ErrUnexpected) {
		return fmt.Errorf("%s: %w", operation, errors.Join(app.ErrUnexpected, err))
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// parsePolicy converts wire constraint names and behavior into domain values.
// An empty behavior is left empty so the planner default applies.
func parsePolicy(names []string, behavior string) (domain.VersionConstraints, domain.DependencyBehavior, error) {
	constraints, err := domain.ParseVersionConstraints(names)
	if err != nil {
		return 0, "", err
	}
	if strings.TrimSpace(behavior) == "" {
		return constraints, "", nil
	}
	parsed, err := domain.ParseDependencyBehavior(behavior, "")
	if err != nil {
		return 0, "", err
	}
	return constraints, parsed, nil
}

// normalizeMetadataRequest validates metadata lookups.
func normalizeMetadataRequest(in MetadataRequest) (MetadataRequest, error) {
	id, err := requireProjectID(in.ProjectID)
	if err != nil {
		return MetadataRequest{}, err
	}
	key := strings.TrimSpace(in.Key)
	if key == "" {
		return MetadataRequest{}, fmt.Errorf("key is required: %w", ErrInvalidRequest)
	}
	return MetadataRequest{ProjectID: id.String(), Key: key}, nil
}

// requireProjectID validates one project id.
func requireProjectID(raw string) (domain.ProjectID, error) {
	id := domain.NormalizeProjectID(domain.ProjectID(raw))
	if id == "" {
		return "", fmt.Errorf("project_id is required: %w", ErrInvalidRequest)
	}
	return id, nil
}

func toProjectIDs(raw []string) []domain.ProjectID {
	out := make([]domain.ProjectID, 0, len(raw))
	for _, id := range raw {
		if normalized := domain.NormalizeProjectID(domain.ProjectID(id)); normalized != "" {
			out = append(out, normalized)
		}
	}
	return out
}

func toProject(p domain.ProjectContextInfo) Project {
	return Project{
		ID:                       p.ID.String(),
		Name:                     p.Name,
		Style:                    string(p.Style),
		TargetFrameworks:         append([]string{}, p.TargetFrameworks...),
		SupportsPackageReference: p.SupportsPackageReference,
		Upgradeable:              p.Upgradeable(),
		Metadata:                 p.Metadata,
	}
}

func toProjects(projects []domain.ProjectContextInfo) []Project {
	out := make([]Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProject(p))
	}
	return out
}

func toPackageIdentity(p domain.PackageIdentity) PackageIdentity {
	return PackageIdentity{ID: p.ID, Version: p.Version}
}

// toDependencies keeps nil distinct from empty: a nil list on an update means "keep the installed edges".
func toDependencies(deps []domain.PackageDependency) []Dependency {
	if deps == nil {
		return nil
	}
	out := make([]Dependency, 0, len(deps))
	for _, dep := range deps {
		out = append(out, Dependency{ID: dep.ID, Range: dep.Range})
	}
	return out
}

func toAction(a domain.ProjectAction) Action {
	return Action{
		ProjectID:       a.ProjectID.String(),
		Type:            string(a.Type),
		Package:         toPackageIdentity(a.Package),
		PreviousVersion: a.PreviousVersion,
		Dependencies:    toDependencies(a.Dependencies),
		AutoReferenced:  a.AutoReferenced,
		RequestedRange:  a.RequestedRange,
	}
}

func toActions(actions []domain.ProjectAction) []Action {
	out := make([]Action, 0, len(actions))
	for _, action := range actions {
		out = append(out, toAction(action))
	}
	return out
}

// fromActions validates client-supplied plan entries.
func fromActions(in []Action) ([]domain.ProjectAction, error) {
	out := make([]domain.ProjectAction, 0, len(in))
	for i, action := range in {
		deps := make([]domain.PackageDependency, 0, len(action.Dependencies))
		for _, dep := range action.Dependencies {
			deps = append(deps, domain.PackageDependency{ID: dep.ID, Range: dep.Range})
		}
		parsed, err := domain.NewProjectAction(domain.ProjectActionInput{
			ProjectID:       domain.ProjectID(action.ProjectID),
			Type:            domain.ActionType(action.Type),
			PackageID:       action.Package.ID,
			Version:         action.Package.Version,
			PreviousVersion: action.PreviousVersion,
			Dependencies:    deps,
			AutoReferenced:  action.AutoReferenced,
			RequestedRange:  action.RequestedRange,
		})
		if err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, errors.Join(ErrInvalidRequest, err))
		}
		if action.Dependencies == nil {
			parsed.Dependencies = nil
		}
		out = append(out, parsed)
	}
	return out, nil
}

func toSession(s domain.OperationSession) Session {
	return Session{ID: s.ID, StartedAt: s.StartedAt}
}

func toExecutionResult(r app.ExecutionResult) ExecutionResult {
	out := ExecutionResult{
		OperationID:  r.OperationID,
		Applied:      toActions(r.Applied),
		NotAttempted: toActions(r.NotAttempted),
		Cancelled:    r.Cancelled,
	}
	if r.Failed != nil {
		msg := ""
		if r.Failed.Err != nil {
			msg = r.Failed.Err.Error()
		}
		out.Failed = &FailedAction{Index: r.Failed.Index, Action: toAction(r.Failed.Action), Error: msg}
	}
	return out
}
