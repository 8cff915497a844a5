package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/evanschultz/pkgctl/internal/domain"
)

// ServiceConfig holds configuration for service.
type ServiceConfig struct {
	Operation OperationGuardConfig
	Planner   PlannerConfig
	Logger    Logger
	Observer  Observer
}

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// defaultJournalLimit caps journal reads when callers pass no limit.
const defaultJournalLimit = 100

// Service exposes one method per remote operation.
type Service struct {
	repo      Repository
	directory *ProjectDirectory
	guard     *OperationGuard
	planner   *ActionPlanner
	executor  *ActionExecutor
	logger    Logger
}

// NewService constructs a new value for this package.
func NewService(repo Repository, resolver Resolver, idGen IDGenerator, clock Clock, cfg ServiceConfig) *Service {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	directory := NewProjectDirectory(repo, logger)
	guard := NewOperationGuard(idGen, clock, cfg.Operation)
	guard.logger, guard.observer = logger, observer
	planner := NewActionPlanner(directory, repo, resolver, cfg.Planner)
	planner.logger, planner.observer = logger, observer
	executor := NewActionExecutor(guard, directory, repo, idGen, clock)
	executor.logger, executor.observer = logger, observer

	return &Service{
		repo:      repo,
		directory: directory,
		guard:     guard,
		planner:   planner,
		executor:  executor,
		logger:    logger,
	}
}

// Load populates the project directory from the repository.
func (s *Service) Load(ctx context.Context) error {
	return s.directory.Load(ctx)
}

// GetInstalledPackages lists installed packages for projects in caller order. Empty ids selects all.
func (s *Service) GetInstalledPackages(ctx context.Context, projectIDs []domain.ProjectID) ([]domain.InstalledPackageReference, error) {
	projects, err := s.directory.Resolve(projectIDs)
	if err != nil {
		return nil, err
	}
	out := make([]domain.InstalledPackageReference, 0)
	for _, project := range projects {
		refs, err := s.repo.ListInstalledPackages(ctx, project.ID)
		if err != nil {
			return nil, fmt.Errorf("list installed packages for %s: %w", project.ID, err)
		}
		out = append(out, refs...)
	}
	return out, nil
}

// GetMetadata returns one metadata value or ErrMetadataNotFound.
func (s *Service) GetMetadata(_ context.Context, projectID domain.ProjectID, key string) (string, error) {
	project, err := s.directory.GetProject(projectID)
	if err != nil {
		return "", err
	}
	value, ok := project.LookupMetadata(key)
	if !ok {
		return "", fmt.Errorf("%w: %q in project %s", ErrMetadataNotFound, strings.TrimSpace(key), project.ID)
	}
	return value, nil
}

// TryGetMetadata returns one metadata value and whether it exists.
func (s *Service) TryGetMetadata(_ context.Context, projectID domain.ProjectID, key string) (string, bool, error) {
	project, err := s.directory.GetProject(projectID)
	if err != nil {
		return "", false, err
	}
	value, ok := project.LookupMetadata(key)
	return value, ok, nil
}

// GetProject returns one project descriptor.
func (s *Service) GetProject(_ context.Context, projectID domain.ProjectID) (domain.ProjectContextInfo, error) {
	return s.directory.GetProject(projectID)
}

// GetProjects returns every project in the snapshot.
func (s *Service) GetProjects(_ context.Context) ([]domain.ProjectContextInfo, error) {
	return s.directory.ListProjects(), nil
}

// IsProjectUpgradeable reports whether one project can move to the package-reference style.
func (s *Service) IsProjectUpgradeable(_ context.Context, projectID domain.ProjectID) (bool, error) {
	project, err := s.directory.GetProject(projectID)
	if err != nil {
		return false, err
	}
	return project.Upgradeable(), nil
}

// GetUpgradeableProjects filters projects to the upgradeable ones. Empty ids selects all.
func (s *Service) GetUpgradeableProjects(_ context.Context, projectIDs []domain.ProjectID) ([]domain.ProjectContextInfo, error) {
	return s.directory.ListUpgradeable(projectIDs)
}

// UpgradeProjectToPackageReference converts one project to the package-reference style.
// Installed packages nothing else depends on become direct references; the rest become transitive.
func (s *Service) UpgradeProjectToPackageReference(ctx context.Context, projectID domain.ProjectID) (domain.ProjectContextInfo, error) {
	var upgraded domain.ProjectContextInfo
	err := s.executor.exclusive(func() error {
		project, err := s.directory.GetProject(projectID)
		if err != nil {
			return err
		}
		if !project.Upgradeable() {
			return fmt.Errorf("%w: %s has style %s", ErrNotUpgradeable, project.ID, project.Style)
		}
		installed, err := s.repo.ListInstalledPackages(ctx, project.ID)
		if err != nil {
			return fmt.Errorf("list installed packages for %s: %w", project.ID, err)
		}
		converted := make([]domain.InstalledPackageReference, 0, len(installed))
		for _, ref := range installed {
			ref.AutoReferenced = len(domain.Dependents(installed, ref.Package.ID)) > 0
			converted = append(converted, ref)
		}
		project.Style = domain.ProjectStylePackageReference
		project.SupportsPackageReference = true
		if err := s.repo.ConvertToPackageReference(ctx, project, converted); err != nil {
			return fmt.Errorf("convert project %s: %w", project.ID, err)
		}
		s.directory.put(project)
		upgraded = project
		return nil
	})
	if err != nil {
		return domain.ProjectContextInfo{}, err
	}
	s.logger.Info("project upgraded to package references", "project_id", upgraded.ID)
	return upgraded.Clone(), nil
}

// BeginOperation starts an operation session, waiting per the configured policy.
func (s *Service) BeginOperation(ctx context.Context) (domain.OperationSession, error) {
	return s.guard.Begin(ctx)
}

// EndOperation finishes the active session after any running execution. It reports false when
// no session was active.
func (s *Service) EndOperation(_ context.Context) (domain.OperationSession, bool) {
	return s.executor.EndOperation()
}

// ExecuteActions applies a plan under the active session.
func (s *Service) ExecuteActions(ctx context.Context, actions []domain.ProjectAction) (ExecutionResult, error) {
	return s.executor.Execute(ctx, actions)
}

// GetInstallActions plans one install.
func (s *Service) GetInstallActions(ctx context.Context, in InstallRequest) ([]domain.ProjectAction, error) {
	return s.planner.PlanInstall(ctx, in)
}

// GetUninstallActions plans one uninstall.
func (s *Service) GetUninstallActions(ctx context.Context, in UninstallRequest) ([]domain.ProjectAction, error) {
	return s.planner.PlanUninstall(ctx, in)
}

// GetUpdateActions plans updates across projects.
func (s *Service) GetUpdateActions(ctx context.Context, in UpdateRequest) ([]domain.ProjectAction, error) {
	return s.planner.PlanUpdate(ctx, in)
}

// GetRollbackActions plans the compensating actions for an applied prefix.
func (s *Service) GetRollbackActions(ctx context.Context, applied []domain.ProjectAction) ([]domain.ProjectAction, error) {
	return s.planner.PlanRollback(ctx, applied)
}

// ListActionJournal returns executed actions newest first. An empty project id lists every project.
func (s *Service) ListActionJournal(ctx context.Context, projectID domain.ProjectID, limit int) ([]domain.ActionRecord, error) {
	projectID = domain.NormalizeProjectID(projectID)
	if projectID != "" {
		if _, err := s.directory.GetProject(projectID); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = defaultJournalLimit
	}
	return s.repo.ListActionRecords(ctx, projectID, limit)
}

// PublishProjectEvent applies one solution-change notification.
func (s *Service) PublishProjectEvent(ctx context.Context, event domain.ProjectEvent) error {
	return s.directory.Apply(ctx, event)
}

// WatchProjectEvents consumes an event source until it closes or ctx ends.
func (s *Service) WatchProjectEvents(ctx context.Context, deliveries <-chan ProjectEventDelivery) error {
	return s.directory.Watch(ctx, deliveries)
}
