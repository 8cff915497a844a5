package app

import (
	"context"

	"github.com/evanschultz/pkgctl/internal/domain"
)

// ProjectStore persists the project snapshot behind the directory.
type ProjectStore interface {
	ListProjects(context.Context) ([]domain.ProjectContextInfo, error)
	UpsertProject(context.Context, domain.ProjectContextInfo) error
	DeleteProject(context.Context, domain.ProjectID) error
}

// PackageReader reads installed package state for one project.
type PackageReader interface {
	ListInstalledPackages(context.Context, domain.ProjectID) ([]domain.InstalledPackageReference, error)
}

// ProjectSystem applies primitive actions to project state.
// ApplyAction mutates installed state and appends the applied journal record atomically.
type ProjectSystem interface {
	ApplyAction(context.Context, domain.ActionRecord) error
	RecordActionFailure(context.Context, domain.ActionRecord) error
	ConvertToPackageReference(context.Context, domain.ProjectContextInfo, []domain.InstalledPackageReference) error
}

// ActionJournal reads executed-action history.
type ActionJournal interface {
	ListActionRecords(context.Context, domain.ProjectID, int) ([]domain.ActionRecord, error)
}

// Repository represents repository data used by this package.
type Repository interface {
	ProjectStore
	PackageReader
	ProjectSystem
	ActionJournal
}

// ResolveMode selects how the resolver treats requested targets.
type ResolveMode string

// ResolveMode values.
const (
	ResolveModeInstall ResolveMode = "install"
	ResolveModeUpdate  ResolveMode = "update"
)

// ResolveRequest carries everything the resolver needs to choose versions for one project.
type ResolveRequest struct {
	Mode               ResolveMode
	Project            domain.ProjectContextInfo
	Installed          []domain.InstalledPackageReference
	Targets            []domain.PackageIdentity
	Constraints        domain.VersionConstraints
	IncludePrerelease  bool
	DependencyBehavior domain.DependencyBehavior
	Sources            []string
}

// Resolver turns one resolve request into an ordered, dependency-consistent action list.
// Failures to satisfy constraints wrap ErrUnresolvableConstraints.
type Resolver interface {
	ResolveActions(context.Context, ResolveRequest) ([]domain.ProjectAction, error)
}

// Logger receives structured key/value log records.
type Logger interface {
	Debug(msg any, keyvals ...any)
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

// Observer receives operational measurements.
type Observer interface {
	PlanBuilt(intent string, actions int, err error)
	ActionApplied(actionType domain.ActionType, err error)
	OperationWaited(seconds float64, err error)
	OperationActive(active bool)
}

// nopLogger discards every record.
type nopLogger struct{}

func (nopLogger) Debug(any, ...any) {}
func (nopLogger) Info(any, ...any) {}
func (nopLogger) Warn(any, ...any) {}
func (nopLogger) Error(any, ...any) {}

// nopObserver discards every measurement.
type nopObserver struct{}

func (nopObserver) PlanBuilt(string, int, error) {}
func (nopObserver) ActionApplied(domain.ActionType, error) {}
func (nopObserver) OperationWaited(float64, error) {}
func (nopObserver) OperationActive(bool) {}
