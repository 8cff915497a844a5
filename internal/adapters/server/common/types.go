// Package common provides transport-agnostic server contracts used by the REST, JSON-RPC and MCP adapters.
package common

import (
	"context"
	"net/http"
	"time"
)

// Project is the wire form of one project descriptor.
type Project struct {
	ID                       string            `json:"id"`
	Name                     string            `json:"name"`
	Style                    string            `json:"style"`
	TargetFrameworks         []string          `json:"target_frameworks"`
	SupportsPackageReference bool              `json:"supports_package_reference"`
	Upgradeable              bool              `json:"upgradeable"`
	Metadata                 map[string]string `json:"metadata,omitempty"`
}

// PackageIdentity is the wire form of one package id plus optional version.
type PackageIdentity struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// Dependency is one declared dependency edge.
type Dependency struct {
	ID    string `json:"id"`
	Range string `json:"range,omitempty"`
}

// InstalledPackage describes one package installed in one project.
type InstalledPackage struct {
	ProjectID      string          `json:"project_id"`
	Package        PackageIdentity `json:"package"`
	AutoReferenced bool            `json:"auto_referenced"`
	RequestedRange string          `json:"requested_range,omitempty"`
	Dependencies   []Dependency    `json:"dependencies,omitempty"`
	InstalledAt    time.Time       `json:"installed_at"`
}

// Action is one primitive planned action. Clients send plans back unchanged to execute them.
type Action struct {
	ProjectID       string          `json:"project_id"`
	Type            string          `json:"type"`
	Package         PackageIdentity `json:"package"`
	PreviousVersion string          `json:"previous_version,omitempty"`
	Dependencies    []Dependency    `json:"dependencies"`
	AutoReferenced  bool            `json:"auto_referenced,omitempty"`
	RequestedRange  string          `json:"requested_range,omitempty"`
}

// Plan wraps an ordered action list.
type Plan struct {
	Actions []Action `json:"actions"`
}

// Session describes one operation session.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// EndResult reports whether EndOperation closed a session.
type EndResult struct {
	Ended   bool     `json:"ended"`
	Session *Session `json:"session,omitempty"`
}

// FailedAction names the action that stopped an execution.
type FailedAction struct {
	Index  int    `json:"index"`
	Action Action `json:"action"`
	Error  string `json:"error"`
}

// ExecutionResult reports applied, failed and skipped actions.
type ExecutionResult struct {
	OperationID  string        `json:"operation_id"`
	Applied      []Action      `json:"applied"`
	Failed       *FailedAction `json:"failed,omitempty"`
	NotAttempted []Action      `json:"not_attempted,omitempty"`
	Cancelled    bool          `json:"cancelled,omitempty"`
}

// JournalRecord is one executed action as recorded in the journal.
type JournalRecord struct {
	ID          string    `json:"id"`
	OperationID string    `json:"operation_id"`
	Sequence    int       `json:"sequence"`
	Action      Action    `json:"action"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	ActorType   string    `json:"actor_type,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Metadata is one metadata lookup result.
type Metadata struct {
	ProjectID string `json:"project_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Found     bool   `json:"found"`
}

// ProjectEvent is one solution-change notification.
type ProjectEvent struct {
	Kind    string  `json:"kind"`
	Project Project `json:"project"`
}

// ProjectIDsRequest selects projects; empty selects all where the operation allows it.
type ProjectIDsRequest struct {
	ProjectIDs []string `json:"project_ids,omitempty"`
}

// MetadataRequest looks up one metadata key.
type MetadataRequest struct {
	ProjectID string `json:"project_id"`
	Key       string `json:"key"`
}

// InstallActionsRequest plans one install.
type InstallActionsRequest struct {
	ProjectID          string          `json:"project_id"`
	Package            PackageIdentity `json:"package"`
	VersionConstraints []string        `json:"version_constraints,omitempty"`
	IncludePrerelease  bool            `json:"include_prerelease,omitempty"`
	DependencyBehavior string          `json:"dependency_behavior,omitempty"`
	Sources            []string        `json:"package_source_names,omitempty"`
	Reinstall          bool            `json:"reinstall,omitempty"`
}

// UninstallActionsRequest plans one uninstall.
type UninstallActionsRequest struct {
	ProjectID          string `json:"project_id"`
	PackageID          string `json:"package_id"`
	RemoveDependencies bool   `json:"remove_dependencies,omitempty"`
	ForceRemove        bool   `json:"force_remove,omitempty"`
}

// UpdateActionsRequest plans updates across projects.
type UpdateActionsRequest struct {
	ProjectIDs         []string          `json:"project_ids"`
	Packages           []PackageIdentity `json:"packages,omitempty"`
	VersionConstraints []string          `json:"version_constraints,omitempty"`
	IncludePrerelease  bool              `json:"include_prerelease,omitempty"`
	DependencyBehavior string            `json:"dependency_behavior,omitempty"`
	Sources            []string          `json:"package_source_names,omitempty"`
}

// ActionsRequest carries a plan for execution or rollback.
type ActionsRequest struct {
	Actions []Action `json:"actions"`
}

// JournalRequest filters journal reads.
type JournalRequest struct {
	ProjectID string `json:"project_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Caller identifies who is calling, for journal attribution.
type Caller struct {
	ID   string
	Type string
}

// PackageService is the surface every transport exposes.
type PackageService interface {
	GetInstalledPackages(context.Context, ProjectIDsRequest) ([]InstalledPackage, error)
	GetMetadata(context.Context, MetadataRequest) (Metadata, error)
	TryGetMetadata(context.Context, MetadataRequest) (Metadata, error)
	GetProject(context.Context, string) (Project, error)
	GetProjects(context.Context) ([]Project, error)
	IsProjectUpgradeable(context.Context, string) (bool, error)
	GetUpgradeableProjects(context.Context, ProjectIDsRequest) ([]Project, error)
	UpgradeProjectToPackageReference(context.Context, string) (Project, error)
	BeginOperation(context.Context) (Session, error)
	EndOperation(context.Context) (EndResult, error)
	ExecuteActions(context.Context, ActionsRequest) (ExecutionResult, error)
	GetInstallActions(context.Context, InstallActionsRequest) (Plan, error)
	GetUninstallActions(context.Context, UninstallActionsRequest) (Plan, error)
	GetUpdateActions(context.Context, UpdateActionsRequest) (Plan, error)
	GetRollbackActions(context.Context, ActionsRequest) (Plan, error)
	ListActionJournal(context.Context, JournalRequest) ([]JournalRecord, error)
	PublishProjectEvent(context.Context, ProjectEvent) error
}

// Caller attribution headers accepted by every HTTP transport.
const (
	HeaderCallerID   = "X-Pkgctl-Caller-Id"
	HeaderCallerType = "X-Pkgctl-Caller-Type"
)

// CallerFromHeaders reads caller identity from request headers.
func CallerFromHeaders(h http.Header) Caller {
	return Caller{ID: h.Get(HeaderCallerID), Type: h.Get(HeaderCallerType)}
}
