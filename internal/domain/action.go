package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ActionType identifies one primitive project mutation.
type ActionType string

// ActionType values.
const (
	ActionInstall   ActionType = "install"
	ActionUninstall ActionType = "uninstall"
	ActionUpdate    ActionType = "update"
)

// validActionTypes stores supported action types.
var validActionTypes = []ActionType{
	ActionInstall,
	ActionUninstall,
	ActionUpdate,
}

// NormalizeActionType canonicalizes one action type.
func NormalizeActionType(t ActionType) ActionType {
	return ActionType(strings.TrimSpace(strings.ToLower(string(t))))
}

// IsValidActionType reports whether the action type is supported.
func IsValidActionType(t ActionType) bool {
	return slices.Contains(validActionTypes, NormalizeActionType(t))
}

// ProjectAction is one primitive, fully specified step of a plan.
// PreviousVersion is the version replaced by an update or removed by an uninstall.
// RequestedRange is the range an install was asked for and is kept on the installed reference.
type ProjectAction struct {
	ProjectID       ProjectID
	Type            ActionType
	Package         PackageIdentity
	PreviousVersion string
	Dependencies    []PackageDependency
	AutoReferenced  bool
	RequestedRange  string
}

// ProjectActionInput holds values for constructing one validated action.
type ProjectActionInput struct {
	ProjectID       ProjectID
	Type            ActionType
	PackageID       string
	Version         string
	PreviousVersion string
	Dependencies    []PackageDependency
	AutoReferenced  bool
	RequestedRange  string
}

// NewProjectAction validates one action. Install and update actions must pin a version.
func NewProjectAction(in ProjectActionInput) (ProjectAction, error) {
	projectID := NormalizeProjectID(in.ProjectID)
	if projectID == "" {
		return ProjectAction{}, ErrInvalidID
	}
	actionType := NormalizeActionType(in.Type)
	if !IsValidActionType(actionType) {
		return ProjectAction{}, fmt.Errorf("%w: %q", ErrInvalidActionType, in.Type)
	}
	pkg, err := NewPackageIdentity(in.PackageID, in.Version)
	if err != nil {
		return ProjectAction{}, err
	}
	if actionType != ActionUninstall && !pkg.HasVersion() {
		return ProjectAction{}, fmt.Errorf("%w: %s action for %s requires a version", ErrInvalidVersion, actionType, pkg.ID)
	}
	deps := make([]PackageDependency, 0, len(in.Dependencies))
	for _, dep := range in.Dependencies {
		dep.ID = strings.TrimSpace(dep.ID)
		dep.Range = strings.TrimSpace(dep.Range)
		if dep.ID == "" {
			return ProjectAction{}, ErrInvalidPackageID
		}
		if _, err := ParseVersionRange(dep.Range); err != nil {
			return ProjectAction{}, err
		}
		deps = append(deps, dep)
	}
	requested := strings.TrimSpace(in.RequestedRange)
	if _, err := ParseVersionRange(requested); err != nil {
		return ProjectAction{}, err
	}
	return ProjectAction{
		ProjectID:       projectID,
		Type:            actionType,
		Package:         pkg,
		PreviousVersion: strings.TrimSpace(in.PreviousVersion),
		Dependencies:    deps,
		AutoReferenced:  in.AutoReferenced,
		RequestedRange:  requested,
	}, nil
}

// String renders a compact human-readable action label.
func (a ProjectAction) String() string {
	if a.Type == ActionUpdate && a.PreviousVersion != "" {
		return fmt.Sprintf("%s %s %s -> %s in %s", a.Type, a.Package.ID, a.PreviousVersion, a.Package.Version, a.ProjectID)
	}
	return fmt.Sprintf("%s %s in %s", a.Type, a.Package, a.ProjectID)
}

// ActionOutcome describes how the executor finished one action.
type ActionOutcome string

// ActionOutcome values.
const (
	ActionOutcomeApplied ActionOutcome = "applied"
	ActionOutcomeFailed  ActionOutcome = "failed"
)

// ActionRecord is one journal row for an executed action.
type ActionRecord struct {
	ID          string
	OperationID string
	Sequence    int
	Action      ProjectAction
	Outcome     ActionOutcome
	Error       string
	ActorID     string
	ActorType   ActorType
	RecordedAt  time.Time
}
