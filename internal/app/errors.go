package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/evanschultz/pkgctl/internal/domain"
)

// ErrNotFound and related errors describe validation and runtime failures.
var (
	ErrNotFound                = errors.New("not found")
	ErrProjectNotFound         = errors.New("project not found")
	ErrPackageNotInstalled     = errors.New("package not installed")
	ErrUnresolvableConstraints = errors.New("unresolvable constraints")
	ErrConflict                = errors.New("conflict")
	ErrOperationInProgress     = errors.New("operation in progress")
	ErrOperationTimeout        = errors.New("operation wait timed out")
	ErrNoActiveOperation       = errors.New("no active operation")
	ErrCancelled               = errors.New("cancelled")
	ErrUnexpected              = errors.New("unexpected failure")
	ErrMetadataNotFound        = errors.New("metadata not found")
	ErrNotUpgradeable          = errors.New("project not upgradeable")
	ErrInvalidRequest          = errors.New("invalid request")
)

// ConflictError reports installed packages that still depend on a package being removed.
type ConflictError struct {
	ProjectID  domain.ProjectID
	Package    domain.PackageIdentity
	Dependents []domain.PackageIdentity
}

// Error renders the conflict with every dependent identity.
func (e *ConflictError) Error() string {
	names := make([]string, 0, len(e.Dependents))
	for _, dep := range e.Dependents {
		names = append(names, dep.String())
	}
	return fmt.Sprintf("%s: %s in project %s is required by %s", ErrConflict, e.Package, e.ProjectID, strings.Join(names, ", "))
}

// Unwrap exposes ErrConflict to errors.Is.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// ActionError reports the first action that failed during execution.
type ActionError struct {
	Index  int
	Action domain.ProjectAction
	Err    error
}

// Error renders the failed action and its cause.
func (e *ActionError) Error() string {
	return fmt.Sprintf("action %d (%s) failed: %v", e.Index, e.Action, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ActionError) Unwrap() error {
	return e.Err
}

// projectNotFound wraps ErrProjectNotFound with the offending id.
func projectNotFound(id domain.ProjectID) error {
	return fmt.Errorf("%w: %q", ErrProjectNotFound, id)
}

// cancelled wraps ErrCancelled together with the context cause.
func cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return errors.Join(ErrCancelled, cause)
}
