package common

import (
	"context"
	"errors"

	"github.com/evanschultz/pkgctl/internal/app"
	"github.com/evanschultz/pkgctl/internal/domain"
)

// ErrorCode is one stable wire error identifier shared by every transport.
type ErrorCode string

// ErrorCode values.
const (
	CodeProjectNotFound         ErrorCode = "project_not_found"
	CodePackageNotInstalled     ErrorCode = "package_not_installed"
	CodeUnresolvableConstraints ErrorCode = "unresolvable_constraints"
	CodeConflict                ErrorCode = "conflict"
	CodeOperationInProgress     ErrorCode = "operation_in_progress"
	CodeOperationTimeout        ErrorCode = "operation_timeout"
	CodeNoActiveOperation       ErrorCode = "no_active_operation"
	CodeCancelled               ErrorCode = "cancelled"
	CodeNotFound                ErrorCode = "not_found"
	CodeInvalidRequest          ErrorCode = "invalid_request"
	CodeUnexpected              ErrorCode = "unexpected"
)

// ErrInvalidRequest reports malformed transport input.
var ErrInvalidRequest = errors.New("invalid request")

// ErrServiceUnavailable reports a transport built without a backing service.
var ErrServiceUnavailable = errors.New("service unavailable")

// Classify maps an error onto the wire vocabulary. Order matters: a wait timeout also
// wraps ErrOperationInProgress, and action failures carry their cause.
func Classify(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, app.ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	case errors.Is(err, app.ErrOperationTimeout):
		return CodeOperationTimeout
	case errors.Is(err, app.ErrOperationInProgress):
		return CodeOperationInProgress
	case errors.Is(err, app.ErrNoActiveOperation):
		return CodeNoActiveOperation
	case errors.Is(err, app.ErrProjectNotFound):
		return CodeProjectNotFound
	case errors.Is(err, app.ErrPackageNotInstalled):
		return CodePackageNotInstalled
	case errors.Is(err, app.ErrUnresolvableConstraints):
		return CodeUnresolvableConstraints
	case errors.Is(err, app.ErrConflict):
		return CodeConflict
	case errors.Is(err, app.ErrNotFound), errors.Is(err, app.ErrMetadataNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, app.ErrInvalidRequest),
		errors.Is(err, app.ErrNotUpgradeable),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidName),
		errors.Is(err, domain.ErrInvalidPackageID),
		errors.Is(err, domain.ErrInvalidVersion),
		errors.Is(err, domain.ErrInvalidVersionRange),
		errors.Is(err, domain.ErrInvalidProjectStyle),
		errors.Is(err, domain.ErrInvalidActionType),
		errors.Is(err, domain.ErrInvalidDependencyBehavior),
		errors.Is(err, domain.ErrInvalidVersionConstraint),
		errors.Is(err, domain.ErrInvalidEventKind):
		return CodeInvalidRequest
	default:
		return CodeUnexpected
	}
}

// ErrorContext extracts structured details: conflict dependents and the failing action index.
func ErrorContext(err error) map[string]any {
	if err == nil {
		return nil
	}
	out := map[string]any{}
	var conflict *app.ConflictError
	if errors.As(err, &conflict) {
		dependents := make([]PackageIdentity, 0, len(conflict.Dependents))
		for _, dep := range conflict.Dependents {
			dependents = append(dependents, toPackageIdentity(dep))
		}
		out["project_id"] = conflict.ProjectID.String()
		out["package"] = toPackageIdentity(conflict.Package)
		out["dependents"] = dependents
	}
	var actionErr *app.ActionError
	if errors.As(err, &actionErr) {
		out["action_index"] = actionErr.Index
		out["action"] = toAction(actionErr.Action)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Hint returns a short remediation hint for codes that have one.
func Hint(code ErrorCode) string {
	switch code {
	case CodeConflict:
		return "Retry with force_remove or remove the dependents first."
	case CodeNoActiveOperation:
		return "Call BeginOperation before ExecuteActions."
	case CodeOperationInProgress, CodeOperationTimeout:
		return "Another caller holds the operation session; retry after it calls EndOperation."
	default:
		return ""
	}
}
