package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evanschultz/pkgctl/internal/domain"
)

// FailedAction describes the action that stopped an execution.
type FailedAction struct {
	Index  int
	Action domain.ProjectAction
	Err    error
}

// ExecutionResult reports what an execution applied. Applied is always a prefix of the plan.
type ExecutionResult struct {
	OperationID  string
	Applied      []domain.ProjectAction
	Failed       *FailedAction
	NotAttempted []domain.ProjectAction
	Cancelled    bool
}

// ActionExecutor applies plans in order under the active operation session.
type ActionExecutor struct {
	mu        sync.Mutex
	guard     *OperationGuard
	directory *ProjectDirectory
	system    ProjectSystem
	idGen     IDGenerator
	clock     Clock
	logger    Logger
	observer  Observer
}

// NewActionExecutor constructs an executor.
func NewActionExecutor(guard *OperationGuard, directory *ProjectDirectory, system ProjectSystem, idGen IDGenerator, clock Clock) *ActionExecutor {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	return &ActionExecutor{
		guard:     guard,
		directory: directory,
		system:    system,
		idGen:     idGen,
		clock:     clock,
		logger:    nopLogger{},
		observer:  nopObserver{},
	}
}

// Execute applies actions in order and stops at the first failure. Cancellation is honored
// only between actions; no automatic rollback is attempted.
// The session is read under the executor lock, so End cannot interleave with a running batch.
func (e *ActionExecutor) Execute(ctx context.Context, actions []domain.ProjectAction) (ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, ok := e.guard.Active()
	if !ok {
		return ExecutionResult{}, ErrNoActiveOperation
	}
	result := ExecutionResult{
		OperationID: session.ID,
		Applied:     make([]domain.ProjectAction, 0, len(actions)),
	}
	for i, action := range actions {
		if _, err := e.directory.GetProject(action.ProjectID); err != nil {
			return result, fmt.Errorf("action %d: %w", i, err)
		}
	}

	caller, _ := CallerFromContext(ctx)
	applyCtx := context.WithoutCancel(ctx)
	for i, action := range actions {
		if err := ctx.Err(); err != nil {
			result.Cancelled = true
			result.NotAttempted = append([]domain.ProjectAction(nil), actions[i:]...)
			e.logger.Warn("execution cancelled", "operation_id", session.ID, "applied", len(result.Applied), "remaining", len(result.NotAttempted))
			return result, cancelled(err)
		}
		record := domain.ActionRecord{
			ID:          e.idGen(),
			OperationID: session.ID,
			Sequence:    i,
			Action:      action,
			Outcome:     domain.ActionOutcomeApplied,
			ActorID:     caller.ID,
			ActorType:   caller.Type,
			RecordedAt:  e.clock().UTC(),
		}
		if err := e.system.ApplyAction(applyCtx, record); err != nil {
			e.observer.ActionApplied(action.Type, err)
			record.Outcome = domain.ActionOutcomeFailed
			record.Error = err.Error()
			if journalErr := e.system.RecordActionFailure(applyCtx, record); journalErr != nil {
				e.logger.Error("record failed action", "operation_id", session.ID, "index", i, "err", journalErr)
			}
			result.Failed = &FailedAction{Index: i, Action: action, Err: err}
			result.NotAttempted = append([]domain.ProjectAction(nil), actions[i+1:]...)
			e.logger.Error("action failed", "operation_id", session.ID, "index", i, "action", action.String(), "err", err)
			return result, &ActionError{Index: i, Action: action, Err: err}
		}
		e.observer.ActionApplied(action.Type, nil)
		e.logger.Info("action applied", "operation_id", session.ID, "index", i, "action", action.String())
		result.Applied = append(result.Applied, action)
	}
	return result, nil
}

// EndOperation ends the active session once no batch is running.
func (e *ActionExecutor) EndOperation() (domain.OperationSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guard.End()
}

// exclusive runs fn while holding the executor lock.
func (e *ActionExecutor) exclusive(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}
