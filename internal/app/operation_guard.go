package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/evanschultz/pkgctl/internal/domain"
)

// WaitPolicy selects what Begin does while another operation is active.
type WaitPolicy string

// WaitPolicy values.
const (
	WaitPolicyBlock WaitPolicy = "block"
	WaitPolicyFail  WaitPolicy = "fail"
)

// ParseWaitPolicy canonicalizes one wait policy, defaulting empty values to block.
func ParseWaitPolicy(raw string) (WaitPolicy, error) {
	policy := WaitPolicy(strings.TrimSpace(strings.ToLower(raw)))
	switch policy {
	case "":
		return WaitPolicyBlock, nil
	case WaitPolicyBlock, WaitPolicyFail:
		return policy, nil
	default:
		return "", fmt.Errorf("%w: unsupported wait policy %q", ErrInvalidRequest, raw)
	}
}

// OperationGuardConfig holds configuration for the operation guard.
type OperationGuardConfig struct {
	WaitPolicy  WaitPolicy
	WaitTimeout time.Duration
}

// OperationGuard serializes operation sessions. Waiters are served in arrival order.
type OperationGuard struct {
	mu       sync.Mutex
	active   *domain.OperationSession
	waiters  []*operationWaiter
	idGen    IDGenerator
	clock    Clock
	policy   WaitPolicy
	timeout  time.Duration
	logger   Logger
	observer Observer
}

// operationWaiter receives the session handed over by End.
type operationWaiter struct {
	ready chan domain.OperationSession
}

// NewOperationGuard constructs an idle guard.
func NewOperationGuard(idGen IDGenerator, clock Clock, cfg OperationGuardConfig) *OperationGuard {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.WaitPolicy == "" {
		cfg.WaitPolicy = WaitPolicyBlock
	}
	return &OperationGuard{
		idGen:    idGen,
		clock:    clock,
		policy:   cfg.WaitPolicy,
		timeout:  max(cfg.WaitTimeout, 0),
		logger:   nopLogger{},
		observer: nopObserver{},
	}
}

// Begin starts a session, waiting in FIFO order while another session is active.
func (g *OperationGuard) Begin(ctx context.Context) (domain.OperationSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.OperationSession{}, cancelled(err)
	}
	startedWaiting := g.clock()

	g.mu.Lock()
	if g.active == nil {
		session := g.activateLocked()
		g.mu.Unlock()
		g.observer.OperationWaited(0, nil)
		return session, nil
	}
	if g.policy == WaitPolicyFail {
		activeID := g.active.ID
		g.mu.Unlock()
		g.observer.OperationWaited(0, ErrOperationInProgress)
		return domain.OperationSession{}, fmt.Errorf("%w: session %s is active", ErrOperationInProgress, activeID)
	}
	waiter := &operationWaiter{ready: make(chan domain.OperationSession, 1)}
	g.waiters = append(g.waiters, waiter)
	position := len(g.waiters)
	g.mu.Unlock()

	g.logger.Debug("waiting for operation session", "queue_position", position)

	var timeout <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case session := <-waiter.ready:
		g.observer.OperationWaited(g.clock().Sub(startedWaiting).Seconds(), nil)
		return session, nil
	case <-ctx.Done():
		err := cancelled(ctx.Err())
		g.abandon(waiter)
		g.observer.OperationWaited(g.clock().Sub(startedWaiting).Seconds(), err)
		return domain.OperationSession{}, err
	case <-timeout:
		err := fmt.Errorf("%w after %s: %w", ErrOperationTimeout, g.timeout, ErrOperationInProgress)
		g.abandon(waiter)
		g.observer.OperationWaited(g.clock().Sub(startedWaiting).Seconds(), err)
		return domain.OperationSession{}, err
	}
}

// End finishes the active session and hands over to the first waiter. It is a no-op while idle.
func (g *OperationGuard) End() (domain.OperationSession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return domain.OperationSession{}, false
	}
	ended := *g.active
	g.handOffLocked()
	return ended, true
}

// Active reports the current session, if any.
func (g *OperationGuard) Active() (domain.OperationSession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return domain.OperationSession{}, false
	}
	return *g.active, true
}

// Waiting reports how many callers are queued behind the active session.
func (g *OperationGuard) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// abandon removes a waiter that gave up. A session already handed to it is released.
func (g *OperationGuard) abandon(waiter *operationWaiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if idx := slices.Index(g.waiters, waiter); idx >= 0 {
		g.waiters = slices.Delete(g.waiters, idx, idx+1)
		return
	}
	select {
	case session := <-waiter.ready:
		if g.active != nil && g.active.ID == session.ID {
			g.logger.Debug("releasing abandoned operation session", "operation_id", session.ID)
			g.handOffLocked()
		}
	default:
	}
}

// activateLocked creates and installs a new active session.
func (g *OperationGuard) activateLocked() domain.OperationSession {
	session := domain.OperationSession{ID: g.idGen(), StartedAt: g.clock().UTC()}
	g.active = &session
	g.observer.OperationActive(true)
	g.logger.Info("operation session started", "operation_id", session.ID)
	return session
}

// handOffLocked passes the active slot to the oldest waiter or returns to idle.
func (g *OperationGuard) handOffLocked() {
	if g.active != nil {
		g.logger.Info("operation session ended", "operation_id", g.active.ID)
	}
	if len(g.waiters) == 0 {
		g.active = nil
		g.observer.OperationActive(false)
		return
	}
	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	next.ready <- g.activateLocked()
}
