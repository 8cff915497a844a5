package app

import (
	"context"
	"strings"

	"github.com/evanschultz/pkgctl/internal/domain"
)

// Caller carries normalized caller identity metadata for journal attribution.
type Caller struct {
	ID   string
	Type domain.ActorType
}

// WithCaller attaches normalized caller metadata to context.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	caller = normalizeCaller(caller)
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext returns normalized caller metadata when present.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	raw := ctx.Value(callerContextKey{})
	caller, ok := raw.(Caller)
	if !ok {
		return Caller{}, false
	}
	caller = normalizeCaller(caller)
	if caller.ID == "" {
		return Caller{}, false
	}
	return caller, true
}

// callerContextKey stores context keys for caller metadata.
type callerContextKey struct{}

// normalizeCaller trims and canonicalizes caller metadata.
func normalizeCaller(caller Caller) Caller {
	caller.ID = strings.TrimSpace(caller.ID)
	caller.Type = domain.NormalizeActorType(caller.Type)
	return caller
}
