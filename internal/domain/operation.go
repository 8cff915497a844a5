package domain

import (
	"strings"
	"time"
)

// OperationSession is one exclusive bracket of mutating work.
type OperationSession struct {
	ID        string
	StartedAt time.Time
}

// NewOperationSession validates one session value.
func NewOperationSession(id string, startedAt time.Time) (OperationSession, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return OperationSession{}, ErrInvalidID
	}
	return OperationSession{ID: id, StartedAt: startedAt.UTC()}, nil
}
