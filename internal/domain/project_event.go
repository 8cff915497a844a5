package domain

import (
	"slices"
	"strings"
)

// ProjectEventKind describes one solution-change notification.
type ProjectEventKind string

// ProjectEventKind values emitted by the solution host.
const (
	ProjectEventAdded              ProjectEventKind = "added"
	ProjectEventRemoved            ProjectEventKind = "removed"
	ProjectEventRenamed            ProjectEventKind = "renamed"
	ProjectEventUpdated            ProjectEventKind = "updated"
	ProjectEventRenamedAfterCommit ProjectEventKind = "renamed_after_commit"
)

// validProjectEventKinds stores supported event kinds.
var validProjectEventKinds = []ProjectEventKind{
	ProjectEventAdded,
	ProjectEventRemoved,
	ProjectEventRenamed,
	ProjectEventUpdated,
	ProjectEventRenamedAfterCommit,
}

// ProjectEvent carries one solution-change notification and the affected project descriptor.
type ProjectEvent struct {
	Kind    ProjectEventKind
	Project ProjectContextInfo
}

// NormalizeProjectEventKind canonicalizes one event kind.
func NormalizeProjectEventKind(kind ProjectEventKind) ProjectEventKind {
	return ProjectEventKind(strings.TrimSpace(strings.ToLower(string(kind))))
}

// IsValidProjectEventKind reports whether the event kind is supported.
func IsValidProjectEventKind(kind ProjectEventKind) bool {
	return slices.Contains(validProjectEventKinds, NormalizeProjectEventKind(kind))
}

// RemovesProject reports whether the event drops the project from the snapshot.
func (e ProjectEvent) RemovesProject() bool {
	return NormalizeProjectEventKind(e.Kind) == ProjectEventRemoved
}
