package app

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/evanschultz/pkgctl/internal/domain"
)

// ProjectEventDelivery carries one event from an event source. Ack is called after the refresh.
type ProjectEventDelivery struct {
	Event domain.ProjectEvent
	Ack   func(error)
}

// ProjectDirectory holds the current solution snapshot.
type ProjectDirectory struct {
	mu       sync.RWMutex
	projects map[domain.ProjectID]domain.ProjectContextInfo
	store    ProjectStore
	logger   Logger
}

// NewProjectDirectory constructs an empty directory backed by store.
func NewProjectDirectory(store ProjectStore, logger Logger) *ProjectDirectory {
	if logger == nil {
		logger = nopLogger{}
	}
	return &ProjectDirectory{
		projects: map[domain.ProjectID]domain.ProjectContextInfo{},
		store:    store,
		logger:   logger,
	}
}

// Load replaces the snapshot with the persisted project set.
func (d *ProjectDirectory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	projects, err := d.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}
	next := make(map[domain.ProjectID]domain.ProjectContextInfo, len(projects))
	for _, project := range projects {
		next[project.ID] = project.Clone()
	}
	d.mu.Lock()
	d.projects = next
	d.mu.Unlock()
	d.logger.Debug("project snapshot loaded", "projects", len(next))
	return nil
}

// GetProject returns one project descriptor.
func (d *ProjectDirectory) GetProject(id domain.ProjectID) (domain.ProjectContextInfo, error) {
	id = domain.NormalizeProjectID(id)
	d.mu.RLock()
	defer d.mu.RUnlock()
	project, ok := d.projects[id]
	if !ok {
		return domain.ProjectContextInfo{}, projectNotFound(id)
	}
	return project.Clone(), nil
}

// ListProjects returns a copy of the snapshot ordered by name, then id.
func (d *ProjectDirectory) ListProjects() []domain.ProjectContextInfo {
	d.mu.RLock()
	out := make([]domain.ProjectContextInfo, 0, len(d.projects))
	for _, project := range d.projects {
		out = append(out, project.Clone())
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.ProjectContextInfo) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Resolve returns descriptors for ids in caller order. Empty ids selects every project.
func (d *ProjectDirectory) Resolve(ids []domain.ProjectID) ([]domain.ProjectContextInfo, error) {
	if len(ids) == 0 {
		return d.ListProjects(), nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.ProjectContextInfo, 0, len(ids))
	seen := make(map[domain.ProjectID]struct{}, len(ids))
	for _, id := range ids {
		id = domain.NormalizeProjectID(id)
		project, ok := d.projects[id]
		if !ok {
			return nil, projectNotFound(id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, project.Clone())
	}
	return out, nil
}

// ListUpgradeable filters ids to projects that can move to the package-reference style.
func (d *ProjectDirectory) ListUpgradeable(ids []domain.ProjectID) ([]domain.ProjectContextInfo, error) {
	projects, err := d.Resolve(ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ProjectContextInfo, 0, len(projects))
	for _, project := range projects {
		if project.Upgradeable() {
			out = append(out, project)
		}
	}
	return out, nil
}

// Apply persists one event and refreshes the snapshot before returning.
func (d *ProjectDirectory) Apply(ctx context.Context, event domain.ProjectEvent) error {
	kind := domain.NormalizeProjectEventKind(event.Kind)
	if !domain.IsValidProjectEventKind(kind) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidEventKind, event.Kind)
	}
	if event.RemovesProject() {
		id := domain.NormalizeProjectID(event.Project.ID)
		if id == "" {
			return domain.ErrInvalidID
		}
		if d.store != nil {
			if err := d.store.DeleteProject(ctx, id); err != nil {
				return fmt.Errorf("delete project %s: %w", id, err)
			}
		}
		d.mu.Lock()
		delete(d.projects, id)
		d.mu.Unlock()
		d.logger.Info("project removed", "project_id", id)
		return nil
	}

	project, err := domain.NewProjectContextInfo(domain.ProjectContextInput{
		ID:                       event.Project.ID,
		Name:                     event.Project.Name,
		Style:                    event.Project.Style,
		TargetFrameworks:         event.Project.TargetFrameworks,
		SupportsPackageReference: event.Project.SupportsPackageReference,
		Metadata:                 event.Project.Metadata,
	})
	if err != nil {
		return err
	}
	if d.store != nil {
		if err := d.store.UpsertProject(ctx, project); err != nil {
			return fmt.Errorf("store project %s: %w", project.ID, err)
		}
	}
	d.put(project)
	d.logger.Info("project refreshed", "project_id", project.ID, "event", kind)
	return nil
}

// Watch applies deliveries until the source closes or ctx ends.
func (d *ProjectDirectory) Watch(ctx context.Context, deliveries <-chan ProjectEventDelivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			err := d.Apply(ctx, delivery.Event)
			if err != nil {
				d.logger.Warn("project event rejected", "project_id", delivery.Event.Project.ID, "event", delivery.Event.Kind, "err", err)
			}
			if delivery.Ack != nil {
				delivery.Ack(err)
			}
		}
	}
}

// put stores one already-persisted descriptor in the snapshot.
func (d *ProjectDirectory) put(project domain.ProjectContextInfo) {
	d.mu.Lock()
	d.projects[project.ID] = project.Clone()
	d.mu.Unlock()
}
