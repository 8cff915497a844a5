// Package solution reads the YAML solution manifest that seeds the project directory at startup.
package solution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/evanschultz/pkgctl/internal/app"
	"github.com/evanschultz/pkgctl/internal/domain"
)

// Manifest describes the projects of one solution.
type Manifest struct {
	Name     string            `yaml:"name"`
	Projects []ProjectManifest `yaml:"projects"`
}

// ProjectManifest describes one project entry.
type ProjectManifest struct {
	ID                       string            `yaml:"id"`
	Name                     string            `yaml:"name"`
	Style                    string            `yaml:"style"`
	TargetFrameworks         []string          `yaml:"target_frameworks"`
	SupportsPackageReference bool              `yaml:"supports_package_reference"`
	Metadata                 map[string]string `yaml:"metadata"`
}

// Watcher consumes a project event source until it closes.
type Watcher interface {
	WatchProjectEvents(context.Context, <-chan app.ProjectEventDelivery) error
}

// Load reads a manifest file. A missing file yields an empty manifest.
func Load(path string) (Manifest, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Manifest{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, nil
		}
		return Manifest{}, fmt.Errorf("read solution manifest %q: %w", path, err)
	}
	manifest, err := Parse(content)
	if err != nil {
		return Manifest{}, fmt.Errorf("solution manifest %q: %w", path, err)
	}
	return manifest, nil
}

// Parse decodes manifest YAML.
func Parse(content []byte) (Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(content, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode solution manifest: %w", err)
	}
	return manifest, nil
}

// Events converts manifest entries into validated "added" events.
func (m Manifest) Events() ([]domain.ProjectEvent, error) {
	events := make([]domain.ProjectEvent, 0, len(m.Projects))
	seen := map[domain.ProjectID]struct{}{}
	for i, entry := range m.Projects {
		project, err := domain.NewProjectContextInfo(domain.ProjectContextInput{
			ID:                       domain.ProjectID(entry.ID),
			Name:                     entry.Name,
			Style:                    domain.ProjectStyle(entry.Style),
			TargetFrameworks:         entry.TargetFrameworks,
			SupportsPackageReference: entry.SupportsPackageReference,
			Metadata:                 entry.Metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("project %d (%q): %w", i, entry.ID, err)
		}
		if _, ok := seen[project.ID]; ok {
			return nil, fmt.Errorf("project %d: duplicate id %q: %w", i, project.ID, domain.ErrInvalidID)
		}
		seen[project.ID] = struct{}{}
		events = append(events, domain.ProjectEvent{Kind: domain.ProjectEventAdded, Project: project})
	}
	return events, nil
}

// Seed delivers every manifest project and returns the number applied.
func Seed(ctx context.Context, watcher Watcher, manifest Manifest) (int, error) {
	return SeedNew(ctx, watcher, nil, manifest)
}

// SeedNew delivers manifest projects that known does not report, so state changed since the
// last start (an upgraded reference style, for one) survives a restart. A nil known delivers all.
// Each event waits for its acknowledgement and the first rejected event stops the seed.
func SeedNew(ctx context.Context, watcher Watcher, known func(domain.ProjectID) bool, manifest Manifest) (int, error) {
	events, err := manifest.Events()
	if err != nil {
		return 0, err
	}

	deliveries := make(chan app.ProjectEventDelivery)
	var (
		applied int
		seedErr error
	)
	go func() {
		defer close(deliveries)
		for _, event := range events {
			if known != nil && known(event.Project.ID) {
				continue
			}
			acked := make(chan error, 1)
			delivery := app.ProjectEventDelivery{Event: event, Ack: func(err error) { acked <- err }}
			select {
			case deliveries <- delivery:
			case <-ctx.Done():
				return
			}
			if err := <-acked; err != nil {
				seedErr = fmt.Errorf("seed project %q: %w", event.Project.ID, err)
				return
			}
			applied++
		}
	}()

	err = watcher.WatchProjectEvents(ctx, deliveries)
	for delivery := range deliveries {
		delivery.Ack(errWatcherStopped)
	}
	if err != nil {
		return applied, err
	}
	return applied, seedErr
}

// errWatcherStopped rejects events the watcher returned without consuming.
var errWatcherStopped = errors.New("project event watcher stopped")
