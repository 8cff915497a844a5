package solution

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/evanschultz/pkgctl/internal/adapters/storage/sqlite"
	"github.com/evanschultz/pkgctl/internal/app"
	"github.com/evanschultz/pkgctl/internal/domain"
)

const manifestYAML = `
name: shop
projects:
  - id: web
    name: Web
    style: package_reference
    target_frameworks: [net8.0]
  - id: legacy
    name: Legacy
    style: packages_config
    supports_package_reference: true
    metadata:
      owner: billing
`

type recordingWatcher struct {
	events []domain.ProjectEvent
	failAt int
}

func (w *recordingWatcher) WatchProjectEvents(_ context.Context, deliveries <-chan app.ProjectEventDelivery) error {
	for delivery := range deliveries {
		if w.failAt > 0 && len(w.events)+1 == w.failAt {
			delivery.Ack(errors.New("store unavailable"))
			continue
		}
		w.events = append(w.events, delivery.Event)
		delivery.Ack(nil)
	}
	return nil
}

// stoppedWatcher returns before consuming anything.
type stoppedWatcher struct{}

func (stoppedWatcher) WatchProjectEvents(context.Context, <-chan app.ProjectEventDelivery) error {
	return context.Canceled
}

func TestLoadAndSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solution.yaml")
	if err := os.WriteFile(path, []byte(manifestYAML), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	manifest, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if manifest.Name != "shop" || len(manifest.Projects) != 2 {
		t.Fatalf("unexpected manifest %#v", manifest)
	}

	pub := &recordingWatcher{}
	n, err := Seed(context.Background(), pub, manifest)
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if n != 2 || len(pub.events) != 2 {
		t.Fatalf("expected 2 published events, got n=%d events=%d", n, len(pub.events))
	}
	legacy := pub.events[1]
	if legacy.Kind != domain.ProjectEventAdded || !legacy.Project.Upgradeable() {
		t.Fatalf("expected upgradeable added project, got %#v", legacy)
	}
	if v, ok := legacy.Project.LookupMetadata("owner"); !ok || v != "billing" {
		t.Fatalf("expected owner metadata, got %q %v", v, ok)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	manifest, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(manifest.Projects) != 0 {
		t.Fatalf("expected empty manifest, got %#v", manifest)
	}
}

func TestEventsRejectInvalidEntries(t *testing.T) {
	if _, err := (Manifest{Projects: []ProjectManifest{{ID: "", Name: "x"}}}).Events(); !errors.Is(err, domain.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	dup := Manifest{Projects: []ProjectManifest{{ID: "a", Name: "A"}, {ID: "a", Name: "B"}}}
	if _, err := dup.Events(); !errors.Is(err, domain.ErrInvalidID) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestSeedStopsAtFirstFailure(t *testing.T) {
	manifest, err := Parse([]byte(manifestYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	n, err := Seed(context.Background(), &recordingWatcher{failAt: 2}, manifest)
	if err == nil || n != 1 {
		t.Fatalf("expected failure after one event, got n=%d err=%v", n, err)
	}
}

func TestSeedNewSkipsKnownProjects(t *testing.T) {
	manifest, err := Parse([]byte(manifestYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	publisher := &recordingWatcher{}
	known := func(id domain.ProjectID) bool { return id == "legacy" }
	n, err := SeedNew(context.Background(), publisher, known, manifest)
	if err != nil {
		t.Fatalf("SeedNew() error = %v", err)
	}
	if n != 1 || len(publisher.events) != 1 || publisher.events[0].Project.ID != "web" {
		t.Fatalf("expected only web to be published, got n=%d events=%#v", n, publisher.events)
	}
}

func TestSeedStopsWhenWatcherStops(t *testing.T) {
	manifest, err := Parse([]byte(manifestYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	n, err := Seed(context.Background(), stoppedWatcher{}, manifest)
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Fatalf("Seed() = %d, %v, want 0, context.Canceled", n, err)
	}
}

func TestSeedNewFeedsServiceWatcher(t *testing.T) {
	repo, err := sqlite.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()
	svc := app.NewService(repo, nil, nil, nil, app.ServiceConfig{})
	if err := svc.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	manifest, err := Parse([]byte(manifestYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	known := func(id domain.ProjectID) bool {
		_, err := svc.GetProject(ctx, id)
		return err == nil
	}

	n, err := SeedNew(ctx, svc, known, manifest)
	if err != nil || n != 2 {
		t.Fatalf("SeedNew() = %d, %v, want 2, nil", n, err)
	}
	projects, err := svc.GetProjects(ctx)
	if err != nil || len(projects) != 2 {
		t.Fatalf("GetProjects() = %#v, %v", projects, err)
	}
	again, err := SeedNew(ctx, svc, known, manifest)
	if err != nil || again != 0 {
		t.Fatalf("SeedNew(again) = %d, %v, want 0, nil", again, err)
	}
}
