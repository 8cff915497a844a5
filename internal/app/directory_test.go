package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evanschultz/pkgctl/internal/domain"
)

func TestProjectDirectoryLoadAndList(t *testing.T) {
	repo := newFakeRepo()
	seedProject(t, repo, "p2", "web", domain.ProjectStylePackageReference, true)
	seedProject(t, repo, "p1", "web", domain.ProjectStylePackagesConfig, true)
	seedProject(t, repo, "p3", "api", domain.ProjectStylePackagesConfig, false)
	dir := NewProjectDirectory(repo, nil)
	if err := dir.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	projects := dir.ListProjects()
	got := make([]domain.ProjectID, 0, len(projects))
	for _, p := range projects {
		got = append(got, p.ID)
	}
	want := []domain.ProjectID{"p3", "p1", "p2"}
	if len(got) != len(want) {
		t.Fatalf("unexpected projects %#v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}

	projects[0].Metadata["path"] = "mutated"
	p3, err := dir.GetProject("p3")
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if p3.Metadata["path"] == "mutated" {
		t.Fatal("expected ListProjects() to return a copy")
	}
	if _, err := dir.GetProject("missing"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestProjectDirectoryListUpgradeable(t *testing.T) {
	repo := newFakeRepo()
	seedProject(t, repo, "p1", "legacy", domain.ProjectStylePackagesConfig, true)
	seedProject(t, repo, "p2", "modern", domain.ProjectStylePackageReference, true)
	dir := NewProjectDirectory(repo, nil)
	if err := dir.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	all, err := dir.ListUpgradeable(nil)
	if err != nil {
		t.Fatalf("ListUpgradeable() error = %v", err)
	}
	if len(all) != 1 || all[0].ID != "p1" {
		t.Fatalf("unexpected upgradeable projects %#v", all)
	}
	subset, err := dir.ListUpgradeable([]domain.ProjectID{"p2"})
	if err != nil {
		t.Fatalf("ListUpgradeable(p2) error = %v", err)
	}
	if len(subset) != 0 {
		t.Fatalf("expected no upgradeable projects, got %#v", subset)
	}
	if _, err := dir.ListUpgradeable([]domain.ProjectID{"p1", "nope"}); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestProjectDirectoryApplyEvents(t *testing.T) {
	repo := newFakeRepo()
	dir := NewProjectDirectory(repo, nil)
	ctx := context.Background()

	added := domain.ProjectEvent{Kind: domain.ProjectEventAdded, Project: domain.ProjectContextInfo{ID: "p1", Name: "web"}}
	if err := dir.Apply(ctx, added); err != nil {
		t.Fatalf("Apply(added) error = %v", err)
	}
	renamed := domain.ProjectEvent{Kind: domain.ProjectEventRenamed, Project: domain.ProjectContextInfo{ID: "p1", Name: "website"}}
	if err := dir.Apply(ctx, renamed); err != nil {
		t.Fatalf("Apply(renamed) error = %v", err)
	}
	project, err := dir.GetProject("p1")
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if project.Name != "website" || repo.projects["p1"].Name != "website" {
		t.Fatalf("expected rename in snapshot and store, got %q / %q", project.Name, repo.projects["p1"].Name)
	}

	if err := dir.Apply(ctx, domain.ProjectEvent{Kind: "moved", Project: project}); !errors.Is(err, domain.ErrInvalidEventKind) {
		t.Fatalf("expected ErrInvalidEventKind, got %v", err)
	}
	if err := dir.Apply(ctx, domain.ProjectEvent{Kind: domain.ProjectEventUpdated, Project: domain.ProjectContextInfo{ID: "p1"}}); err != domain.ErrInvalidName {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}

	if err := dir.Apply(ctx, domain.ProjectEvent{Kind: domain.ProjectEventRemoved, Project: domain.ProjectContextInfo{ID: "p1"}}); err != nil {
		t.Fatalf("Apply(removed) error = %v", err)
	}
	if _, err := dir.GetProject("p1"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected removed project to be gone, got %v", err)
	}
	if _, ok := repo.projects["p1"]; ok {
		t.Fatal("expected removed project to be deleted from the store")
	}
}

func TestProjectDirectoryWatchAcksAfterRefresh(t *testing.T) {
	repo := newFakeRepo()
	dir := NewProjectDirectory(repo, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries := make(chan ProjectEventDelivery)
	done := make(chan error, 1)
	go func() { done <- dir.Watch(ctx, deliveries) }()

	acks := make(chan error, 2)
	deliveries <- ProjectEventDelivery{
		Event: domain.ProjectEvent{Kind: domain.ProjectEventAdded, Project: domain.ProjectContextInfo{ID: "p1", Name: "web"}},
		Ack: func(err error) {
			if _, getErr := dir.GetProject("p1"); getErr != nil {
				t.Errorf("ack before refresh: %v", getErr)
			}
			acks <- err
		},
	}
	deliveries <- ProjectEventDelivery{
		Event: domain.ProjectEvent{Kind: "bogus"},
		Ack:   func(err error) { acks <- err },
	}
	if err := <-acks; err != nil {
		t.Fatalf("first ack error = %v", err)
	}
	if err := <-acks; !errors.Is(err, domain.ErrInvalidEventKind) {
		t.Fatalf("expected rejected event ack, got %v", err)
	}

	close(deliveries)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch() did not return after source closed")
	}
}
