package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/evanschultz/pkgctl/internal/domain"
)

type fakeRepo struct {
	mu        sync.Mutex
	projects  map[domain.ProjectID]domain.ProjectContextInfo
	installed map[domain.ProjectID][]domain.InstalledPackageReference
	journal   []domain.ActionRecord
	failOn    map[string]error
	listErr   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		projects:  map[domain.ProjectID]domain.ProjectContextInfo{},
		installed: map[domain.ProjectID][]domain.InstalledPackageReference{},
		failOn:    map[string]error{},
	}
}

func (f *fakeRepo) ListProjects(context.Context) ([]domain.ProjectContextInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.ProjectContextInfo, 0, len(f.projects))
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeRepo) UpsertProject(_ context.Context, p domain.ProjectContextInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[p.ID] = p
	return nil
}

func (f *fakeRepo) DeleteProject(_ context.Context, id domain.ProjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.projects, id)
	delete(f.installed, id)
	return nil
}

func (f *fakeRepo) ListInstalledPackages(_ context.Context, id domain.ProjectID) ([]domain.InstalledPackageReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.installed[id]), nil
}

func (f *fakeRepo) ApplyAction(_ context.Context, record domain.ActionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	action := record.Action
	if err, ok := f.failOn[action.Package.ID]; ok {
		return err
	}
	refs := f.installed[action.ProjectID]
	idx := slices.IndexFunc(refs, func(ref domain.InstalledPackageReference) bool {
		return domain.SamePackageID(ref.Package.ID, action.Package.ID)
	})
	switch action.Type {
	case domain.ActionInstall:
		if idx >= 0 {
			return fmt.Errorf("%s already installed", action.Package.ID)
		}
		refs = append(refs, domain.InstalledPackageReference{
			ProjectID:      action.ProjectID,
			Package:        action.Package,
			AutoReferenced: action.AutoReferenced,
			RequestedRange: action.RequestedRange,
			Dependencies:   action.Dependencies,
			InstalledAt:    record.RecordedAt,
		})
	case domain.ActionUninstall:
		if idx < 0 {
			return ErrPackageNotInstalled
		}
		refs = slices.Delete(refs, idx, idx+1)
	case domain.ActionUpdate:
		if idx < 0 {
			return ErrPackageNotInstalled
		}
		refs[idx].Package = action.Package
		if action.Dependencies != nil {
			refs[idx].Dependencies = action.Dependencies
		}
	}
	f.installed[action.ProjectID] = refs
	f.journal = append(f.journal, record)
	return nil
}

func (f *fakeRepo) RecordActionFailure(_ context.Context, record domain.ActionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.journal = append(f.journal, record)
	return nil
}

func (f *fakeRepo) ConvertToPackageReference(_ context.Context, p domain.ProjectContextInfo, refs []domain.InstalledPackageReference) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[p.ID] = p
	f.installed[p.ID] = slices.Clone(refs)
	return nil
}

func (f *fakeRepo) ListActionRecords(_ context.Context, id domain.ProjectID, limit int) ([]domain.ActionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ActionRecord, 0)
	for i := len(f.journal) - 1; i >= 0 && len(out) < limit; i-- {
		if id != "" && f.journal[i].Action.ProjectID != id {
			continue
		}
		out = append(out, f.journal[i])
	}
	return out, nil
}

func (f *fakeRepo) install(projectID domain.ProjectID, id, version string, auto bool, deps ...domain.PackageDependency) {
	f.installed[projectID] = append(f.installed[projectID], domain.InstalledPackageReference{
		ProjectID:      projectID,
		Package:        domain.PackageIdentity{ID: id, Version: version},
		AutoReferenced: auto,
		Dependencies:   deps,
	})
}

type fakeResolver struct {
	mu       sync.Mutex
	requests []ResolveRequest
	resolve  func(ResolveRequest) ([]domain.ProjectAction, error)
}

func (f *fakeResolver) ResolveActions(_ context.Context, req ResolveRequest) ([]domain.ProjectAction, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.resolve == nil {
		return nil, nil
	}
	return f.resolve(req)
}

// pinResolver installs or updates each target to its requested version without dependencies.
func pinResolver(req ResolveRequest) ([]domain.ProjectAction, error) {
	out := make([]domain.ProjectAction, 0, len(req.Targets))
	for _, target := range req.Targets {
		action := domain.ProjectAction{ProjectID: req.Project.ID, Type: domain.ActionInstall, Package: target}
		if current, ok := domain.FindInstalled(req.Installed, target.ID); ok {
			action.Type = domain.ActionUpdate
			action.PreviousVersion = current.Package.Version
			action.AutoReferenced = current.AutoReferenced
		}
		out = append(out, action)
	}
	return out, nil
}

func sequentialIDs(prefix string) IDGenerator {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func fixedClock() time.Time {
	return time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
}

func newTestService(t *testing.T, repo *fakeRepo, resolver Resolver, cfg ServiceConfig) *Service {
	t.Helper()
	svc := NewService(repo, resolver, sequentialIDs("id"), fixedClock, cfg)
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return svc
}

func seedProject(t *testing.T, repo *fakeRepo, id domain.ProjectID, name string, style domain.ProjectStyle, supportsRef bool) domain.ProjectContextInfo {
	t.Helper()
	project, err := domain.NewProjectContextInfo(domain.ProjectContextInput{
		ID:                       id,
		Name:                     name,
		Style:                    style,
		SupportsPackageReference: supportsRef,
		Metadata:                 map[string]string{"path": "src/" + name + ".csproj"},
	})
	if err != nil {
		t.Fatalf("NewProjectContextInfo() error = %v", err)
	}
	repo.projects[project.ID] = project
	return project
}

func TestServiceUpdateSinglePackageEndToEnd(t *testing.T) {
	repo := newFakeRepo()
	seedProject(t, repo, "p1", "web", domain.ProjectStylePackageReference, true)
	repo.install("p1", "A", "1.0.0", false)
	svc := newTestService(t, repo, &fakeResolver{resolve: pinResolver}, ServiceConfig{})
	ctx := context.Background()

	plan, err := svc.GetUpdateActions(ctx, UpdateRequest{
		ProjectIDs: []domain.ProjectID{"p1"},
		Packages:   []domain.PackageIdentity{{ID: "A", Version: "2.0.0"}},
	})
	if err != nil {
		t.Fatalf("GetUpdateActions() error = %v", err)
	}
	if len(plan) != 1 || plan[0].Type != domain.ActionUpdate || plan[0].Package.Version != "2.0.0" || plan[0].PreviousVersion != "1.0.0" {
		t.Fatalf("unexpected plan %#v", plan)
	}

	session, err := svc.BeginOperation(ctx)
	if err != nil {
		t.Fatalf("BeginOperation() error = %v", err)
	}
	result, err := svc.ExecuteActions(ctx, plan)
	if err != nil {
		t.Fatalf("ExecuteActions() error = %v", err)
	}
	if result.OperationID != session.ID || len(result.Applied) != 1 {
		t.Fatalf("unexpected execution result %#v", result)
	}
	if _, ok := svc.EndOperation(ctx); !ok {
		t.Fatal("expected EndOperation() to end the active session")
	}

	installed, err := svc.GetInstalledPackages(ctx, []domain.ProjectID{"p1"})
	if err != nil {
		t.Fatalf("GetInstalledPackages() error = %v", err)
	}
	if len(installed) != 1 || installed[0].Package.Version != "2.0.0" {
		t.Fatalf("unexpected installed packages %#v", installed)
	}
	journal, err := svc.ListActionJournal(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListActionJournal() error = %v", err)
	}
	if len(journal) != 1 || journal[0].OperationID != session.ID || journal[0].Outcome != domain.ActionOutcomeApplied {
		t.Fatalf("unexpected journal %#v", journal)
	}
}

func TestServiceMetadataLookups(t *testing.T) {
	repo := newFakeRepo()
	seedProject(t, repo, "p1", "web", domain.ProjectStylePackageReference, true)
	svc := newTestService(t, repo, &fakeResolver{}, ServiceConfig{})
	ctx := context.Background()

	value, err := svc.GetMetadata(ctx, "p1", "path")
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if value != "src/web.csproj" {
		t.Fatalf("unexpected metadata value %q", value)
	}
	if _, err := svc.GetMetadata(ctx, "p1", "missing"); !errors.Is(err, ErrMetadataNotFound) {
		t.Fatalf("expected ErrMetadataNotFound, got %v", err)
	}
	if _, ok, err := svc.TryGetMetadata(ctx, "p1", "missing"); err != nil || ok {
		t.Fatalf("TryGetMetadata() = %v, %v", ok, err)
	}
	if _, _, err := svc.TryGetMetadata(ctx, "ghost", "path"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestServiceUpgradeProjectToPackageReference(t *testing.T) {
	repo := newFakeRepo()
	seedProject(t, repo, "legacy", "legacy", domain.ProjectStylePackagesConfig, true)
	seedProject(t, repo, "old", "old", domain.ProjectStylePackagesConfig, false)
	repo.install("legacy", "A", "1.0.0", false, domain.PackageDependency{ID: "B", Range: ">=1.0.0"})
	repo.install("legacy", "B", "1.0.0", false)
	repo.install("legacy", "C", "3.0.0", false)
	svc := newTestService(t, repo, &fakeResolver{}, ServiceConfig{})
	ctx := context.Background()

	upgradeable, err := svc.GetUpgradeableProjects(ctx, nil)
	if err != nil {
		t.Fatalf("GetUpgradeableProjects() error = %v", err)
	}
	if len(upgradeable) != 1 || upgradeable[0].ID != "legacy" {
		t.Fatalf("unexpected upgradeable projects %#v", upgradeable)
	}
	if _, err := svc.UpgradeProjectToPackageReference(ctx, "old"); !errors.Is(err, ErrNotUpgradeable) {
		t.Fatalf("expected ErrNotUpgradeable, got %v", err)
	}

	project, err := svc.UpgradeProjectToPackageReference(ctx, "legacy")
	if err != nil {
		t.Fatalf("UpgradeProjectToPackageReference() error = %v", err)
	}
	if project.Style != domain.ProjectStylePackageReference {
		t.Fatalf("unexpected style %q", project.Style)
	}
	ok, err := svc.IsProjectUpgradeable(ctx, "legacy")
	if err != nil || ok {
		t.Fatalf("IsProjectUpgradeable() = %v, %v", ok, err)
	}
	auto := map[string]bool{}
	for _, ref := range repo.installed["legacy"] {
		auto[ref.Package.ID] = ref.AutoReferenced
	}
	if auto["A"] || !auto["B"] || auto["C"] {
		t.Fatalf("unexpected auto-referenced flags %#v", auto)
	}
}

func TestServicePublishProjectEvent(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo, &fakeResolver{}, ServiceConfig{})
	ctx := context.Background()

	err := svc.PublishProjectEvent(ctx, domain.ProjectEvent{
		Kind:    domain.ProjectEventAdded,
		Project: domain.ProjectContextInfo{ID: "p9", Name: "api", Style: domain.ProjectStylePackageReference},
	})
	if err != nil {
		t.Fatalf("PublishProjectEvent() error = %v", err)
	}
	projects, err := svc.GetProjects(ctx)
	if err != nil {
		t.Fatalf("GetProjects() error = %v", err)
	}
	if len(projects) != 1 || projects[0].ID != "p9" {
		t.Fatalf("unexpected projects %#v", projects)
	}
	if _, ok := repo.projects["p9"]; !ok {
		t.Fatal("expected event to be persisted")
	}
	if _, err := svc.ListActionJournal(ctx, "ghost", 5); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestServiceLoadPropagatesError(t *testing.T) {
	repo := newFakeRepo()
	repo.listErr = errors.New("boom")
	svc := NewService(repo, &fakeResolver{}, nil, nil, ServiceConfig{})
	if err := svc.Load(context.Background()); err == nil {
		t.Fatal("expected Load() error")
	}
}
