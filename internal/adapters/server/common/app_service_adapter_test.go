package common_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/evanschultz/pkgctl/internal/adapters/server/common"
	"github.com/evanschultz/pkgctl/internal/adapters/server/servertest"
	"github.com/evanschultz/pkgctl/internal/app"
	"github.com/evanschultz/pkgctl/internal/domain"
)

func TestAdapterInstallUpdateLifecycle(t *testing.T) {
	stack := servertest.New(t)
	adapter := stack.Adapter
	ctx := common.WithCaller(context.Background(), common.Caller{ID: "ide-1", Type: "agent"})

	plan, err := adapter.GetInstallActions(ctx, common.InstallActionsRequest{
		ProjectID: "p1",
		Package:   common.PackageIdentity{ID: "A", Version: "1.0.0"},
	})
	if err != nil {
		t.Fatalf("GetInstallActions() error = %v", err)
	}
	if len(plan.Actions) != 2 || plan.Actions[0].Package.ID != "B" || plan.Actions[1].Package.ID != "A" {
		t.Fatalf("expected B then A, got %#v", plan.Actions)
	}
	if plan.Actions[0].RequestedRange != "^1.0.0" || plan.Actions[1].RequestedRange != "1.0.0" {
		t.Fatalf("unexpected requested ranges %q, %q", plan.Actions[0].RequestedRange, plan.Actions[1].RequestedRange)
	}

	session, err := adapter.BeginOperation(ctx)
	if err != nil {
		t.Fatalf("BeginOperation() error = %v", err)
	}
	result, err := adapter.ExecuteActions(ctx, common.ActionsRequest{Actions: plan.Actions})
	if err != nil {
		t.Fatalf("ExecuteActions() error = %v", err)
	}
	if result.OperationID != session.ID || len(result.Applied) != 2 {
		t.Fatalf("unexpected execution result %#v", result)
	}

	update, err := adapter.GetUpdateActions(ctx, common.UpdateActionsRequest{
		ProjectIDs: []string{"p1"},
		Packages:   []common.PackageIdentity{{ID: "A", Version: "2.0.0"}},
	})
	if err != nil {
		t.Fatalf("GetUpdateActions() error = %v", err)
	}
	if len(update.Actions) != 1 || update.Actions[0].Type != "update" || update.Actions[0].PreviousVersion != "1.0.0" {
		t.Fatalf("expected single update A 1.0.0 -> 2.0.0, got %#v", update.Actions)
	}
	if _, err := adapter.ExecuteActions(ctx, common.ActionsRequest{Actions: update.Actions}); err != nil {
		t.Fatalf("ExecuteActions(update) error = %v", err)
	}
	end, err := adapter.EndOperation(ctx)
	if err != nil || !end.Ended || end.Session.ID != session.ID {
		t.Fatalf("EndOperation() = %#v, %v", end, err)
	}

	installed, err := adapter.GetInstalledPackages(ctx, common.ProjectIDsRequest{ProjectIDs: []string{"p1"}})
	if err != nil {
		t.Fatalf("GetInstalledPackages() error = %v", err)
	}
	versions := map[string]string{}
	ranges := map[string]string{}
	for _, ref := range installed {
		versions[ref.Package.ID] = ref.Package.Version
		ranges[ref.Package.ID] = ref.RequestedRange
	}
	if versions["A"] != "2.0.0" || versions["B"] != "1.0.0" {
		t.Fatalf("unexpected installed versions %#v", versions)
	}
	if ranges["A"] != "1.0.0" || ranges["B"] != "^1.0.0" {
		t.Fatalf("unexpected requested ranges %#v", ranges)
	}

	journal, err := adapter.ListActionJournal(ctx, common.JournalRequest{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("ListActionJournal() error = %v", err)
	}
	if len(journal) != 3 || journal[0].ActorID != "ide-1" || journal[0].ActorType != "agent" {
		t.Fatalf("unexpected journal %#v", journal)
	}
}

func TestAdapterErrorsClassify(t *testing.T) {
	stack := servertest.New(t)
	adapter := stack.Adapter
	ctx := context.Background()

	_, err := adapter.GetProject(ctx, "missing")
	if got := common.Classify(err); got != common.CodeProjectNotFound {
		t.Fatalf("Classify(GetProject) = %q, want project_not_found (%v)", got, err)
	}
	_, err = adapter.GetProject(ctx, " ")
	if got := common.Classify(err); got != common.CodeInvalidRequest {
		t.Fatalf("Classify(empty id) = %q, want invalid_request", got)
	}
	_, err = adapter.GetMetadata(ctx, common.MetadataRequest{ProjectID: "p1", Key: "absent"})
	if got := common.Classify(err); got != common.CodeNotFound {
		t.Fatalf("Classify(GetMetadata) = %q, want not_found", got)
	}
	_, err = adapter.ExecuteActions(ctx, common.ActionsRequest{})
	if got := common.Classify(err); got != common.CodeNoActiveOperation {
		t.Fatalf("Classify(ExecuteActions) = %q, want no_active_operation", got)
	}
	_, err = adapter.GetInstallActions(ctx, common.InstallActionsRequest{ProjectID: "p1", Package: common.PackageIdentity{ID: "A"}, DependencyBehavior: "newest"})
	if got := common.Classify(err); got != common.CodeInvalidRequest {
		t.Fatalf("Classify(bad behavior) = %q, want invalid_request", got)
	}
	_, err = adapter.GetUninstallActions(ctx, common.UninstallActionsRequest{ProjectID: "p1", PackageID: "A"})
	if got := common.Classify(err); got != common.CodePackageNotInstalled {
		t.Fatalf("Classify(uninstall) = %q, want package_not_installed", got)
	}

	if _, err := adapter.BeginOperation(ctx); err != nil {
		t.Fatalf("BeginOperation() error = %v", err)
	}
	_, err = adapter.BeginOperation(ctx)
	if got := common.Classify(err); got != common.CodeOperationInProgress {
		t.Fatalf("Classify(second Begin) = %q, want operation_in_progress", got)
	}
}

func TestAdapterUninstallConflictContext(t *testing.T) {
	stack := servertest.New(t)
	adapter := stack.Adapter
	ctx := context.Background()

	plan, err := adapter.GetInstallActions(ctx, common.InstallActionsRequest{ProjectID: "p1", Package: common.PackageIdentity{ID: "A"}})
	if err != nil {
		t.Fatalf("GetInstallActions() error = %v", err)
	}
	if _, err := adapter.BeginOperation(ctx); err != nil {
		t.Fatalf("BeginOperation() error = %v", err)
	}
	if _, err := adapter.ExecuteActions(ctx, common.ActionsRequest{Actions: plan.Actions}); err != nil {
		t.Fatalf("ExecuteActions() error = %v", err)
	}

	_, err = adapter.GetUninstallActions(ctx, common.UninstallActionsRequest{ProjectID: "p1", PackageID: "B"})
	if got := common.Classify(err); got != common.CodeConflict {
		t.Fatalf("Classify(uninstall B) = %q, want conflict (%v)", got, err)
	}
	details := common.ErrorContext(err)
	dependents, ok := details["dependents"].([]common.PackageIdentity)
	if !ok || len(dependents) != 1 || dependents[0].ID != "A" {
		t.Fatalf("expected dependent A in context, got %#v", details)
	}

	forced, err := adapter.GetUninstallActions(ctx, common.UninstallActionsRequest{ProjectID: "p1", PackageID: "B", ForceRemove: true})
	if err != nil || len(forced.Actions) != 1 {
		t.Fatalf("forced uninstall = %#v, %v", forced, err)
	}
}

func TestAdapterRejectsMalformedActions(t *testing.T) {
	stack := servertest.New(t)
	ctx := context.Background()
	if _, err := stack.Adapter.BeginOperation(ctx); err != nil {
		t.Fatalf("BeginOperation() error = %v", err)
	}
	_, err := stack.Adapter.ExecuteActions(ctx, common.ActionsRequest{Actions: []common.Action{{ProjectID: "p1", Type: "install", Package: common.PackageIdentity{ID: "A"}}}})
	if !errors.Is(err, common.ErrInvalidRequest) || !errors.Is(err, domain.ErrInvalidVersion) {
		t.Fatalf("expected invalid request for versionless install, got %v", err)
	}
}

func TestAdapterUpgradeAndEvents(t *testing.T) {
	stack := servertest.New(t)
	adapter := stack.Adapter
	ctx := context.Background()

	upgradeable, err := adapter.GetUpgradeableProjects(ctx, common.ProjectIDsRequest{})
	if err != nil || len(upgradeable) != 1 || upgradeable[0].ID != "p2" {
		t.Fatalf("GetUpgradeableProjects() = %#v, %v", upgradeable, err)
	}
	upgraded, err := adapter.UpgradeProjectToPackageReference(ctx, "p2")
	if err != nil {
		t.Fatalf("UpgradeProjectToPackageReference() error = %v", err)
	}
	if upgraded.Style != string(domain.ProjectStylePackageReference) || upgraded.Upgradeable {
		t.Fatalf("unexpected upgraded project %#v", upgraded)
	}

	err = adapter.PublishProjectEvent(ctx, common.ProjectEvent{Kind: "removed", Project: common.Project{ID: "p2", Name: "Legacy"}})
	if err != nil {
		t.Fatalf("PublishProjectEvent() error = %v", err)
	}
	projects, err := adapter.GetProjects(ctx)
	if err != nil || len(projects) != 1 || projects[0].ID != "p1" {
		t.Fatalf("GetProjects() = %#v, %v", projects, err)
	}
	err = adapter.PublishProjectEvent(ctx, common.ProjectEvent{Kind: "exploded", Project: common.Project{ID: "p3", Name: "X"}})
	if got := common.Classify(err); got != common.CodeInvalidRequest {
		t.Fatalf("Classify(bad event) = %q, want invalid_request (%v)", got, err)
	}
}

func TestClassifyPrecedence(t *testing.T) {
	cases := []struct {
		err  error
		want common.ErrorCode
	}{
		{fmt.Errorf("%w after 1s: %w", app.ErrOperationTimeout, app.ErrOperationInProgress), common.CodeOperationTimeout},
		{errors.Join(app.ErrCancelled, context.Canceled), common.CodeCancelled},
		{&app.ActionError{Index: 1, Err: app.ErrPackageNotInstalled}, common.CodePackageNotInstalled},
		{&app.ConflictError{ProjectID: "p1"}, common.CodeConflict},
		{errors.New("boom"), common.CodeUnexpected},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := common.Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
