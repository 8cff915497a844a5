// Package servertest builds a fully wired service over temporary storage for transport tests.
package servertest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evanschultz/pkgctl/internal/adapters/feed"
	"github.com/evanschultz/pkgctl/internal/adapters/resolver"
	"github.com/evanschultz/pkgctl/internal/adapters/server/common"
	"github.com/evanschultz/pkgctl/internal/adapters/solution"
	"github.com/evanschultz/pkgctl/internal/adapters/storage/sqlite"
	"github.com/evanschultz/pkgctl/internal/app"
)

// FeedYAML publishes A 1.0.0/2.0.0 (both requiring B ^1.0.0) and B 1.0.0.
const FeedYAML = `
sources:
  - name: local
    packages:
      - id: A
        versions:
          - version: 1.0.0
            dependencies:
              - id: B
                range: ^1.0.0
          - version: 2.0.0
            dependencies:
              - id: B
                range: ^1.0.0
      - id: B
        versions:
          - version: 1.0.0
`

// SolutionYAML declares one modern project and one upgradeable legacy project.
const SolutionYAML = `
projects:
  - id: p1
    name: Web
    style: package_reference
    metadata:
      owner: web-team
  - id: p2
    name: Legacy
    style: packages_config
    supports_package_reference: true
`

// Stack exposes the wired pieces of one test service.
type Stack struct {
	Service *app.Service
	Adapter *common.AppServiceAdapter
	Repo    *sqlite.Repository
}

// New wires sqlite, the fixture feed and the fixture solution. Begin fails fast instead of queueing
// so transport tests can observe operation_in_progress.
func New(tb testing.TB) *Stack {
	tb.Helper()

	repo, err := sqlite.Open(filepath.Join(tb.TempDir(), "pkgctl.db"))
	if err != nil {
		tb.Fatalf("sqlite.Open() error = %v", err)
	}
	tb.Cleanup(func() { _ = repo.Close() })

	catalog, err := feed.Parse([]byte(FeedYAML))
	if err != nil {
		tb.Fatalf("feed.Parse() error = %v", err)
	}
	var seq atomic.Int64
	idGen := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	svc := app.NewService(repo, resolver.New(catalog), idGen, clock, app.ServiceConfig{
		Operation: app.OperationGuardConfig{WaitPolicy: app.WaitPolicyFail},
	})
	ctx := context.Background()
	if err := svc.Load(ctx); err != nil {
		tb.Fatalf("Load() error = %v", err)
	}
	manifest, err := solution.Parse([]byte(SolutionYAML))
	if err != nil {
		tb.Fatalf("solution.Parse() error = %v", err)
	}
	if _, err := solution.Seed(ctx, svc, manifest); err != nil {
		tb.Fatalf("solution.Seed() error = %v", err)
	}
	return &Stack{Service: svc, Adapter: common.NewAppServiceAdapter(svc), Repo: repo}
}
