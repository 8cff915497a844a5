package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	serveradapter "github.com/evanschultz/pkgctl/internal/adapters/server"
	servercommon "github.com/evanschultz/pkgctl/internal/adapters/server/common"
	"github.com/evanschultz/pkgctl/internal/config"
)

// TestMain sets deterministic environment defaults for CLI tests.
func TestMain(m *testing.M) {
	_ = os.Setenv("PKGCTL_DEV_MODE", "false")
	os.Exit(m.Run())
}

const testFeedYAML = `
sources:
  - name: local
    packages:
      - id: Logging
        versions:
          - version: 1.0.0
`

const testSolutionYAML = `
projects:
  - id: api
    name: Api
    style: package_reference
  - id: worker
    name: Worker
    style: packages_config
    supports_package_reference: true
`

// writeTestConfig writes a config pointing at fixture feed and solution files.
func writeTestConfig(t *testing.T) (configPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	feedPath := filepath.Join(dir, "feed.yaml")
	solutionPath := filepath.Join(dir, "solution.yaml")
	for path, content := range map[string]string{feedPath: testFeedYAML, solutionPath: testSolutionYAML} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	configPath = filepath.Join(dir, "config.toml")
	content := "[logging]\nlevel = \"warn\"\n\n[feed]\npath = " + tomlLiteral(feedPath) +
		"\n\n[solution]\nmanifest_path = " + tomlLiteral(solutionPath) + "\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return configPath, filepath.Join(dir, "pkgctl.db")
}

// tomlLiteral quotes a path as a TOML literal string.
func tomlLiteral(s string) string {
	return "'" + s + "'"
}

func TestRunVersion(t *testing.T) {
	var out strings.Builder
	if err := run(context.Background(), []string{"--version"}, &out, io.Discard); err != nil {
		t.Fatalf("run(version) error = %v", err)
	}
	if !strings.Contains(out.String(), version) {
		t.Fatalf("expected version output, got %q", out.String())
	}
}

func TestRunPaths(t *testing.T) {
	var out strings.Builder
	if err := run(context.Background(), []string{"--app", "demo", "paths"}, &out, io.Discard); err != nil {
		t.Fatalf("run(paths) error = %v", err)
	}
	for _, want := range []string{"app: demo", "dev_mode: false", "db: ", "feed: ", "solution: "} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("paths output missing %q: %q", want, out.String())
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"bogus"}, io.Discard, io.Discard); err == nil {
		t.Fatal("run(bogus) error = nil, want unknown command error")
	}
}

func TestRunProjectsSeedsSolution(t *testing.T) {
	configPath, dbPath := writeTestConfig(t)
	var out strings.Builder
	if err := run(context.Background(), []string{"--config", configPath, "--db", dbPath, "projects"}, &out, io.Discard); err != nil {
		t.Fatalf("run(projects) error = %v", err)
	}
	var projects []servercommon.Project
	if err := json.Unmarshal([]byte(out.String()), &projects); err != nil {
		t.Fatalf("json.Unmarshal() error = %v; out=%s", err, out.String())
	}
	if len(projects) != 2 {
		t.Fatalf("expected 2 seeded projects, got %#v", projects)
	}
}

func TestRunInstalledAndJournalStartEmpty(t *testing.T) {
	configPath, dbPath := writeTestConfig(t)
	for _, args := range [][]string{
		{"installed", "api"},
		{"journal", "--project", "api", "--limit", "5"},
	} {
		var out strings.Builder
		full := append([]string{"--config", configPath, "--db", dbPath}, args...)
		if err := run(context.Background(), full, &out, io.Discard); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if strings.TrimSpace(out.String()) != "[]" {
			t.Fatalf("run(%v) output = %q, want []", args, out.String())
		}
	}
}

func TestRunJournalRejectsNegativeLimit(t *testing.T) {
	configPath, dbPath := writeTestConfig(t)
	err := run(context.Background(), []string{"--config", configPath, "--db", dbPath, "journal", "--limit", "-1"}, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "--limit") {
		t.Fatalf("run(journal --limit -1) error = %v, want limit error", err)
	}
}

func TestRunServeWiresConfigAndFlags(t *testing.T) {
	orig := serveCommandRunner
	t.Cleanup(func() { serveCommandRunner = orig })

	var (
		gotCfg  serveradapter.Config
		gotDeps serveradapter.Dependencies
	)
	serveCommandRunner = func(_ context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
		gotCfg = cfg
		gotDeps = deps
		return nil
	}

	configPath, dbPath := writeTestConfig(t)
	args := []string{"--config", configPath, "--db", dbPath, "serve", "--http", "127.0.0.1:9999", "--rpc-endpoint", "/jsonrpc"}
	if err := run(context.Background(), args, io.Discard, io.Discard); err != nil {
		t.Fatalf("run(serve) error = %v", err)
	}
	if gotCfg.HTTPBind != "127.0.0.1:9999" || gotCfg.RPCEndpoint != "/jsonrpc" {
		t.Fatalf("flag overrides not applied: %#v", gotCfg)
	}
	if gotCfg.APIEndpoint != "/api/v1" || gotCfg.MCPEndpoint != "/mcp" || gotCfg.MetricsEndpoint != "/metrics" {
		t.Fatalf("config endpoints not applied: %#v", gotCfg)
	}
	if gotDeps.Service == nil || gotDeps.Metrics == nil || gotDeps.Ready == nil || gotDeps.RateLimiter == nil {
		t.Fatalf("dependencies not wired: %#v", gotDeps)
	}
	projects, err := gotDeps.Service.GetProjects(context.Background())
	if err != nil || len(projects) != 2 {
		t.Fatalf("GetProjects() = %#v, %v", projects, err)
	}
}

func TestRunSeedKeepsUpgradedProjects(t *testing.T) {
	orig := serveCommandRunner
	t.Cleanup(func() { serveCommandRunner = orig })
	serveCommandRunner = func(ctx context.Context, _ serveradapter.Config, deps serveradapter.Dependencies) error {
		_, err := deps.Service.UpgradeProjectToPackageReference(ctx, "worker")
		return err
	}

	configPath, dbPath := writeTestConfig(t)
	base := []string{"--config", configPath, "--db", dbPath}
	if err := run(context.Background(), append(base, "serve"), io.Discard, io.Discard); err != nil {
		t.Fatalf("run(serve) error = %v", err)
	}
	var out strings.Builder
	if err := run(context.Background(), append(base, "projects"), &out, io.Discard); err != nil {
		t.Fatalf("run(projects) error = %v", err)
	}
	var projects []servercommon.Project
	if err := json.Unmarshal([]byte(out.String()), &projects); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	for _, project := range projects {
		if project.ID == "worker" && project.Style != "package_reference" {
			t.Fatalf("expected worker to stay upgraded across restarts, got %#v", project)
		}
	}
}

func TestNewRuntimeLoggerDevFile(t *testing.T) {
	dir := t.TempDir()
	now := func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	logger, err := newRuntimeLogger(io.Discard, "pkgctl", true, config.LoggingConfig{
		Level:   "debug",
		DevFile: config.DevFileConfig{Enabled: true, Dir: dir},
	}, now)
	if err != nil {
		t.Fatalf("newRuntimeLogger() error = %v", err)
	}
	logger.Info("hello", "k", "v")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	want := filepath.Join(dir, "pkgctl-20260301.log")
	if logger.DevLogPath() != want {
		t.Fatalf("DevLogPath() = %q, want %q", logger.DevLogPath(), want)
	}
	content, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(content), "msg=hello") || !strings.Contains(string(content), "k=v") {
		t.Fatalf("unexpected dev log content %q", content)
	}
}

func TestRuntimeLoggerComponentPrefix(t *testing.T) {
	dir := t.TempDir()
	logger, err := newRuntimeLogger(io.Discard, "pkgctl", true, config.LoggingConfig{
		Level:   "info",
		DevFile: config.DevFileConfig{Enabled: true, Dir: dir},
	}, nil)
	if err != nil {
		t.Fatalf("newRuntimeLogger() error = %v", err)
	}
	logger.Component("rpc").Info("request served", "method", "plan.install")
	logger.Info("root event")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	content, err := os.ReadFile(logger.DevLogPath())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %q", content)
	}
	if !strings.Contains(lines[0], "prefix=pkgctl/rpc") || !strings.Contains(lines[0], "method=plan.install") {
		t.Fatalf("component line = %q, want pkgctl/rpc prefix", lines[0])
	}
	if strings.Contains(lines[1], "pkgctl/rpc") || !strings.Contains(lines[1], "prefix=pkgctl") {
		t.Fatalf("root line = %q, want bare pkgctl prefix", lines[1])
	}
}

func TestRuntimeLoggerDevFileKeepsDebug(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger, err := newRuntimeLogger(&console, "pkgctl", true, config.LoggingConfig{
		Level:   "warn",
		DevFile: config.DevFileConfig{Enabled: true, Dir: dir},
	}, nil)
	if err != nil {
		t.Fatalf("newRuntimeLogger() error = %v", err)
	}
	logger.Component("app").Debug("plan built", "actions", 3)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if console.Len() != 0 {
		t.Fatalf("console got %q, want nothing below warn", console.String())
	}
	content, err := os.ReadFile(logger.DevLogPath())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(content), "plan built") || !strings.Contains(string(content), "actions=3") {
		t.Fatalf("dev log missing debug event: %q", content)
	}
}

func TestNewRuntimeLoggerRejectsBadLevel(t *testing.T) {
	if _, err := newRuntimeLogger(io.Discard, "pkgctl", false, config.LoggingConfig{Level: "loud"}, nil); err == nil {
		t.Fatal("newRuntimeLogger() error = nil, want level error")
	}
}

func TestSanitizeLogFileStem(t *testing.T) {
	cases := map[string]string{
		"pkgctl":   "pkgctl",
		" my app ": "my-app",
		"a/b:c":    "a-b-c",
		"///":      "pkgctl",
		"":         "pkgctl",
	}
	for in, want := range cases {
		if got := sanitizeLogFileStem(in); got != want {
			t.Fatalf("sanitizeLogFileStem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunInstalledUnknownProject(t *testing.T) {
	configPath, dbPath := writeTestConfig(t)
	err := run(context.Background(), []string{"--config", configPath, "--db", dbPath, "installed", "ghost"}, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("run(installed ghost) error = %v, want project not found", err)
	}
}
