package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/evanschultz/pkgctl/internal/adapters/feed"
	"github.com/evanschultz/pkgctl/internal/adapters/resolver"
	serveradapter "github.com/evanschultz/pkgctl/internal/adapters/server"
	servercommon "github.com/evanschultz/pkgctl/internal/adapters/server/common"
	"github.com/evanschultz/pkgctl/internal/adapters/solution"
	"github.com/evanschultz/pkgctl/internal/adapters/storage/sqlite"
	"github.com/evanschultz/pkgctl/internal/adapters/telemetry"
	"github.com/evanschultz/pkgctl/internal/app"
	"github.com/evanschultz/pkgctl/internal/config"
	"github.com/evanschultz/pkgctl/internal/domain"
	"github.com/evanschultz/pkgctl/internal/platform"
	"github.com/evanschultz/pkgctl/internal/platform/ratelimit"
)

// version stores the build version.
var version = "dev"

// serveCommandRunner runs the HTTP server; tests replace it to avoid binding sockets.
var serveCommandRunner = serveradapter.Run

// main handles main.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := fang.Execute(ctx, newRootCommand(os.Stdout, os.Stderr), fang.WithVersion(version)); err != nil {
		os.Exit(1)
	}
}

// run executes the command tree for args without fang's styled error output.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// rootOptions holds global flag values.
type rootOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool
}

// newRootCommand builds the pkgctl command tree writing to stdout and stderr.
func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	opts := &rootOptions{appName: platform.DefaultAppName, devMode: version == "dev"}
	if envDev, ok := parseBoolEnv("PKGCTL_DEV_MODE"); ok {
		opts.devMode = envDev
	}
	if envApp := strings.TrimSpace(os.Getenv("PKGCTL_APP_NAME")); envApp != "" {
		opts.appName = envApp
	}

	root := &cobra.Command{
		Use:           "pkgctl",
		Short:         "Project package operation service",
		Long:          "pkgctl plans, executes and journals package operations across the projects of one solution.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config TOML")
	flags.StringVar(&opts.dbPath, "db", "", "path to sqlite database")
	flags.StringVar(&opts.appName, "app", opts.appName, "application name for config/data path resolution")
	flags.BoolVar(&opts.devMode, "dev", opts.devMode, "use dev mode paths (<app>-dev)")

	root.AddCommand(
		newServeCommand(opts, stderr),
		newPathsCommand(opts, stdout),
		newProjectsCommand(opts, stdout, stderr),
		newInstalledCommand(opts, stdout, stderr),
		newJournalCommand(opts, stdout, stderr),
	)
	return root
}

// newPathsCommand prints resolved runtime paths.
func newPathsCommand(opts *rootOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config, data and database paths",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			paths, err := platform.DefaultPathsWithOptions(platform.Options{AppName: opts.appName, DevMode: opts.devMode})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "app: %s\n", opts.appName)
			_, _ = fmt.Fprintf(stdout, "dev_mode: %t\n", opts.devMode)
			_, _ = fmt.Fprintf(stdout, "config: %s\n", paths.ConfigPath)
			_, _ = fmt.Fprintf(stdout, "data_dir: %s\n", paths.DataDir)
			_, _ = fmt.Fprintf(stdout, "db: %s\n", paths.DBPath)
			_, _ = fmt.Fprintf(stdout, "feed: %s\n", paths.FeedPath)
			_, _ = fmt.Fprintf(stdout, "solution: %s\n", paths.SolutionPath)
			return nil
		},
	}
}

// newServeCommand runs the REST, JSON-RPC and MCP transports.
func newServeCommand(opts *rootOptions, stderr io.Writer) *cobra.Command {
	var (
		httpBind    string
		apiEndpoint string
		rpcEndpoint string
		mcpEndpoint string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the package service over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), opts, stderr, "serve")
			if err != nil {
				return err
			}
			defer rt.Close()

			srv := rt.cfg.Server
			if cmd.Flags().Changed("http") {
				srv.HTTPBind = httpBind
			}
			if cmd.Flags().Changed("api-endpoint") {
				srv.APIEndpoint = apiEndpoint
			}
			if cmd.Flags().Changed("rpc-endpoint") {
				srv.RPCEndpoint = rpcEndpoint
			}
			if cmd.Flags().Changed("mcp-endpoint") {
				srv.MCPEndpoint = mcpEndpoint
			}
			var limiter *ratelimit.Limiter
			if srv.RateLimit.Enabled {
				limiter = ratelimit.New(srv.RateLimit.RPS, srv.RateLimit.Burst, 10*time.Minute)
			}

			rt.logger.Info("command flow start", "command", "serve", "http", srv.HTTPBind, "api", srv.APIEndpoint, "rpc", srv.RPCEndpoint, "mcp", srv.MCPEndpoint)
			err = serveCommandRunner(cmd.Context(), serveradapter.Config{
				HTTPBind:        srv.HTTPBind,
				APIEndpoint:     srv.APIEndpoint,
				RPCEndpoint:     srv.RPCEndpoint,
				MCPEndpoint:     srv.MCPEndpoint,
				MetricsEndpoint: srv.MetricsEndpoint,
				ServerName:      opts.appName,
				ServerVersion:   version,
			}, serveradapter.Dependencies{
				Service:     rt.adapter,
				Metrics:     rt.metrics.Handler(),
				Ready:       rt.repo.Ping,
				RateLimiter: limiter,
				Logger:      rt.logger.Component("rpc"),
			})
			if err != nil {
				rt.logger.Error("command flow failed", "command", "serve", "err", err)
				return fmt.Errorf("run serve command: %w", err)
			}
			rt.logger.Info("command flow complete", "command", "serve")
			return nil
		},
	}
	cmd.Flags().StringVar(&httpBind, "http", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&apiEndpoint, "api-endpoint", "", "REST API base endpoint (overrides config)")
	cmd.Flags().StringVar(&rpcEndpoint, "rpc-endpoint", "", "JSON-RPC endpoint (overrides config)")
	cmd.Flags().StringVar(&mcpEndpoint, "mcp-endpoint", "", "MCP streamable HTTP endpoint (overrides config)")
	return cmd
}

// newProjectsCommand prints every known project as JSON.
func newProjectsCommand(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List known projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), opts, stderr, "projects")
			if err != nil {
				return err
			}
			defer rt.Close()
			projects, err := rt.adapter.GetProjects(cmd.Context())
			if err != nil {
				return fmt.Errorf("list projects: %w", err)
			}
			return writeJSON(stdout, projects)
		},
	}
}

// newInstalledCommand prints installed packages for the given projects, or for all projects.
func newInstalledCommand(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "installed [project-id...]",
		Short: "List installed packages",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, projectIDs []string) error {
			rt, err := openRuntime(cmd.Context(), opts, stderr, "installed")
			if err != nil {
				return err
			}
			defer rt.Close()
			packages, err := rt.adapter.GetInstalledPackages(cmd.Context(), servercommon.ProjectIDsRequest{ProjectIDs: projectIDs})
			if err != nil {
				return fmt.Errorf("list installed packages: %w", err)
			}
			return writeJSON(stdout, packages)
		},
	}
}

// newJournalCommand prints the action journal newest first.
func newJournalCommand(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	var (
		projectID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List executed actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must be >= 0")
			}
			rt, err := openRuntime(cmd.Context(), opts, stderr, "journal")
			if err != nil {
				return err
			}
			defer rt.Close()
			records, err := rt.adapter.ListActionJournal(cmd.Context(), servercommon.JournalRequest{ProjectID: projectID, Limit: limit})
			if err != nil {
				return fmt.Errorf("list action journal: %w", err)
			}
			return writeJSON(stdout, records)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records (0 for all)")
	return cmd
}

// commandRuntime bundles the wired service for one command invocation.
type commandRuntime struct {
	cfg     config.Config
	logger  *runtimeLogger
	repo    *sqlite.Repository
	metrics *telemetry.Metrics
	adapter *servercommon.AppServiceAdapter
}

// Close releases the repository and log sinks.
func (rt *commandRuntime) Close() {
	if rt.repo != nil {
		if err := rt.repo.Close(); err != nil {
			rt.logger.Warn("sqlite close failed", "db_path", rt.cfg.Database.Path, "err", err)
		}
	}
	_ = rt.logger.Close()
}

// openRuntime resolves paths and config, then wires storage, feed, resolver, service and solution seed.
func openRuntime(ctx context.Context, opts *rootOptions, stderr io.Writer, command string) (*commandRuntime, error) {
	paths, err := platform.DefaultPathsWithOptions(platform.Options{AppName: opts.appName, DevMode: opts.devMode})
	if err != nil {
		return nil, err
	}

	configPath := opts.configPath
	if configPath == "" {
		if envPath := strings.TrimSpace(os.Getenv("PKGCTL_CONFIG")); envPath != "" {
			configPath = envPath
		} else {
			configPath = paths.ConfigPath
		}
	}
	dbPath := strings.TrimSpace(opts.dbPath)
	dbOverridden := dbPath != ""
	if !dbOverridden {
		if envPath := strings.TrimSpace(os.Getenv("PKGCTL_DB_PATH")); envPath != "" {
			dbPath = envPath
			dbOverridden = true
		} else {
			dbPath = paths.DBPath
		}
	}

	cfg, err := config.Load(configPath, config.Default(dbPath))
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if dbOverridden {
		cfg.Database.Path = dbPath
	}
	if strings.TrimSpace(cfg.Feed.Path) == "" {
		cfg.Feed.Path = paths.FeedPath
	}
	if strings.TrimSpace(cfg.Solution.ManifestPath) == "" {
		cfg.Solution.ManifestPath = paths.SolutionPath
	}
	guardCfg, err := cfg.OperationGuardConfig()
	if err != nil {
		return nil, fmt.Errorf("operation config: %w", err)
	}
	plannerCfg, err := cfg.PlannerConfig()
	if err != nil {
		return nil, fmt.Errorf("planner config: %w", err)
	}

	logger, err := newRuntimeLogger(stderr, opts.appName, opts.devMode, cfg.Logging, time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	logger.Info("startup configuration resolved", "app", opts.appName, "dev_mode", opts.devMode, "command", command)
	logger.Debug("runtime paths resolved", "config_path", configPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Info("dev file logging enabled", "path", devPath)
	}

	catalog, err := feed.Load(cfg.Feed.Path)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("load package feed: %w", err)
	}
	logger.Info("package feed loaded", "path", cfg.Feed.Path, "sources", len(catalog.SourceNames()))

	logger.Info("opening sqlite repository", "db_path", cfg.Database.Path)
	repo, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("sqlite open failed", "db_path", cfg.Database.Path, "err", err)
		_ = logger.Close()
		return nil, fmt.Errorf("open sqlite repository: %w", err)
	}
	rt := &commandRuntime{cfg: cfg, logger: logger, repo: repo, metrics: telemetry.New()}

	svc := app.NewService(repo, resolver.New(catalog), uuid.NewString, time.Now, app.ServiceConfig{
		Operation: guardCfg,
		Planner:   plannerCfg,
		Logger:    logger.Component("app"),
		Observer:  rt.metrics,
	})
	if err := svc.Load(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("load project snapshot: %w", err)
	}
	manifest, err := solution.Load(cfg.Solution.ManifestPath)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("load solution manifest: %w", err)
	}
	known := func(id domain.ProjectID) bool {
		_, err := svc.GetProject(ctx, id)
		return err == nil
	}
	seeded, err := solution.SeedNew(ctx, svc, known, manifest)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("seed solution projects: %w", err)
	}
	logger.Info("solution projects seeded", "path", cfg.Solution.ManifestPath, "projects", seeded)

	rt.adapter = servercommon.NewAppServiceAdapter(svc)
	return rt, nil
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	encoded = append(encoded, '\n')
	_, err = w.Write(encoded)
	return err
}

// parseBoolEnv parses one boolean environment variable.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
