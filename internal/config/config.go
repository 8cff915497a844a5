// Package config loads the TOML runtime configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/evanschultz/pkgctl/internal/app"
	"github.com/evanschultz/pkgctl/internal/domain"
)

type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Logging   LoggingConfig   `toml:"logging"`
	Server    ServerConfig    `toml:"server"`
	Operation OperationConfig `toml:"operation"`
	Planner   PlannerConfig   `toml:"planner"`
	Feed      FeedConfig      `toml:"feed"`
	Solution  SolutionConfig  `toml:"solution"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"` // debug | info | warn | error
	DevFile DevFileConfig `toml:"dev_file"`
}

type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type ServerConfig struct {
	HTTPBind        string          `toml:"http_bind"`
	APIEndpoint     string          `toml:"api_endpoint"`
	RPCEndpoint     string          `toml:"rpc_endpoint"`
	MCPEndpoint     string          `toml:"mcp_endpoint"`
	MetricsEndpoint string          `toml:"metrics_endpoint"`
	RateLimit       RateLimitConfig `toml:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled bool    `toml:"enabled"`
	RPS     float64 `toml:"rps"`
	Burst   int     `toml:"burst"`
}

type OperationConfig struct {
	WaitPolicy  string `toml:"wait_policy"`  // block | fail
	WaitTimeout string `toml:"wait_timeout"` // Go duration, 0 waits forever
}

type PlannerConfig struct {
	UninstallConflictPolicy   string `toml:"uninstall_conflict_policy"` // require_force | strict
	DefaultDependencyBehavior string `toml:"default_dependency_behavior"`
}

type FeedConfig struct {
	Path string `toml:"path"`
}

type SolutionConfig struct {
	ManifestPath string `toml:"manifest_path"`
}

// Default returns the built-in configuration for dbPath.
func Default(dbPath string) Config {
	return Config{
		Database: DatabaseConfig{Path: dbPath},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     ".pkgctl/log",
			},
		},
		Server: ServerConfig{
			HTTPBind:        "127.0.0.1:5437",
			APIEndpoint:     "/api/v1",
			RPCEndpoint:     "/rpc",
			MCPEndpoint:     "/mcp",
			MetricsEndpoint: "/metrics",
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     30,
				Burst:   60,
			},
		},
		Operation: OperationConfig{
			WaitPolicy:  string(app.WaitPolicyBlock),
			WaitTimeout: "0s",
		},
		Planner: PlannerConfig{
			UninstallConflictPolicy:   string(app.UninstallConflictRequireForce),
			DefaultDependencyBehavior: string(domain.DependencyBehaviorLowest),
		},
	}
}

// Load overlays the TOML file at path onto defaults. A missing or empty file keeps the defaults.
func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}

	switch strings.TrimSpace(strings.ToLower(c.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	if c.Logging.DevFile.Enabled && strings.TrimSpace(c.Logging.DevFile.Dir) == "" {
		return errors.New("logging.dev_file.dir is required when dev_file is enabled")
	}

	if _, _, err := net.SplitHostPort(strings.TrimSpace(c.Server.HTTPBind)); err != nil {
		return fmt.Errorf("invalid server.http_bind %q: %w", c.Server.HTTPBind, err)
	}
	endpoints := map[string]string{
		"server.api_endpoint":     c.Server.APIEndpoint,
		"server.rpc_endpoint":     c.Server.RPCEndpoint,
		"server.mcp_endpoint":     c.Server.MCPEndpoint,
		"server.metrics_endpoint": c.Server.MetricsEndpoint,
	}
	seen := map[string]string{}
	for _, name := range []string{"server.api_endpoint", "server.rpc_endpoint", "server.mcp_endpoint", "server.metrics_endpoint"} {
		endpoint := strings.TrimRight(strings.TrimSpace(endpoints[name]), "/")
		if !strings.HasPrefix(endpoint, "/") {
			return fmt.Errorf("%s must start with '/': %q", name, endpoints[name])
		}
		if other, ok := seen[endpoint]; ok {
			return fmt.Errorf("%s duplicates %s: %q", name, other, endpoint)
		}
		seen[endpoint] = name
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RPS <= 0 {
			return fmt.Errorf("server.rate_limit.rps must be > 0, got %v", c.Server.RateLimit.RPS)
		}
		if c.Server.RateLimit.Burst <= 0 {
			return fmt.Errorf("server.rate_limit.burst must be > 0, got %d", c.Server.RateLimit.Burst)
		}
	}

	if _, err := c.OperationGuardConfig(); err != nil {
		return err
	}
	if _, err := c.PlannerConfig(); err != nil {
		return err
	}
	return nil
}

// OperationGuardConfig converts the [operation] section.
func (c Config) OperationGuardConfig() (app.OperationGuardConfig, error) {
	policy, err := app.ParseWaitPolicy(c.Operation.WaitPolicy)
	if err != nil {
		return app.OperationGuardConfig{}, fmt.Errorf("invalid operation.wait_policy: %w", err)
	}
	var timeout time.Duration
	if raw := strings.TrimSpace(c.Operation.WaitTimeout); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil {
			return app.OperationGuardConfig{}, fmt.Errorf("invalid operation.wait_timeout: %w", err)
		}
		if timeout < 0 {
			return app.OperationGuardConfig{}, fmt.Errorf("operation.wait_timeout must be >= 0, got %s", timeout)
		}
	}
	return app.OperationGuardConfig{WaitPolicy: policy, WaitTimeout: timeout}, nil
}

// PlannerConfig converts the [planner] section.
func (c Config) PlannerConfig() (app.PlannerConfig, error) {
	policy, err := app.ParseUninstallConflictPolicy(c.Planner.UninstallConflictPolicy)
	if err != nil {
		return app.PlannerConfig{}, fmt.Errorf("invalid planner.uninstall_conflict_policy: %w", err)
	}
	behavior, err := domain.ParseDependencyBehavior(c.Planner.DefaultDependencyBehavior, domain.DependencyBehaviorLowest)
	if err != nil {
		return app.PlannerConfig{}, fmt.Errorf("invalid planner.default_dependency_behavior: %w", err)
	}
	return app.PlannerConfig{UninstallConflictPolicy: policy, DefaultDependencyBehavior: behavior}, nil
}

// EnsureConfigDir creates the directory holding path.
func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
