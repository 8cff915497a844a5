// Package mcpapi provides a stateless MCP streamable-HTTP adapter.
package mcpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/evanschultz/pkgctl/internal/adapters/server/common"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// NewHandler builds one stateless MCP adapter exposing every package service operation as a tool.
func NewHandler(cfg Config, service common.PackageService) (*Handler, error) {
	if service == nil {
		return nil, fmt.Errorf("package service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerProjectTools(mcpSrv, service)
	registerPlanTools(mcpSrv, service)
	registerOperationTools(mcpSrv, service)

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request with caller attribution from headers.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := common.WithCaller(r.Context(), common.CallerFromHeaders(r.Header))
	h.httpHandler.ServeHTTP(w, r.WithContext(ctx))
}

// normalizeConfig applies deterministic defaults to MCP adapter config.
func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "pkgctl"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

// addTool registers tool with arguments bound into P before fn runs.
func addTool[P any](srv *mcpserver.MCPServer, tool mcp.Tool, fn func(context.Context, P) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args P
		if err := req.BindArguments(&args); err != nil {
			return invalidRequestToolResult(err), nil
		}
		out, err := fn(ctx, args)
		if err != nil {
			return toolResultFromError(err), nil
		}
		result, err := mcp.NewToolResultJSON(out)
		if err != nil {
			return nil, fmt.Errorf("encode %s result: %w", tool.Name, err)
		}
		return result, nil
	})
}

type projectArgs struct {
	ProjectID string `json:"project_id"`
}

// registerProjectTools registers project directory tools.
func registerProjectTools(srv *mcpserver.MCPServer, service common.PackageService) {
	addTool(srv,
		mcp.NewTool(
			"pkgctl.get_projects",
			mcp.WithDescription("List every known project."),
		),
		func(ctx context.Context, _ struct{}) (any, error) {
			projects, err := service.GetProjects(ctx)
			return map[string]any{"projects": projects}, err
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.get_project",
			mcp.WithDescription("Return one project by id."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
		),
		func(ctx context.Context, args projectArgs) (any, error) {
			return service.GetProject(ctx, args.ProjectID)
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.get_metadata",
			mcp.WithDescription("Return one project metadata value. Missing keys are an error."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("key", mcp.Required(), mcp.Description("Metadata key")),
		),
		func(ctx context.Context, args common.MetadataRequest) (any, error) {
			return service.GetMetadata(ctx, args)
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.try_get_metadata",
			mcp.WithDescription("Return one project metadata value with a found flag."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("key", mcp.Required(), mcp.Description("Metadata key")),
		),
		func(ctx context.Context, args common.MetadataRequest) (any, error) {
			return service.TryGetMetadata(ctx, args)
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.is_project_upgradeable",
			mcp.WithDescription("Report whether a project can move to package references."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
		),
		func(ctx context.Context, args projectArgs) (any, error) {
			upgradeable, err := service.IsProjectUpgradeable(ctx, args.ProjectID)
			return map[string]any{"project_id": args.ProjectID, "upgradeable": upgradeable}, err
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.get_upgradeable_projects",
			mcp.WithDescription("List upgradeable projects among the selection, or among all projects."),
			mcp.WithArray("project_ids", mcp.Description("Optional project selection"), mcp.WithStringItems()),
		),
		func(ctx context.Context, args common.ProjectIDsRequest) (any, error) {
			projects, err := service.GetUpgradeableProjects(ctx, args)
			return map[string]any{"projects": projects}, err
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.upgrade_project",
			mcp.WithDescription("Convert one project to the package-reference style."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
		),
		func(ctx context.Context, args projectArgs) (any, error) {
			return service.UpgradeProjectToPackageReference(ctx, args.ProjectID)
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.get_installed_packages",
			mcp.WithDescription("List installed packages for the selected projects, or for all projects."),
			mcp.WithArray("project_ids", mcp.Description("Optional project selection"), mcp.WithStringItems()),
		),
		func(ctx context.Context, args common.ProjectIDsRequest) (any, error) {
			packages, err := service.GetInstalledPackages(ctx, args)
			return map[string]any{"packages": packages}, err
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.publish_project_event",
			mcp.WithDescription("Apply one solution change notification."),
			mcp.WithString("kind", mcp.Required(), mcp.Description("Event kind"), mcp.Enum("added", "removed", "renamed", "updated", "renamed_after_commit")),
			mcp.WithObject("project", mcp.Required(), mcp.Description("Project descriptor")),
		),
		func(ctx context.Context, args common.ProjectEvent) (any, error) {
			if err := service.PublishProjectEvent(ctx, args); err != nil {
				return nil, err
			}
			return map[string]string{"status": "applied"}, nil
		},
	)
}

// registerPlanTools registers action planning tools.
func registerPlanTools(srv *mcpserver.MCPServer, service common.PackageService) {
	behaviors := []string{"lowest", "highest_patch", "highest_minor", "highest", "ignore"}
	addTool(srv,
		mcp.NewTool(
			"pkgctl.get_install_actions",
			mcp.WithDescription("Plan the actions that install one package into one project."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithObject("package", mcp.Required(), mcp.Description("Package identity {id, version}")),
			mcp.WithArray("version_constraints", mcp.Description("Pinned components"), mcp.WithStringItems()),
			mcp.WithBoolean("include_prerelease", mcp.Description("Allow prerelease versions")),
			mcp.WithString("dependency_behavior", mcp.Description("Dependency selection"), mcp.Enum(behaviors...)),
			mcp.WithArray("package_source_names", mcp.Description("Restrict to these feed sources"), mcp.WithStringItems()),
			mcp.WithBoolean("reinstall", mcp.Description("Reinstall an installed version")),
		),
		func(ctx context.Context, args common.InstallActionsRequest) (any, error) {
			return service.GetInstallActions(ctx, args)
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.get_uninstall_actions",
			mcp.WithDescription("Plan the actions that remove one package from one project."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
			mcp.WithString("package_id", mcp.Required(), mcp.Description("Package identifier")),
			mcp.WithBoolean("remove_dependencies", mcp.Description("Also remove orphaned automatic dependencies")),
			mcp.WithBoolean("force_remove", mcp.Description("Remove even when other packages depend on it")),
		),
		func(ctx context.Context, args common.UninstallActionsRequest) (any, error) {
			return service.GetUninstallActions(ctx, args)
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.get_update_actions",
			mcp.WithDescription("Plan the actions that update packages across projects."),
			mcp.WithArray("project_ids", mcp.Required(), mcp.Description("Projects to update"), mcp.WithStringItems()),
			mcp.WithArray("packages", mcp.Description("Packages to update; empty means all installed"), mcp.Items(map[string]any{"type": "object"})),
			mcp.WithArray("version_constraints", mcp.Description("Pinned components"), mcp.WithStringItems()),
			mcp.WithBoolean("include_prerelease", mcp.Description("Allow prerelease versions")),
			mcp.WithString("dependency_behavior", mcp.Description("Dependency selection"), mcp.Enum(behaviors...)),
			mcp.WithArray("package_source_names", mcp.Description("Restrict to these feed sources"), mcp.WithStringItems()),
		),
		func(ctx context.Context, args common.UpdateActionsRequest) (any, error) {
			return service.GetUpdateActions(ctx, args)
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.get_rollback_actions",
			mcp.WithDescription("Plan the inverse of previously applied actions."),
			mcp.WithArray("actions", mcp.Required(), mcp.Description("Applied actions in execution order"), mcp.Items(map[string]any{"type": "object"})),
		),
		func(ctx context.Context, args common.ActionsRequest) (any, error) {
			return service.GetRollbackActions(ctx, args)
		},
	)
}

// registerOperationTools registers session, execution and journal tools.
func registerOperationTools(srv *mcpserver.MCPServer, service common.PackageService) {
	addTool(srv,
		mcp.NewTool(
			"pkgctl.begin_operation",
			mcp.WithDescription("Open the single operation session, waiting per the configured policy."),
		),
		func(ctx context.Context, _ struct{}) (any, error) {
			return service.BeginOperation(ctx)
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.end_operation",
			mcp.WithDescription("Close the operation session. Closing with no session is a no-op."),
		),
		func(ctx context.Context, _ struct{}) (any, error) {
			return service.EndOperation(ctx)
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.execute_actions",
			mcp.WithDescription("Apply planned actions in order inside the open operation session."),
			mcp.WithArray("actions", mcp.Required(), mcp.Description("Planned actions, unchanged"), mcp.Items(map[string]any{"type": "object"})),
		),
		func(ctx context.Context, args common.ActionsRequest) (any, error) {
			result, err := service.ExecuteActions(ctx, args)
			if err != nil {
				return nil, &executionError{result: result, err: err}
			}
			return result, nil
		},
	)
	addTool(srv,
		mcp.NewTool(
			"pkgctl.list_action_journal",
			mcp.WithDescription("List executed actions, newest first."),
			mcp.WithString("project_id", mcp.Description("Optional project filter")),
			mcp.WithNumber("limit", mcp.Description("Maximum rows to return")),
		),
		func(ctx context.Context, args common.JournalRequest) (any, error) {
			records, err := service.ListActionJournal(ctx, args)
			return map[string]any{"records": records}, err
		},
	)
}

// executionError carries the partial result of a failed execution.
type executionError struct {
	result common.ExecutionResult
	err    error
}

func (e *executionError) Error() string { return e.err.Error() }
func (e *executionError) Unwrap() error { return e.err }

// toolResultFromError maps service errors into MCP-visible tool errors prefixed by their wire code.
func toolResultFromError(err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError("unexpected: unknown error")
	}
	if errors.Is(err, common.ErrServiceUnavailable) {
		return mcp.NewToolResultError("service_unavailable: " + err.Error())
	}
	code := common.Classify(err)
	text := string(code) + ": " + err.Error()
	if hint := common.Hint(code); hint != "" {
		text += " (" + hint + ")"
	}
	result := mcp.NewToolResultError(text)
	structured := map[string]any{"code": string(code)}
	if ctx := common.ErrorContext(err); len(ctx) > 0 {
		structured["context"] = ctx
	}
	var execErr *executionError
	if errors.As(err, &execErr) {
		structured["result"] = execErr.result
	}
	result.StructuredContent = structured
	return result
}

// invalidRequestToolResult reports arguments that do not bind into the tool's shape.
func invalidRequestToolResult(err error) *mcp.CallToolResult {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &typeErr):
		return mcp.NewToolResultError(fmt.Sprintf("invalid_request: argument %q has the wrong type", typeErr.Field))
	case errors.As(err, &syntaxErr):
		return mcp.NewToolResultError("invalid_request: malformed arguments")
	default:
		return mcp.NewToolResultError("invalid_request: " + err.Error())
	}
}
