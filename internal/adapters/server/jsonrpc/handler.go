// Package jsonrpc exposes the package service as JSON-RPC 2.0 over HTTP POST.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/evanschultz/pkgctl/internal/adapters/server/common"
	"github.com/evanschultz/pkgctl/internal/platform/ratelimit"
)

const maxRPCBodyBytes int64 = 1 << 20

// Standard JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeRateLimited    = -32029
	codeUnavailable    = -32099
)

// serviceCodes maps wire error codes onto the server-defined JSON-RPC range.
var serviceCodes = map[common.ErrorCode]int{
	common.CodeProjectNotFound:         -32001,
	common.CodePackageNotInstalled:     -32002,
	common.CodeUnresolvableConstraints: -32003,
	common.CodeConflict:                -32004,
	common.CodeOperationInProgress:     -32005,
	common.CodeOperationTimeout:        -32006,
	common.CodeNoActiveOperation:       -32007,
	common.CodeCancelled:               -32008,
	common.CodeNotFound:                -32009,
	common.CodeInvalidRequest:          -32010,
	common.CodeUnexpected:              -32011,
}

// Logger is the subset of the runtime logger the handler uses.
type Logger interface {
	Debug(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *errorData `json:"data,omitempty"`
}

type errorData struct {
	Code    string         `json:"code"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Config configures optional handler behavior.
type Config struct {
	RateLimiter *ratelimit.Limiter
	Logger      Logger
	Now         func() time.Time
}

// Handler serves JSON-RPC requests.
type Handler struct {
	service common.PackageService
	limiter *ratelimit.Limiter
	logger  Logger
	now     func() time.Time
	methods map[string]method
}

type method func(ctx context.Context, params json.RawMessage) (any, error)

// NewHandler builds one JSON-RPC handler over service.
func NewHandler(service common.PackageService, cfg Config) *Handler {
	h := &Handler{
		service: service,
		limiter: cfg.RateLimiter,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.methods = h.routes()
	return h
}

// Methods lists every dispatchable method name.
func (h *Handler) Methods() []string {
	out := make([]string, 0, len(h.methods))
	for name := range h.methods {
		out = append(out, name)
	}
	return out
}

// ServeHTTP handles one JSON-RPC call.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.service == nil {
		writeRPC(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeUnavailable, Message: "service is not initialized"}})
		return
	}
	caller := common.CallerFromHeaders(r.Header)
	if !h.limiter.Allow(rateLimitKey(r, caller.ID), h.now()) {
		writeRPC(w, http.StatusTooManyRequests, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeRateLimited, Message: "rate limit exceeded"}})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeRPC(w, http.StatusOK, invalidRequest(req.ID))
		return
	}
	if req.JSONRPC != "2.0" || strings.TrimSpace(req.Method) == "" {
		writeRPC(w, http.StatusOK, invalidRequest(req.ID))
		return
	}

	ctx := common.WithCaller(r.Context(), caller)
	started := h.now()
	result, rpcErr := h.dispatch(ctx, req.Method, req.Params)
	if h.logger != nil {
		if rpcErr != nil {
			h.logger.Warn("rpc failed", "method", req.Method, "rpc_code", rpcErr.Code, "latency", h.now().Sub(started))
		} else {
			h.logger.Debug("rpc handled", "method", req.Method, "latency", h.now().Sub(started))
		}
	}
	if isNotification(req.ID) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeRPC(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}

// dispatch runs one method and converts its error.
func (h *Handler) dispatch(ctx context.Context, name string, params json.RawMessage) (any, *rpcError) {
	fn, ok := h.methods[name]
	if !ok {
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", name)}
	}
	result, err := fn(ctx, params)
	if err != nil {
		return nil, toRPCError(err)
	}
	return result, nil
}

// routes binds method names to service calls. Names match the service operations exactly.
func (h *Handler) routes() map[string]method {
	s := h.service
	return map[string]method{
		"GetInstalledPackages": withParams(func(ctx context.Context, p common.ProjectIDsRequest) (any, error) {
			return s.GetInstalledPackages(ctx, p)
		}),
		"GetMetadata": withParams(func(ctx context.Context, p common.MetadataRequest) (any, error) {
			return s.GetMetadata(ctx, p)
		}),
		"TryGetMetadata": withParams(func(ctx context.Context, p common.MetadataRequest) (any, error) {
			return s.TryGetMetadata(ctx, p)
		}),
		"GetProject": withParams(func(ctx context.Context, p projectParams) (any, error) {
			return s.GetProject(ctx, p.ProjectID)
		}),
		"GetProjects": withParams(func(ctx context.Context, _ struct{}) (any, error) {
			return s.GetProjects(ctx)
		}),
		"IsProjectUpgradeable": withParams(func(ctx context.Context, p projectParams) (any, error) {
			return s.IsProjectUpgradeable(ctx, p.ProjectID)
		}),
		"GetUpgradeableProjects": withParams(func(ctx context.Context, p common.ProjectIDsRequest) (any, error) {
			return s.GetUpgradeableProjects(ctx, p)
		}),
		"UpgradeProjectToPackageReference": withParams(func(ctx context.Context, p projectParams) (any, error) {
			return s.UpgradeProjectToPackageReference(ctx, p.ProjectID)
		}),
		"BeginOperation": withParams(func(ctx context.Context, _ struct{}) (any, error) {
			return s.BeginOperation(ctx)
		}),
		"EndOperation": withParams(func(ctx context.Context, _ struct{}) (any, error) {
			return s.EndOperation(ctx)
		}),
		"ExecuteActions": withParams(func(ctx context.Context, p common.ActionsRequest) (any, error) {
			result, err := s.ExecuteActions(ctx, p)
			if err != nil {
				return nil, &executionError{result: result, err: err}
			}
			return result, nil
		}),
		"GetInstallActions": withParams(func(ctx context.Context, p common.InstallActionsRequest) (any, error) {
			return s.GetInstallActions(ctx, p)
		}),
		"GetUninstallActions": withParams(func(ctx context.Context, p common.UninstallActionsRequest) (any, error) {
			return s.GetUninstallActions(ctx, p)
		}),
		"GetUpdateActions": withParams(func(ctx context.Context, p common.UpdateActionsRequest) (any, error) {
			return s.GetUpdateActions(ctx, p)
		}),
		"GetRollbackActions": withParams(func(ctx context.Context, p common.ActionsRequest) (any, error) {
			return s.GetRollbackActions(ctx, p)
		}),
		"ListActionJournal": withParams(func(ctx context.Context, p common.JournalRequest) (any, error) {
			return s.ListActionJournal(ctx, p)
		}),
		"PublishProjectEvent": withParams(func(ctx context.Context, p common.ProjectEvent) (any, error) {
			if err := s.PublishProjectEvent(ctx, p); err != nil {
				return nil, err
			}
			return map[string]string{"status": "applied"}, nil
		}),
	}
}

type projectParams struct {
	ProjectID string `json:"project_id"`
}

// errInvalidParams marks params that do not decode into the method's shape.
var errInvalidParams = errors.New("invalid params")

// withParams decodes named params strictly before calling fn. Absent params decode as the zero value.
func withParams[P any](fn func(context.Context, P) (any, error)) method {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(trimmed))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&params); err != nil {
				return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
			}
		}
		return fn(ctx, params)
	}
}

// executionError carries the partial result of a failed execution.
type executionError struct {
	result common.ExecutionResult
	err    error
}

func (e *executionError) Error() string { return e.err.Error() }
func (e *executionError) Unwrap() error { return e.err }

// toRPCError maps service errors onto JSON-RPC errors with the wire code in data.
func toRPCError(err error) *rpcError {
	if errors.Is(err, errInvalidParams) {
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}
	if errors.Is(err, common.ErrServiceUnavailable) {
		return &rpcError{Code: codeUnavailable, Message: err.Error()}
	}
	code := common.Classify(err)
	data := &errorData{Code: string(code), Hint: common.Hint(code), Context: common.ErrorContext(err)}
	var execErr *executionError
	if errors.As(err, &execErr) {
		if data.Context == nil {
			data.Context = map[string]any{}
		}
		data.Context["result"] = execErr.result
	}
	return &rpcError{Code: serviceCodes[code], Message: err.Error(), Data: data}
}

func invalidRequest(id json.RawMessage) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}}
}

func isNotification(id json.RawMessage) bool {
	return len(bytes.TrimSpace(id)) == 0
}

// rateLimitKey prefers the caller id and falls back to the remote host.
func rateLimitKey(r *http.Request, callerID string) string {
	if id := strings.TrimSpace(callerID); id != "" {
		return "caller:" + id
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return "ip:" + remote
	}
	if strings.TrimSpace(host) == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}

func writeRPC(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
