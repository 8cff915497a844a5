// Package httpapi provides the REST HTTP adapter for the server surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/evanschultz/pkgctl/internal/adapters/server/common"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// statusClientClosedRequest reports a request abandoned by its caller.
const statusClientClosedRequest = 499

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	service common.PackageService
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter.
func NewHandler(service common.PackageService) *Handler {
	return &Handler{service: service}
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeErrorFrom(w, common.ErrServiceUnavailable)
		return
	}
	r = r.WithContext(common.WithCaller(r.Context(), common.CallerFromHeaders(r.Header)))

	segments := splitPath(r.URL.Path)
	switch {
	case matches(segments, "projects"):
		h.only(w, r, http.MethodGet, h.handleGetProjects)
	case matches(segments, "projects", "*"):
		h.only(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) { h.handleGetProject(w, r, segments[1]) })
	case matches(segments, "projects", "*", "upgradeable"):
		h.only(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) { h.handleIsUpgradeable(w, r, segments[1]) })
	case matches(segments, "projects", "*", "upgrade"):
		h.only(w, r, http.MethodPost, func(w http.ResponseWriter, r *http.Request) { h.handleUpgrade(w, r, segments[1]) })
	case matches(segments, "projects", "*", "metadata", "*"):
		h.only(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) { h.handleMetadata(w, r, segments[1], segments[3]) })
	case matches(segments, "installed"):
		h.only(w, r, http.MethodGet, h.handleInstalled)
	case matches(segments, "upgradeable"):
		h.only(w, r, http.MethodGet, h.handleUpgradeable)
	case matches(segments, "operations"):
		h.only(w, r, http.MethodPost, h.handleBeginOperation)
	case matches(segments, "operations", "current"):
		h.only(w, r, http.MethodDelete, h.handleEndOperation)
	case matches(segments, "operations", "current", "execute"):
		h.only(w, r, http.MethodPost, h.handleExecute)
	case matches(segments, "plans", "install"):
		h.only(w, r, http.MethodPost, h.handlePlanInstall)
	case matches(segments, "plans", "uninstall"):
		h.only(w, r, http.MethodPost, h.handlePlanUninstall)
	case matches(segments, "plans", "update"):
		h.only(w, r, http.MethodPost, h.handlePlanUpdate)
	case matches(segments, "plans", "rollback"):
		h.only(w, r, http.MethodPost, h.handlePlanRollback)
	case matches(segments, "journal"):
		h.only(w, r, http.MethodGet, h.handleJournal)
	case matches(segments, "events"):
		h.only(w, r, http.MethodPost, h.handlePublishEvent)
	default:
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    string(common.CodeNotFound),
			Message: "endpoint not found",
		})
	}
}

// only dispatches to next when the request method matches.
func (h *Handler) only(w http.ResponseWriter, r *http.Request, method string, next http.HandlerFunc) {
	if r.Method != method {
		writeMethodNotAllowed(w, method)
		return
	}
	next(w, r)
}

// handleGetProjects serves GET `/projects`.
func (h *Handler) handleGetProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.service.GetProjects(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// handleGetProject serves GET `/projects/{id}`.
func (h *Handler) handleGetProject(w http.ResponseWriter, r *http.Request, projectID string) {
	project, err := h.service.GetProject(r.Context(), projectID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// handleIsUpgradeable serves GET `/projects/{id}/upgradeable`.
func (h *Handler) handleIsUpgradeable(w http.ResponseWriter, r *http.Request, projectID string) {
	ok, err := h.service.IsProjectUpgradeable(r.Context(), projectID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": projectID, "upgradeable": ok})
}

// handleUpgrade serves POST `/projects/{id}/upgrade`.
func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request, projectID string) {
	project, err := h.service.UpgradeProjectToPackageReference(r.Context(), projectID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// handleMetadata serves GET `/projects/{id}/metadata/{key}`. `?try=true` reports absence instead of failing.
func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request, projectID, key string) {
	req := common.MetadataRequest{ProjectID: projectID, Key: key}
	var (
		out common.Metadata
		err error
	)
	if try, _ := strconv.ParseBool(r.URL.Query().Get("try")); try {
		out, err = h.service.TryGetMetadata(r.Context(), req)
	} else {
		out, err = h.service.GetMetadata(r.Context(), req)
	}
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleInstalled serves GET `/installed?project_id=...`.
func (h *Handler) handleInstalled(w http.ResponseWriter, r *http.Request) {
	packages, err := h.service.GetInstalledPackages(r.Context(), common.ProjectIDsRequest{ProjectIDs: queryList(r, "project_id")})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": packages})
}

// handleUpgradeable serves GET `/upgradeable?project_id=...`.
func (h *Handler) handleUpgradeable(w http.ResponseWriter, r *http.Request) {
	projects, err := h.service.GetUpgradeableProjects(r.Context(), common.ProjectIDsRequest{ProjectIDs: queryList(r, "project_id")})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// handleBeginOperation serves POST `/operations`.
func (h *Handler) handleBeginOperation(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.BeginOperation(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// handleEndOperation serves DELETE `/operations/current`.
func (h *Handler) handleEndOperation(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.EndOperation(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleExecute serves POST `/operations/current/execute`. Failures carry the partial result.
func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req common.ActionsRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	result, err := h.service.ExecuteActions(r.Context(), req)
	if err != nil {
		apiErr := apiErrorFrom(err)
		if apiErr.Context == nil {
			apiErr.Context = map[string]any{}
		}
		apiErr.Context["result"] = result
		writeJSONError(w, statusFor(common.Classify(err)), apiErr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handlePlanInstall serves POST `/plans/install`.
func (h *Handler) handlePlanInstall(w http.ResponseWriter, r *http.Request) {
	var req common.InstallActionsRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	plan, err := h.service.GetInstallActions(r.Context(), req)
	writePlan(w, plan, err)
}

// handlePlanUninstall serves POST `/plans/uninstall`.
func (h *Handler) handlePlanUninstall(w http.ResponseWriter, r *http.Request) {
	var req common.UninstallActionsRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	plan, err := h.service.GetUninstallActions(r.Context(), req)
	writePlan(w, plan, err)
}

// handlePlanUpdate serves POST `/plans/update`.
func (h *Handler) handlePlanUpdate(w http.ResponseWriter, r *http.Request) {
	var req common.UpdateActionsRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	plan, err := h.service.GetUpdateActions(r.Context(), req)
	writePlan(w, plan, err)
}

// handlePlanRollback serves POST `/plans/rollback`.
func (h *Handler) handlePlanRollback(w http.ResponseWriter, r *http.Request) {
	var req common.ActionsRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	plan, err := h.service.GetRollbackActions(r.Context(), req)
	writePlan(w, plan, err)
}

// handleJournal serves GET `/journal?project_id=&limit=`.
func (h *Handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	req := common.JournalRequest{ProjectID: strings.TrimSpace(r.URL.Query().Get("project_id"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorFrom(w, fmt.Errorf("limit must be an integer: %w", common.ErrInvalidRequest))
			return
		}
		req.Limit = limit
	}
	records, err := h.service.ListActionJournal(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handlePublishEvent serves POST `/events`.
func (h *Handler) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req common.ProjectEvent
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	if err := h.service.PublishProjectEvent(r.Context(), req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "applied"})
}

// writePlan writes one plan or its error.
func writePlan(w http.ResponseWriter, plan common.Plan, err error) {
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// splitPath canonicalizes one request path into segments.
func splitPath(path string) []string {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// matches reports whether segments fit pattern, where "*" matches one non-empty segment.
func matches(segments []string, pattern ...string) bool {
	if len(segments) != len(pattern) {
		return false
	}
	for i, want := range pattern {
		if want == "*" {
			if strings.TrimSpace(segments[i]) == "" {
				return false
			}
			continue
		}
		if segments[i] != want {
			return false
		}
	}
	return true
}

// queryList collects repeated and comma-separated query values.
func queryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// statusFor maps wire codes to HTTP statuses.
func statusFor(code common.ErrorCode) int {
	switch code {
	case common.CodeProjectNotFound, common.CodePackageNotInstalled, common.CodeNotFound:
		return http.StatusNotFound
	case common.CodeInvalidRequest:
		return http.StatusBadRequest
	case common.CodeUnresolvableConstraints:
		return http.StatusUnprocessableEntity
	case common.CodeConflict, common.CodeOperationInProgress:
		return http.StatusConflict
	case common.CodeNoActiveOperation:
		return http.StatusPreconditionRequired
	case common.CodeOperationTimeout:
		return http.StatusServiceUnavailable
	case common.CodeCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// apiErrorFrom builds the envelope body for err.
func apiErrorFrom(err error) APIError {
	code := common.Classify(err)
	return APIError{
		Code:    string(code),
		Message: err.Error(),
		Hint:    common.Hint(code),
		Context: common.ErrorContext(err),
	}
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    string(common.CodeUnexpected),
			Message: "unknown error",
		})
		return
	}
	if errors.Is(err, common.ErrServiceUnavailable) {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: err.Error(),
		})
		return
	}
	writeJSONError(w, statusFor(common.Classify(err)), apiErrorFrom(err))
}

// writeMethodNotAllowed writes a structured 405 response with `Allow` headers.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":%q}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	// Reject trailing payloads so malformed JSON bodies fail closed.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}
