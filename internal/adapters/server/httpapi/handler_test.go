package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/evanschultz/pkgctl/internal/adapters/server/common"
	"github.com/evanschultz/pkgctl/internal/adapters/server/servertest"
)

// do issues one request against h and decodes the JSON response into out when non-nil.
func do(t *testing.T, h http.Handler, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(common.HeaderCallerID, "rest-client")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("json.Unmarshal(%s %s) error = %v; body=%s", method, path, err, rec.Body.String())
		}
	}
	return rec
}

func TestHandlerOperationFlow(t *testing.T) {
	h := NewHandler(servertest.New(t).Adapter)

	var plan common.Plan
	rec := do(t, h, http.MethodPost, "/plans/install", `{"project_id":"p1","package":{"id":"A","version":"1.0.0"}}`, &plan)
	if rec.Code != http.StatusOK || len(plan.Actions) != 2 {
		t.Fatalf("plan install status=%d body=%s", rec.Code, rec.Body.String())
	}

	var session common.Session
	if rec := do(t, h, http.MethodPost, "/operations", "", &session); rec.Code != http.StatusCreated || session.ID == "" {
		t.Fatalf("begin status=%d body=%s", rec.Code, rec.Body.String())
	}
	body, err := json.Marshal(common.ActionsRequest{Actions: plan.Actions})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var result common.ExecutionResult
	if rec := do(t, h, http.MethodPost, "/operations/current/execute", string(body), &result); rec.Code != http.StatusOK || len(result.Applied) != 2 {
		t.Fatalf("execute status=%d body=%s", rec.Code, rec.Body.String())
	}
	var ended common.EndResult
	if rec := do(t, h, http.MethodDelete, "/operations/current", "", &ended); rec.Code != http.StatusOK || !ended.Ended {
		t.Fatalf("end status=%d body=%s", rec.Code, rec.Body.String())
	}

	var installed struct {
		Packages []common.InstalledPackage `json:"packages"`
	}
	if rec := do(t, h, http.MethodGet, "/installed?project_id=p1", "", &installed); rec.Code != http.StatusOK || len(installed.Packages) != 2 {
		t.Fatalf("installed status=%d body=%s", rec.Code, rec.Body.String())
	}

	var journal struct {
		Records []common.JournalRecord `json:"records"`
	}
	if rec := do(t, h, http.MethodGet, "/journal?project_id=p1&limit=1", "", &journal); rec.Code != http.StatusOK || len(journal.Records) != 1 {
		t.Fatalf("journal status=%d body=%s", rec.Code, rec.Body.String())
	}
	if journal.Records[0].ActorID != "rest-client" {
		t.Fatalf("expected journal attribution to rest-client, got %#v", journal.Records[0])
	}
}

func TestHandlerErrorEnvelopes(t *testing.T) {
	h := NewHandler(servertest.New(t).Adapter)
	cases := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"missing project", http.MethodGet, "/projects/nope", "", http.StatusNotFound, "project_not_found"},
		{"missing metadata", http.MethodGet, "/projects/p1/metadata/absent", "", http.StatusNotFound, "not_found"},
		{"execute without session", http.MethodPost, "/operations/current/execute", `{"actions":[]}`, http.StatusPreconditionRequired, "no_active_operation"},
		{"unknown field", http.MethodPost, "/plans/install", `{"project_id":"p1","bogus":true}`, http.StatusBadRequest, "invalid_request"},
		{"trailing body", http.MethodPost, "/plans/uninstall", `{"project_id":"p1","package_id":"A"}{}`, http.StatusBadRequest, "invalid_request"},
		{"uninstall missing package", http.MethodPost, "/plans/uninstall", `{"project_id":"p1","package_id":"A"}`, http.StatusNotFound, "package_not_installed"},
		{"unresolvable", http.MethodPost, "/plans/install", `{"project_id":"p1","package":{"id":"A","version":"9.9.9"}}`, http.StatusUnprocessableEntity, "unresolvable_constraints"},
		{"update without projects", http.MethodPost, "/plans/update", `{"project_ids":[]}`, http.StatusBadRequest, "invalid_request"},
		{"bad limit", http.MethodGet, "/journal?limit=ten", "", http.StatusBadRequest, "invalid_request"},
		{"wrong method", http.MethodPost, "/projects", "", http.StatusMethodNotAllowed, "method_not_allowed"},
		{"unknown route", http.MethodGet, "/nowhere", "", http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var envelope ErrorEnvelope
			rec := do(t, h, tc.method, tc.path, tc.body, &envelope)
			if rec.Code != tc.wantStatus || envelope.Error.Code != tc.wantCode {
				t.Fatalf("status=%d code=%q, want %d %q; body=%s", rec.Code, envelope.Error.Code, tc.wantStatus, tc.wantCode, rec.Body.String())
			}
		})
	}
}

func TestHandlerSecondBeginConflicts(t *testing.T) {
	h := NewHandler(servertest.New(t).Adapter)
	if rec := do(t, h, http.MethodPost, "/operations", "", nil); rec.Code != http.StatusCreated {
		t.Fatalf("first begin status=%d", rec.Code)
	}
	var envelope ErrorEnvelope
	rec := do(t, h, http.MethodPost, "/operations", "", &envelope)
	if rec.Code != http.StatusConflict || envelope.Error.Code != "operation_in_progress" || envelope.Error.Hint == "" {
		t.Fatalf("second begin status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandlerProjectsAndUpgrade(t *testing.T) {
	h := NewHandler(servertest.New(t).Adapter)

	var projects struct {
		Projects []common.Project `json:"projects"`
	}
	if rec := do(t, h, http.MethodGet, "/projects", "", &projects); rec.Code != http.StatusOK || len(projects.Projects) != 2 {
		t.Fatalf("projects status=%d body=%s", rec.Code, rec.Body.String())
	}
	var upgradeable map[string]any
	if rec := do(t, h, http.MethodGet, "/projects/p2/upgradeable", "", &upgradeable); rec.Code != http.StatusOK || upgradeable["upgradeable"] != true {
		t.Fatalf("upgradeable status=%d body=%s", rec.Code, rec.Body.String())
	}
	var metadata common.Metadata
	if rec := do(t, h, http.MethodGet, "/projects/p1/metadata/absent?try=true", "", &metadata); rec.Code != http.StatusOK || metadata.Found {
		t.Fatalf("try metadata status=%d body=%s", rec.Code, rec.Body.String())
	}
	var project common.Project
	if rec := do(t, h, http.MethodPost, "/projects/p2/upgrade", "", &project); rec.Code != http.StatusOK || project.Style != "package_reference" {
		t.Fatalf("upgrade status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/events", `{"kind":"added","project":{"id":"p3","name":"Tools","style":"package_reference"}}`, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("publish status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/projects/p3", "", &project); rec.Code != http.StatusOK || project.Name != "Tools" {
		t.Fatalf("get p3 status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandlerServiceUnavailable(t *testing.T) {
	var envelope ErrorEnvelope
	rec := do(t, NewHandler(nil), http.MethodGet, "/projects", "", &envelope)
	if rec.Code != http.StatusServiceUnavailable || envelope.Error.Code != "service_unavailable" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}
