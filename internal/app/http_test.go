package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"charter/api/internal/auth"
	"charter/api/internal/workflow"
)

func bearerFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  userID,
		Name: userID,
		JTI:  "jti-" + userID,
		Exp:  testNow.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", bearerFor(t, userID))
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func seededServer() (*HTTPServer, *fakeStore, *Service) {
	fs := newFakeStore()
	seedSpace(fs)
	fs.addProposal(publishedProposal("prp_1"))
	svc := newTestService(fs)
	return NewHTTPServer(svc, "*"), fs, svc
}

func assertUnauthorizedCode(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeResponse(t, rr); payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected code UNAUTHORIZED, got %v", payload["code"])
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	server, _, _ := seededServer()
	rr := doRequest(t, server, http.MethodGet, "/api/spaces/"+spaceID+"/proposals", "", nil)
	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithExpiredBearerReturnsUnauthorized(t *testing.T) {
	server, _, _ := seededServer()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub: author,
		JTI: "jti-expired",
		Exp: testNow.Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/spaces/"+spaceID+"/proposals", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	assertUnauthorizedCode(t, rr)
}

func TestSignUpThenListProposals(t *testing.T) {
	server, fs, _ := seededServer()

	rr := doRequest(t, server, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       "Grace@Example.com",
		"password":    "long enough",
		"displayName": "Grace",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	token, _ := payload["token"].(string)
	userID, _ := payload["userId"].(string)
	if token == "" || payload["refreshToken"] == "" {
		t.Fatalf("expected tokens, got %v", payload)
	}
	fs.addMember(spaceID, userID, "member")

	req := httptest.NewRequest(http.MethodGet, "/api/spaces/"+spaceID+"/proposals", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	list := httptest.NewRecorder()
	server.Handler().ServeHTTP(list, req)
	if list.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", list.Code, list.Body.String())
	}
	items, _ := decodeResponse(t, list)["items"].([]any)
	if len(items) != 0 {
		t.Fatalf("expected no visible proposals before grants are synced, got %d", len(items))
	}

	dup := doRequest(t, server, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       "grace@example.com",
		"password":    "long enough",
		"displayName": "Grace again",
	})
	if dup.Code != http.StatusConflict {
		t.Fatalf("expected status 409 for a taken email, got %d", dup.Code)
	}
}

func TestRefreshWithUnknownTokenIsUnauthorized(t *testing.T) {
	server, _, _ := seededServer()
	rr := doRequest(t, server, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": "nope"})
	assertUnauthorizedCode(t, rr)
}

func TestInvalidBodyReturnsBadRequest(t *testing.T) {
	server, _, _ := seededServer()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signin", strings.NewReader(`{"email":`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if payload := decodeResponse(t, rr); payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected code INVALID_BODY, got %v", payload["code"])
	}
}

func TestAnonymousProposalReadNeedsPublicGrant(t *testing.T) {
	server, fs, _ := seededServer()

	rr := doRequest(t, server, http.MethodGet, "/api/proposals/prp_1", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}

	p := fs.proposals["prp_1"]
	p.Evaluations[0].Permissions = []workflow.Grant{{Operation: workflow.OpView, SystemRole: workflow.SystemRolePublic}}
	fs.proposals["prp_1"] = p

	rr = doRequest(t, server, http.MethodGet, "/api/proposals/prp_1", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	proposal, _ := decodeResponse(t, rr)["proposal"].(map[string]any)
	if proposal["title"] != "Community garden prp_1" {
		t.Fatalf("unexpected proposal payload: %v", proposal)
	}
}

func TestSyncPermissionsRouteReportsMismatch(t *testing.T) {
	server, fs, _ := seededServer()
	p := fs.proposals["prp_1"]
	p.Evaluations[1].Type = workflow.TypeVote
	fs.proposals["prp_1"] = p

	rr := doRequest(t, server, http.MethodPost, "/api/proposals/prp_1/sync-permissions", admin, map[string]any{})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["code"] != "WORKFLOW_MISMATCH" {
		t.Fatalf("expected WORKFLOW_MISMATCH, got %v", payload["code"])
	}
	details, _ := payload["details"].(map[string]any)
	if details["index"] != float64(1) || details["field"] != "type" {
		t.Fatalf("unexpected details: %v", details)
	}
	if fs.permissionWrites != 0 {
		t.Fatalf("expected no permission writes, got %d", fs.permissionWrites)
	}
}

func TestSyncPermissionsRouteForbiddenForMembers(t *testing.T) {
	server, _, _ := seededServer()
	rr := doRequest(t, server, http.MethodPost, "/api/proposals/prp_1/sync-permissions", member, map[string]any{
		"evaluationIds": []string{"prp_1_review"},
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestWorkflowSyncRouteReturnsOutcomes(t *testing.T) {
	server, fs, _ := seededServer()
	fs.addProposal(publishedProposal("prp_2"))

	rr := doRequest(t, server, http.MethodPost, "/api/spaces/"+spaceID+"/workflows/wf_1/sync", admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	items, _ := decodeResponse(t, rr)["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(items))
	}
	for _, item := range items {
		outcome := item.(map[string]any)
		if outcome["synced"] != true {
			t.Fatalf("expected every proposal to sync, got %v", outcome)
		}
	}
}

func TestEvaluationTransitionRoutes(t *testing.T) {
	server, _, svc := seededServer()
	if _, err := svc.SyncProposalPermissionsWithWorkflow(context.Background(), "prp_1", nil); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rr := doRequest(t, server, http.MethodPost, "/api/proposals/prp_1/evaluations/prp_1_feedback/move", author, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/api/proposals/prp_1/evaluations/prp_1_review/review", reviewer, map[string]any{
		"result": "maybe",
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for an unknown result, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodPost, "/api/proposals/prp_1/evaluations/prp_1_review/review", reviewer, map[string]any{
		"result": "pass",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	step, _ := decodeResponse(t, rr)["currentStep"].(map[string]any)
	if step["result"] != "pass" {
		t.Fatalf("expected the review step to pass, got %v", step)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/proposals/prp_1/evaluations/prp_1_review/teleport", reviewer, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for an unknown action, got %d", rr.Code)
	}
}

func TestPermissionsRoute(t *testing.T) {
	server, _, _ := seededServer()

	rr := doRequest(t, server, http.MethodGet, "/api/proposals/prp_1/permissions?evaluationId=prp_1_review", reviewer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	flags, _ := decodeResponse(t, rr)["permissions"].(map[string]any)
	if flags["evaluate"] != true {
		t.Fatalf("expected the reviewer to evaluate their step, got %v", flags)
	}
	if _, listed := flags["make_public"]; !listed {
		t.Fatalf("expected every operation to be listed, got %v", flags)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/proposals/prp_1/permissions?evaluationId=missing", reviewer, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestExportRoutesStreamWithoutObjectStorage(t *testing.T) {
	server, _, _ := seededServer()

	rr := doRequest(t, server, http.MethodGet, "/api/spaces/"+spaceID+"/proposals/export.csv", admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected text/csv, got %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "Community garden prp_1") {
		t.Fatalf("expected the proposal in the csv, got %s", rr.Body.String())
	}

	rr = doRequest(t, server, http.MethodGet, "/api/proposals/prp_1/summary.pdf", admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("expected application/pdf, got %q", ct)
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "attachment") {
		t.Fatalf("expected an attachment, got %q", rr.Header().Get("Content-Disposition"))
	}
}

func TestDeleteWorkflowRouteConflict(t *testing.T) {
	server, _, _ := seededServer()
	rr := doRequest(t, server, http.MethodDelete, "/api/spaces/"+spaceID+"/workflows/wf_1", admin, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	details, _ := decodeResponse(t, rr)["details"].(map[string]any)
	if details["proposals"] != float64(1) {
		t.Fatalf("expected the proposal count in details, got %v", details)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	server, _, _ := seededServer()
	rr := doRequest(t, server, http.MethodGet, "/api/nowhere", admin, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}
