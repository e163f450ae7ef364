package server

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
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"autopilot/internal/domain"
	"autopilot/internal/engine"
	"autopilot/internal/events"
	"autopilot/internal/logging"
	"autopilot/internal/repo"
	"autopilot/internal/store"
)

type stubPlanner struct {
	reply string
}

func (p *stubPlanner) Complete(context.Context, string) (string, error) {
	return p.reply, nil
}

type testServer struct {
	URL     string
	Planner *stubPlanner
	Store   *store.MemoryStore
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	for key, value := range map[string]string{
		"users": `[{"email":"a@x","name":"Ada"}]`,
		"projects_a@x": `[
		  {"id":"p-auto","name":"Auto","automationMode":"full_auto","tasks":[{"id":"t1","title":"Existing"}]},
		  {"id":"p-suggest","name":"Suggest","automationMode":"suggest_only","tasks":[]}
		]`,
	} {
		if _, err := mem.Put(ctx, key, []byte(value), store.NoRevision); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	r := repo.Repo{Store: mem}
	planner := &stubPlanner{reply: "[]"}
	e := engine.New(r, planner, events.Writer{Repo: r}, logging.NewForTest())
	n := 0
	e.NewID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	handler, err := New(Config{Engine: e, Auth: auth, Logger: logging.NewForTest()})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Planner: planner,
		Store:   mem,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("health %d: %s", res.StatusCode, string(body))
	}
}

func TestAutoRunAndLogs(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	srv.Planner.reply = "Here you go:\n```json\n[{\"action\":\"create_task\",\"projectId\":\"p-auto\",\"title\":\"Write report\"}]\n```"

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/auto", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("auto status %d: %s", res.StatusCode, string(body))
	}
	var out AutoRunResponse
	decode(t, body, &out)
	if out.Status != "ok" || out.RunID == "" || out.Timestamp == "" {
		t.Fatalf("unexpected envelope: %+v", out)
	}
	if len(out.Results) != 1 || out.Results[0].Status != domain.StatusSuccess {
		t.Fatalf("unexpected results: %+v", out.Results)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/orchestrator/logs?limit=10", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("logs status %d: %s", res.StatusCode, string(body))
	}
	var logs LogsResponse
	decode(t, body, &logs)
	if len(logs.Runs) != 1 || logs.Runs[0].ID != out.RunID {
		t.Fatalf("expected the run in the log, got %+v", logs.Runs)
	}
}

func TestAutoRunMalformedProposal(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	srv.Planner.reply = "I could not decide."
	writes := srv.Store.Writes()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/auto", nil, nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", res.StatusCode, string(body))
	}
	var apiErr struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	decode(t, body, &apiErr)
	if apiErr.Error == "" || !strings.Contains(apiErr.Details, "parse") {
		t.Fatalf("unexpected error body: %s", string(body))
	}
	if srv.Store.Writes() != writes {
		t.Fatalf("fatal run must not write")
	}
}

func TestSuggestApproveFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	srv.Planner.reply = `[{"action":"create_task","projectId":"p-suggest","title":"Review"}]`

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/auto", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("auto status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/orchestrator/pending", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(body))
	}
	var pending PendingResponse
	decode(t, body, &pending)
	if len(pending.Items) != 1 {
		t.Fatalf("expected one pending suggestion, got %s", string(body))
	}
	suggested := pending.Items[0].Result.Action

	approve := map[string]any{"action": suggested}
	headers := map[string]string{"X-Actor-Id": "a@x"}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/approve", approve, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(body))
	}
	var result domain.ActionResult
	decode(t, body, &result)
	if result.Status != domain.StatusApproved || result.Actor != "a@x" {
		t.Fatalf("unexpected approval: %+v", result)
	}

	writes := srv.Store.Writes()
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/approve", approve, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second approve status %d: %s", res.StatusCode, string(body))
	}
	decode(t, body, &result)
	if result.Status != domain.StatusApproved {
		t.Fatalf("second approve should return stored result, got %+v", result)
	}
	if srv.Store.Writes() != writes {
		t.Fatalf("second approve must not write")
	}

	_, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/orchestrator/pending", nil, nil)
	decode(t, body, &pending)
	if len(pending.Items) != 0 {
		t.Fatalf("expected no pending suggestions, got %s", string(body))
	}
}

func TestRejectWithoutSuggestion(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/reject", map[string]any{
		"action": map[string]any{"id": "nope", "action": "create_task", "projectId": "p-auto"},
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
}

func TestApproveRequiresAction(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/approve", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(body))
	}
}

func TestUndoUnsupported(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/undo", map[string]any{
		"action": map[string]any{"action": "update_task", "projectId": "p-auto", "taskId": "t1"},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(body))
	}
	var apiErr struct {
		Error string `json:"error"`
	}
	decode(t, body, &apiErr)
	if apiErr.Error != "Undo not supported for this action type" {
		t.Fatalf("unexpected message %q", apiErr.Error)
	}
	_, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/orchestrator/logs", nil, nil)
	var logs LogsResponse
	decode(t, body, &logs)
	if len(logs.Runs) != 0 {
		t.Fatalf("unsupported undo must not be logged")
	}
}

func TestUndoByActionID(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	srv.Planner.reply = `[{"action":"delete_task","projectId":"p-auto","taskId":"t1"}]`
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/auto", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("auto status %d: %s", res.StatusCode, string(body))
	}
	var out AutoRunResponse
	decode(t, body, &out)
	if out.Results[0].Status != domain.StatusSuccess {
		t.Fatalf("delete failed: %+v", out.Results[0])
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/undo", map[string]any{
		"actionId": out.Results[0].ActionID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("undo status %d: %s", res.StatusCode, string(body))
	}
	var result domain.ActionResult
	decode(t, body, &result)
	if result.Status != domain.StatusUndone {
		t.Fatalf("expected undone, got %+v", result)
	}
	raw, err := srv.Store.Get(context.Background(), "projects_a@x")
	if err != nil {
		t.Fatalf("get projects: %v", err)
	}
	if !strings.Contains(string(raw.Value), `"t1"`) {
		t.Fatalf("task was not restored: %s", string(raw.Value))
	}
}

func TestUndoUnknownActionID(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/undo", map[string]any{"actionId": "missing"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
}

func TestJWTAuth(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/orchestrator/pending", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/orchestrator/pending", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should stay open, got %d", res.StatusCode)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ada"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token, "X-Actor-Id": "mallory"}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/approve", map[string]any{
		"action": map[string]any{"action": "create_task", "projectId": "p-auto", "title": "Manual"},
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(body))
	}
	var result domain.ActionResult
	decode(t, body, &result)
	if result.Actor != "ada" {
		t.Fatalf("expected actor from token, got %q", result.Actor)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	for _, p := range []string{"/orchestrator/auto", "/orchestrator/approve", "/orchestrator/undo", "/orchestrator/logs"} {
		if !strings.Contains(string(body), p) {
			t.Fatalf("openapi missing %s", p)
		}
	}
	var doc struct {
		Components struct {
			Schemas map[string]struct {
				Properties map[string]json.RawMessage `json:"properties"`
			} `json:"schemas"`
		} `json:"components"`
	}
	decode(t, body, &doc)
	result, ok := doc.Components.Schemas["ActionResult"]
	if !ok {
		t.Fatalf("openapi missing ActionResult schema")
	}
	action := string(result.Properties["action"])
	if strings.Contains(action, "ProjectID") || !strings.Contains(action, `"projectId"`) {
		t.Fatalf("action schema should describe the wire shape, got %s", action)
	}
}

func TestHandleErrorMapsMissingPlanner(t *testing.T) {
	err := handleError(&engine.RunError{Stage: engine.StagePropose, Err: engine.ErrNoPlanner})
	if err.GetStatus() != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", err.GetStatus())
	}
	if err := handleError(&engine.RunError{Stage: engine.StagePropose, Err: errors.New("boom")}); err.GetStatus() != http.StatusInternalServerError {
		t.Fatalf("expected 500 for other run failures, got %d", err.GetStatus())
	}
}

func TestApproveWithReusedPlannerIDs(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	srv.Planner.reply = `[{"id":"1","action":"create_task","projectId":"p-suggest","title":"Pending one"}]`
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/auto", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first auto status %d: %s", res.StatusCode, string(body))
	}
	var first AutoRunResponse
	decode(t, body, &first)

	srv.Planner.reply = `[{"id":"1","action":"create_task","projectId":"p-auto","title":"Other"}]`
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/auto", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second auto status %d: %s", res.StatusCode, string(body))
	}
	var second AutoRunResponse
	decode(t, body, &second)
	if first.Results[0].ActionID == second.Results[0].ActionID {
		t.Fatalf("runs share action id %q", first.Results[0].ActionID)
	}

	approve := map[string]any{"action": first.Results[0].Action}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/orchestrator/approve", approve, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(body))
	}
	var result domain.ActionResult
	decode(t, body, &result)
	if result.Status != domain.StatusApproved || result.Action.ProjectID != "p-suggest" {
		t.Fatalf("approved the wrong entry: %+v", result)
	}

	entry, err := srv.Store.Get(context.Background(), "projects_a@x")
	if err != nil {
		t.Fatalf("read projects: %v", err)
	}
	var projects []struct {
		ID    string           `json:"id"`
		Tasks []map[string]any `json:"tasks"`
	}
	decode(t, entry.Value, &projects)
	for _, p := range projects {
		if p.ID == "p-suggest" && (len(p.Tasks) != 1 || p.Tasks[0]["title"] != "Pending one") {
			t.Fatalf("suggestion not executed: %+v", p.Tasks)
		}
	}

	_, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/orchestrator/pending", nil, nil)
	var pending PendingResponse
	decode(t, body, &pending)
	if len(pending.Items) != 0 {
		t.Fatalf("suggestion still pending: %s", string(body))
	}
}
