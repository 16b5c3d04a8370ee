package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ananta888/ananta/internal/auth"
	"github.com/ananta888/ananta/internal/config"
	"github.com/ananta888/ananta/internal/metrics"
	"github.com/ananta888/ananta/internal/models"
	"github.com/ananta888/ananta/internal/store"
)

func TestHealthEndpoint_OK(t *testing.T) {
	s, cleanup := newTestServer(t, nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, cleanup := newTestServer(t, nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	server := NewServer(NewService(st, Config{}), ServerConfig{Addr: "127.0.0.1:0"})

	// Close the store to simulate DB error
	st.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s, cleanup := newTestServer(t, nil)
	defer cleanup()
	h := s.Handler()

	var task models.Task
	resp := do(t, h, http.MethodPost, "/tasks", "", map[string]any{"title": "Notes", "description": "summarize the notes"})
	expectStatus(t, resp, http.StatusCreated)
	decode(t, resp, &task)
	if task.Status != models.TaskStatusTodo {
		t.Fatalf("Expected todo, got %s", task.Status)
	}

	var claimed models.ClaimResult
	resp = do(t, h, http.MethodPost, "/tasks/"+task.ID+"/claim", "", map[string]any{"agent_url": "http://w1", "idempotency_key": "k"})
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &claimed)
	if !claimed.Claimed {
		t.Fatalf("Expected claim to be granted: %+v", claimed)
	}

	resp = do(t, h, http.MethodPost, "/tasks/"+task.ID+"/claim", "", map[string]any{"agent_url": "http://w2"})
	decode(t, resp, &claimed)
	if claimed.Claimed || claimed.Reason != models.ReasonLeaseHeld {
		t.Errorf("Expected lease_held refusal, got %+v", claimed)
	}

	resp = do(t, h, http.MethodPost, "/tasks/"+task.ID+"/complete", "", map[string]any{"actor": "http://w2", "output": "done"})
	expectStatus(t, resp, http.StatusConflict)

	var done models.CompleteResult
	resp = do(t, h, http.MethodPost, "/tasks/"+task.ID+"/complete", "", map[string]any{"actor": "http://w1", "output": "summary written", "exit_code": 0})
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &done)
	if done.Status != models.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", done.Status)
	}

	var rm models.ReadModel
	resp = do(t, h, http.MethodGet, "/orchestration/read-model", "", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &rm)
	if rm.Queue[models.TaskStatusCompleted] != 1 {
		t.Errorf("Expected one completed task, got %v", rm.Queue)
	}

	var tl struct {
		Events []map[string]any `json:"events"`
	}
	resp = do(t, h, http.MethodGet, "/tasks/"+task.ID+"/timeline", "", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &tl)
	if len(tl.Events) < 3 {
		t.Errorf("Expected at least 3 timeline events, got %d", len(tl.Events))
	}

	resp = do(t, h, http.MethodGet, "/tasks/"+task.ID+"/pdr", "", nil)
	expectStatus(t, resp, http.StatusOK)
}

func TestErrorMapping(t *testing.T) {
	s, cleanup := newTestServer(t, nil)
	defer cleanup()
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown task", http.MethodGet, "/tasks/nope", nil, http.StatusNotFound},
		{"claim unknown", http.MethodPost, "/tasks/nope/claim", map[string]any{"agent_url": "w"}, http.StatusNotFound},
		{"missing description", http.MethodPost, "/tasks", map[string]any{"title": "x"}, http.StatusBadRequest},
		{"unknown action", http.MethodGet, "/tasks/nope/whatever", nil, http.StatusNotFound},
		{"bad method", http.MethodDelete, "/tasks", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, h, tt.method, tt.path, "", tt.body)
			expectStatus(t, resp, tt.status)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid json, got %d", w.Code)
	}
}

func TestBearerTokens(t *testing.T) {
	authn := auth.NewAuthenticator([]auth.Token{
		{Token: "hub-token", Subject: "ops", Role: config.RoleHub, Admin: true},
		{Token: "worker-token", Subject: "http://w1", Role: config.RoleWorker},
	}, models.Caller{})
	s, cleanup := newTestServer(t, authn)
	defer cleanup()
	h := s.Handler()

	expectStatus(t, do(t, h, http.MethodGet, "/tasks", "", nil), http.StatusUnauthorized)
	expectStatus(t, do(t, h, http.MethodGet, "/tasks", "bogus", nil), http.StatusUnauthorized)
	expectStatus(t, do(t, h, http.MethodGet, "/health", "", nil), http.StatusOK)

	var task models.Task
	resp := do(t, h, http.MethodPost, "/tasks", "hub-token", map[string]any{"description": "parent work"})
	expectStatus(t, resp, http.StatusCreated)
	decode(t, resp, &task)
	if task.CreatedBy != "ops" {
		t.Errorf("Expected created_by from caller, got %q", task.CreatedBy)
	}

	body := map[string]any{"agent_url": "http://w1", "subtask_description": "part"}
	expectStatus(t, do(t, h, http.MethodPost, "/tasks/"+task.ID+"/delegate", "worker-token", body), http.StatusForbidden)
	expectStatus(t, do(t, h, http.MethodPost, "/tasks/"+task.ID+"/delegate", "hub-token", body), http.StatusCreated)

	expectStatus(t, do(t, h, http.MethodPost, "/tasks/archive/sweep", "worker-token", nil), http.StatusForbidden)
	expectStatus(t, do(t, h, http.MethodPost, "/tasks/archive/sweep", "hub-token", nil), http.StatusOK)
	expectStatus(t, do(t, h, http.MethodGet, "/tasks/archived", "worker-token", nil), http.StatusOK)

	// Claim defaults the agent to the caller subject.
	var claimed models.ClaimResult
	resp = do(t, h, http.MethodPost, "/tasks/"+task.ID+"/claim", "worker-token", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &claimed)
	if claimed.Holder != "http://w1" {
		t.Errorf("Expected holder http://w1, got %q", claimed.Holder)
	}
}

func TestSubtaskCallbackAuth(t *testing.T) {
	authn := auth.NewAuthenticator([]auth.Token{
		{Token: "hub-token", Subject: "ops", Role: config.RoleHub, Admin: true},
	}, models.Caller{})
	s, cleanup := newTestServer(t, authn)
	defer cleanup()
	h := s.Handler()

	var parent models.Task
	resp := do(t, h, http.MethodPost, "/tasks", "hub-token", map[string]any{"description": "parent work"})
	expectStatus(t, resp, http.StatusCreated)
	decode(t, resp, &parent)

	var child models.Task
	resp = do(t, h, http.MethodPost, "/tasks/"+parent.ID+"/delegate", "hub-token", map[string]any{
		"agent_url": "http://w1", "agent_token": "cb-token", "subtask_description": "part",
	})
	expectStatus(t, resp, http.StatusCreated)
	decode(t, resp, &child)

	callback := "/tasks/" + parent.ID + "/subtask-callback"
	bogus := map[string]any{"subtask_id": "bogus", "status": "failed", "output_preview": "injected error"}
	expectStatus(t, do(t, h, http.MethodPost, callback, "", bogus), http.StatusBadRequest)

	valid := map[string]any{"subtask_id": child.ID, "status": "completed"}
	expectStatus(t, do(t, h, http.MethodPost, callback, "", valid), http.StatusForbidden)
	expectStatus(t, do(t, h, http.MethodPost, callback, "hub-token", valid), http.StatusForbidden)

	got, err := s.service.GetTask(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	for _, e := range got.History {
		if e.EventType == models.EventSubtaskCallback {
			t.Fatalf("Unexpected callback event recorded: %+v", e.Details)
		}
	}

	expectStatus(t, do(t, h, http.MethodPost, callback, "cb-token", valid), http.StatusOK)
}

func TestToolEndpoints(t *testing.T) {
	s, cleanup := newTestServer(t, nil)
	defer cleanup()
	h := s.Handler()

	var desc struct {
		IsAdmin      bool     `json:"is_admin"`
		AllowedTools []string `json:"allowed_tools"`
	}
	resp := do(t, h, http.MethodGet, "/tools/capabilities", "", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &desc)
	if !desc.IsAdmin || len(desc.AllowedTools) == 0 {
		t.Errorf("Expected local admin with allowed tools, got %+v", desc)
	}

	var outcome struct {
		Allowed bool              `json:"allowed"`
		Reasons map[string]string `json:"reasons"`
	}
	resp = do(t, h, http.MethodPost, "/tools/validate", "", map[string]any{
		"tool_calls": []any{map[string]any{"name": "no_such_tool"}, "junk"},
	})
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &outcome)
	if outcome.Allowed {
		t.Error("Expected unknown tool to be blocked")
	}
	if outcome.Reasons["no_such_tool"] != "unknown_tool" || outcome.Reasons["<invalid>"] != "invalid_tool_call" {
		t.Errorf("Unexpected reasons: %v", outcome.Reasons)
	}
}

func TestGoalCacheAndPoolEndpoints(t *testing.T) {
	s, cleanup := newTestServer(t, nil)
	defer cleanup()
	h := s.Handler()

	expectStatus(t, do(t, h, http.MethodPost, "/goal-cache/set", "", map[string]any{"goal": "", "response": map[string]any{}}), http.StatusBadRequest)
	expectStatus(t, do(t, h, http.MethodPost, "/goal-cache/set", "", map[string]any{
		"goal": "Build the API", "context": "team-a", "response": map[string]any{"plan": "x"},
	}), http.StatusOK)

	var hit struct {
		Hit      bool           `json:"hit"`
		Response map[string]any `json:"response"`
	}
	resp := do(t, h, http.MethodPost, "/goal-cache/get", "", map[string]any{"goal": "build the api", "context": "team-a"})
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &hit)
	if !hit.Hit || hit.Response["plan"] != "x" {
		t.Errorf("Expected cache hit, got %+v", hit)
	}

	var stats map[string]any
	resp = do(t, h, http.MethodGet, "/goal-cache/stats", "", nil)
	decode(t, resp, &stats)
	if stats["hits"] != float64(1) {
		t.Errorf("Expected 1 hit, got %v", stats["hits"])
	}

	s.service.ModelPool().Register("local", "m1", 2)
	var status map[string]map[string]map[string]any
	resp = do(t, h, http.MethodGet, "/model-pool/status", "", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &status)
	if status["local"]["m1"]["limit"] != float64(2) {
		t.Errorf("Unexpected pool status: %v", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, cleanup := newTestServer(t, nil)
	defer cleanup()
	h := s.Handler()

	do(t, h, http.MethodGet, "/tasks", "", nil)
	resp := do(t, h, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `ananta_http_requests_total{method="GET",route="/tasks",status="200"} 1`) {
		t.Errorf("Expected request counter in metrics output, got:\n%s", body)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/tasks":               "/tasks",
		"/tasks/abc":           "/tasks/{id}",
		"/tasks/abc/claim":     "/tasks/{id}/claim",
		"/tasks/archived":      "/tasks/archived",
		"/tasks/archive/sweep": "/tasks/archive/sweep",
		"/goal-cache/get":      "/goal-cache/get",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func newTestServer(t *testing.T, authn *auth.Authenticator) (*Server, func()) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	m := metrics.MustNew(prometheus.NewRegistry())
	service := NewService(st, Config{Role: config.RoleHub, AgentURL: "http://hub"}, WithMetrics(m))
	server := NewServer(service, ServerConfig{Addr: "127.0.0.1:0", Auth: authn, Metrics: m})

	cleanup := func() {
		st.Close()
	}

	return server, cleanup
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}
