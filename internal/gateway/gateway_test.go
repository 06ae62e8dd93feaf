package gateway_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/stratahq/strata/internal/audit"
	"github.com/stratahq/strata/internal/batch"
	"github.com/stratahq/strata/internal/bus"
	"github.com/stratahq/strata/internal/cache"
	"github.com/stratahq/strata/internal/gateway"
	"github.com/stratahq/strata/internal/resolver"
	"github.com/stratahq/strata/internal/service"
	"github.com/stratahq/strata/internal/store"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ca := cache.New(cache.DefaultCapacity, cache.DefaultTTL)
	eventBus := bus.New()
	svc := service.New(st, ca, resolver.New(st, slog.Default()), eventBus,
		audit.New(st, slog.Default()), slog.Default())
	ex := batch.New(svc, st, ca, 4, 30*time.Second, slog.Default())
	return gateway.New(svc, ex, st, eventBus, "default", slog.Default()).Router()
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, user string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, w.Body.String())
	}
	return out
}

func seedChain(t *testing.T, router *gin.Engine, user string) {
	t.Helper()
	for _, body := range []map[string]any{
		{"level": "global", "data": map[string]any{"standard": "v1"}},
		{"level": "project", "context_id": "P1", "data": map[string]any{"standard": "v2", "name": "Proj"}},
		{"level": "branch", "context_id": "B1", "project_id": "P1", "data": map[string]any{"name": "main"}},
		{"level": "task", "context_id": "T1", "branch_id": "B1", "data": map[string]any{"title": "Do X"}},
	} {
		w := doJSON(t, router, http.MethodPost, "/v1/contexts", body, user)
		if w.Code != http.StatusCreated {
			t.Fatalf("seed create %v: status %d: %s", body["level"], w.Code, w.Body.String())
		}
	}
}

func TestCreateContext(t *testing.T) {
	router := newRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/contexts", map[string]any{
		"level": "project", "context_id": "P1", "data": map[string]any{"name": "Proj"},
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	created := decode(t, w)
	if created["id"] != "P1" || created["version"].(float64) != 1 {
		t.Errorf("created = %v", created)
	}

	// Duplicate is a conflict.
	w = doJSON(t, router, http.MethodPost, "/v1/contexts", map[string]any{
		"level": "project", "context_id": "P1",
	}, "")
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", w.Code)
	}
}

func TestCreateContext_InvalidLevel(t *testing.T) {
	router := newRouter(t)
	w := doJSON(t, router, http.MethodPost, "/v1/contexts", map[string]any{"level": "galaxy"}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetContext(t *testing.T) {
	router := newRouter(t)
	seedChain(t, router, "")

	w := doJSON(t, router, http.MethodGet, "/v1/contexts/task/T1", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	data := decode(t, w)["data"].(map[string]any)
	if data["title"] != "Do X" {
		t.Errorf("data = %v", data)
	}
	if _, ok := data["standard"]; ok {
		t.Error("direct get should not inherit")
	}

	w = doJSON(t, router, http.MethodGet, "/v1/contexts/task/ghost", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing context status = %d, want 404", w.Code)
	}
}

func TestGetContext_IncludeInherited(t *testing.T) {
	router := newRouter(t)
	seedChain(t, router, "")

	w := doJSON(t, router, http.MethodGet, "/v1/contexts/task/T1?include_inherited=true", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resolved := decode(t, w)
	data := resolved["data"].(map[string]any)
	if data["standard"] != "v2" || data["name"] != "main" || data["title"] != "Do X" {
		t.Errorf("resolved data = %v", data)
	}
	if len(resolved["inheritance_chain"].([]any)) != 4 {
		t.Errorf("chain = %v", resolved["inheritance_chain"])
	}
}

func TestUpdateContext(t *testing.T) {
	router := newRouter(t)
	seedChain(t, router, "")

	w := doJSON(t, router, http.MethodPut, "/v1/contexts/project/P1", map[string]any{
		"data": map[string]any{"standard": "v3"},
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	updated := decode(t, w)
	if updated["version"].(float64) != 2 {
		t.Errorf("version = %v", updated["version"])
	}
	data := updated["data"].(map[string]any)
	if data["standard"] != "v3" || data["name"] != "Proj" {
		t.Errorf("data = %v", data)
	}
}

func TestDeleteContext(t *testing.T) {
	router := newRouter(t)
	seedChain(t, router, "")

	w := doJSON(t, router, http.MethodDelete, "/v1/contexts/branch/B1", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, router, http.MethodDelete, "/v1/contexts/branch/B1", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestResolveEndpoint(t *testing.T) {
	router := newRouter(t)
	seedChain(t, router, "")

	w := doJSON(t, router, http.MethodPost, "/v1/contexts/branch/B1/resolve", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	data := decode(t, w)["data"].(map[string]any)
	if data["standard"] != "v2" || data["name"] != "main" {
		t.Errorf("data = %v", data)
	}
}

func TestDelegateEndpoint(t *testing.T) {
	router := newRouter(t)
	seedChain(t, router, "")

	w := doJSON(t, router, http.MethodPost, "/v1/contexts/task/T1/delegate", map[string]any{
		"delegate_to": "project",
		"data":        map[string]any{"flag": true},
		"reason":      "project-wide",
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	d := decode(t, w)
	if d["target_id"] != "P1" {
		t.Errorf("delegation = %v", d)
	}

	// Downward delegation is a client error.
	w = doJSON(t, router, http.MethodPost, "/v1/contexts/project/P1/delegate", map[string]any{
		"delegate_to": "task", "data": map[string]any{"x": 1},
	}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("downward status = %d, want 400", w.Code)
	}
}

func TestInsightAndProgressEndpoints(t *testing.T) {
	router := newRouter(t)
	seedChain(t, router, "")

	w := doJSON(t, router, http.MethodPost, "/v1/contexts/task/T1/insights", map[string]any{
		"content": "slow query on list", "category": "performance", "importance": "medium",
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("insight status = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/v1/contexts/task/T1/progress", map[string]any{
		"content": "halfway", "agent": "worker-1",
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("progress status = %d: %s", w.Code, w.Body.String())
	}
}

func TestListContexts_Filter(t *testing.T) {
	router := newRouter(t)
	for _, body := range []map[string]any{
		{"level": "task", "context_id": "T1", "data": map[string]any{"status": "open"}},
		{"level": "task", "context_id": "T2", "data": map[string]any{"status": "done"}},
	} {
		doJSON(t, router, http.MethodPost, "/v1/contexts", body, "")
	}

	w := doJSON(t, router, http.MethodGet, "/v1/contexts/task?status=open", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["count"].(float64) != 1 {
		t.Errorf("count = %v, want 1", decode(t, w)["count"])
	}
}

func TestUserHeaderScoping(t *testing.T) {
	router := newRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/contexts", map[string]any{
		"level": "project", "context_id": "P1",
	}, "alice")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}

	if w := doJSON(t, router, http.MethodGet, "/v1/contexts/project/P1", nil, "bob"); w.Code != http.StatusNotFound {
		t.Errorf("bob reading alice's project: status = %d, want 404", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/v1/contexts/project/P1", nil, "alice"); w.Code != http.StatusOK {
		t.Errorf("alice reading own project: status = %d, want 200", w.Code)
	}
}

func TestBatchEndpoint(t *testing.T) {
	router := newRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/batch", map[string]any{
		"transaction": true,
		"operations": []map[string]any{
			{"type": "create", "level": "project", "context_id": "P1"},
			{"type": "update", "level": "project", "context_id": "missing", "data": map[string]any{"x": 1}},
		},
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	summary := decode(t, w)
	if summary["rolled_back"] != true {
		t.Errorf("summary = %v", summary)
	}

	// The rolled-back create never committed.
	if w := doJSON(t, router, http.MethodGet, "/v1/contexts/project/P1", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("P1 status = %d, want 404 after rollback", w.Code)
	}
}

func TestAuditEndpoint(t *testing.T) {
	router := newRouter(t)
	seedChain(t, router, "")

	w := doJSON(t, router, http.MethodGet, "/v1/audit", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["count"].(float64) == 0 {
		t.Error("expected audit entries after seeding")
	}
}

func TestHealth(t *testing.T) {
	router := newRouter(t)
	w := doJSON(t, router, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestWebSocketStream(t *testing.T) {
	router := newRouter(t)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws"
	header := http.Header{"X-User-ID": []string{"alice"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Give the handler a moment to register its bus subscription.
	time.Sleep(100 * time.Millisecond)

	// A mutation by another user must not reach alice's stream.
	doJSON(t, router, http.MethodPost, "/v1/contexts", map[string]any{
		"level": "project", "context_id": "bobs",
	}, "bob")
	// Alice's own mutation must.
	doJSON(t, router, http.MethodPost, "/v1/contexts", map[string]any{
		"level": "project", "context_id": "P1",
	}, "alice")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Topic string `json:"topic"`
		Event struct {
			UserID    string `json:"user_id"`
			ContextID string `json:"context_id"`
			Action    string `json:"action"`
		} `json:"event"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Event.UserID != "alice" || msg.Event.ContextID != "P1" {
		t.Errorf("first event = %+v, want alice's P1 create", msg)
	}
	if msg.Topic != "context.created" {
		t.Errorf("topic = %q", msg.Topic)
	}
}
