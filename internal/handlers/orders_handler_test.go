package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tillu-pos/terminal-sync/internal/conflict"
	"github.com/tillu-pos/terminal-sync/internal/engine"
	"github.com/tillu-pos/terminal-sync/internal/remote"
	"github.com/tillu-pos/terminal-sync/internal/store"
)

func setupAPI(t *testing.T, upstreamStatus int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(upstreamStatus)
		switch upstreamStatus {
		case http.StatusCreated:
			w.Write([]byte(`{"orderId":"srv-1"}`))
		case http.StatusConflict:
			w.Write([]byte(`{"existingOrder":{"items":[{"id":"i2","price":3,"qty":1}],"total":3}}`))
		}
	}))
	t.Cleanup(up.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rc := remote.NewClient(up.URL, 2*time.Second, nil)
	svc := engine.NewService(st, rc, nil, conflict.NewResolver(st, rc, nil), engine.DefaultConfig(), nil)

	r := gin.New()
	r.Use(gin.Recovery())
	RegisterRoutes(r, svc, st)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateOfflineOrder(t *testing.T) {
	r := setupAPI(t, http.StatusCreated)

	w := doJSON(t, r, http.MethodPost, "/offline/orders", map[string]any{
		"items": []map[string]any{{"id": "i1", "price": 5, "qty": 2}},
		"total": 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID == "" || resp.Status != "pending" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// the order shows up in the pending list
	w = doJSON(t, r, http.MethodGet, "/offline/orders/pending", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Orders []store.Record `json:"orders"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Orders) != 1 || list.Orders[0].ID != resp.ID {
		t.Fatalf("pending list mismatch: %+v", list.Orders)
	}
}

func TestCreateOfflineOrder_ValidationRejected(t *testing.T) {
	r := setupAPI(t, http.StatusCreated)

	// total does not match items
	w := doJSON(t, r, http.MethodPost, "/offline/orders", map[string]any{
		"items": []map[string]any{{"id": "i1", "price": 5, "qty": 2}},
		"total": 11,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSyncEndpoint(t *testing.T) {
	r := setupAPI(t, http.StatusCreated)

	doJSON(t, r, http.MethodPost, "/offline/orders", map[string]any{
		"items": []map[string]any{{"id": "i1", "price": 5, "qty": 2}},
		"total": 10,
	})

	w := doJSON(t, r, http.MethodPost, "/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res engine.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Synced != 1 || len(res.Conflicts) != 0 {
		t.Fatalf("unexpected sync result: %+v", res)
	}
}

func TestConflictResolutionEndpoint(t *testing.T) {
	r := setupAPI(t, http.StatusConflict)

	w := doJSON(t, r, http.MethodPost, "/offline/orders", map[string]any{
		"items": []map[string]any{{"id": "i1", "price": 5, "qty": 2}},
		"total": 10,
	})
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)

	w = doJSON(t, r, http.MethodPost, "/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res engine.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", res)
	}

	w = doJSON(t, r, http.MethodGet, "/conflicts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/conflicts/"+created.ID+"/resolve",
		map[string]any{"resolution": "keep_server"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// the conflict is released; resolving again is a 404
	w = doJSON(t, r, http.MethodPost, "/conflicts/"+created.ID+"/resolve",
		map[string]any{"resolution": "keep_server"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for released conflict, got %d", w.Code)
	}

	// unknown policy names never reach the engine
	w = doJSON(t, r, http.MethodPost, "/conflicts/whatever/resolve",
		map[string]any{"resolution": "split"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown policy, got %d", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	r := setupAPI(t, http.StatusCreated)

	w := doJSON(t, r, http.MethodGet, "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var status struct {
		Online  bool `json:"online"`
		Pending int  `json:"pending"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	// no monitor wired in tests: conservatively offline
	if status.Online {
		t.Fatal("expected offline without a connectivity monitor")
	}
}

func TestMenuCacheEndpoints(t *testing.T) {
	r := setupAPI(t, http.StatusCreated)

	w := doJSON(t, r, http.MethodPut, "/menu", map[string]any{
		"items": []map[string]any{
			{"id": "m1", "category": "drinks", "payload": map[string]any{"name": "chai", "price": 2.5}},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/menu", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var menu struct {
		Items []store.MenuItem `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &menu); err != nil {
		t.Fatalf("decode menu: %v", err)
	}
	if len(menu.Items) != 1 || menu.Items[0].ID != "m1" {
		t.Fatalf("menu mismatch: %+v", menu.Items)
	}
}
