package headhttp

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/webai/controlplane/internal/config"
	"github.com/webai/controlplane/internal/headrouter"
	"github.com/webai/controlplane/internal/httpmw"
	"github.com/webai/controlplane/internal/model"
)

func newTestServer(t *testing.T, nodeSrv *httptest.Server) http.Handler {
	t.Helper()
	spec := nodeSrv.URL
	if spec != "" {
		spec += "|node-a"
	} else {
		spec = "http://localhost:1|node-a"
	}
	reg, err := headrouter.NewRegistry(spec)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	client := headrouter.NewSignedClient("k", priv, 2*time.Second)
	router := headrouter.New(reg, client, time.Second, nil)

	defaults, err := config.NewDefaultsStore("", nil)
	if err != nil {
		t.Fatalf("NewDefaultsStore: %v", err)
	}

	return NewServer(Config{
		Router:   router,
		Defaults: defaults,
		CORS:     httpmw.CORSConfig{AllowedOrigins: []string{"*"}},
	})
}

func TestGetDefaults(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/config/defaults", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["max_steps"] == nil {
		t.Errorf("expected max_steps in response: %v", body)
	}
}

func TestCreateAndGetTaskProxied(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/tasks":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(model.Task{ID: "t1", NodeID: "node-a"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/tasks/t1":
			_ = json.NewEncoder(w).Encode(model.TaskDetail{Record: &model.Task{ID: "t1"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer node.Close()

	srv := newTestServer(t, node)

	body, _ := json.Marshal(model.CreateSpec{Title: "t", Instructions: "i"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", w.Code, w.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/tasks/t1", nil)
	w2 := httptest.NewRecorder()
	srv.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("get status = %d body=%s", w2.Code, w2.Body.String())
	}
}

func TestTaskActionMapsHyphenToUnderscore(t *testing.T) {
	var gotPath string
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer node.Close()

	srv := newTestServer(t, node)
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/t1/run-now", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if gotPath != "/api/tasks/t1/run_now" {
		t.Errorf("node path = %q, want /api/tasks/t1/run_now", gotPath)
	}
}
