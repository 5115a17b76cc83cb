package headrouter

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/webai/controlplane/internal/model"
)

func newTestRouter(t *testing.T, nodesSpec string) (*Router, ed25519.PrivateKey) {
	t.Helper()
	reg, err := NewRegistry(nodesSpec)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	client := NewSignedClient("test-key", priv, 2*time.Second)
	return New(reg, client, 1*time.Second, nil), priv
}

func TestParseNodesSingle(t *testing.T) {
	nodes, err := ParseNodes("http://localhost:8081|node-a")
	if err != nil {
		t.Fatalf("ParseNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "node-a" {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
}

func TestParseNodesMultipleDefaultID(t *testing.T) {
	nodes, err := ParseNodes("http://a,http://b|node-b")
	if err != nil {
		t.Fatalf("ParseNodes: %v", err)
	}
	if len(nodes) != 2 || nodes[0].ID != "http://a" || nodes[1].ID != "node-b" {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
}

func TestCreateTaskSingleNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tasks" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(model.Task{ID: "t1", NodeID: "node-a"})
	}))
	defer srv.Close()

	r, _ := newTestRouter(t, srv.URL+"|node-a")
	task, err := r.CreateTask(context.Background(), model.CreateSpec{Title: "x", Instructions: "y"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID != "t1" {
		t.Errorf("task.ID = %q, want t1", task.ID)
	}
}

func TestCreateTaskRequiresNodeIDWithMultipleNodes(t *testing.T) {
	r, _ := newTestRouter(t, "http://a|node-a,http://b|node-b")
	_, err := r.CreateTask(context.Background(), model.CreateSpec{Title: "x", Instructions: "y"})
	if err == nil {
		t.Fatal("expected error when node_id is required")
	}
}

// TestListTasksFanoutIsolation mirrors spec scenario E5: a hung node must
// not block results from a healthy one, and must surface as an error entry.
func TestListTasksFanoutIsolation(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]model.TaskSummary{{ID: "t1", NodeID: "a"}})
	}))
	defer healthy.Close()

	hung := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer hung.Close()

	reg, err := NewRegistry(healthy.URL + "|a," + hung.URL + "|b")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	client := NewSignedClient("k", priv, 5*time.Second)
	r := New(reg, client, 300*time.Millisecond, nil)

	start := time.Now()
	result := r.ListTasks(context.Background())
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Fatalf("ListTasks took %v, expected to return near the per-node timeout", elapsed)
	}
	if len(result.Tasks) != 1 || result.Tasks[0].ID != "t1" {
		t.Fatalf("expected healthy node's task, got %+v", result.Tasks)
	}
	if len(result.Errors) != 1 || result.Errors[0].NodeID != "b" {
		t.Fatalf("expected one error entry for hung node, got %+v", result.Errors)
	}
}

// TestGetTaskSurfacesNodeErrorCode mirrors §7's "a single-node direct
// routing failure is surfaced as the node's status": a 404 from the node,
// with its nested {"error":{"code","message"}} body, must come back as
// model.CodeNotFound at the head rather than collapsing to CodeInternal.
func TestGetTaskSurfacesNodeErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"code":    "not_found",
				"message": "task nope not found",
			},
		})
	}))
	defer srv.Close()

	r, _ := newTestRouter(t, srv.URL+"|node-a")
	r.recordAffinity("nope", "node-a")
	_, err := r.GetTask(context.Background(), "nope", "")
	if err == nil {
		t.Fatal("expected error")
	}
	var merr *model.Error
	if !errors.As(err, &merr) {
		t.Fatalf("expected *model.Error, got %T: %v", err, err)
	}
	if merr.Code != model.CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %q (message=%q)", merr.Code, merr.Message)
	}
	if merr.Message != "task nope not found" {
		t.Fatalf("expected node's message to be preserved, got %q", merr.Message)
	}
}

func TestResolveNodeByAffinity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(model.TaskDetail{Record: &model.Task{ID: "t1"}})
	}))
	defer srv.Close()

	r, _ := newTestRouter(t, srv.URL+"|node-a")
	r.recordAffinity("t1", "node-a")
	detail, err := r.GetTask(context.Background(), "t1", "")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if detail.Record.ID != "t1" {
		t.Errorf("unexpected detail: %+v", detail)
	}
}
