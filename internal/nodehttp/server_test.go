package nodehttp_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/webai/controlplane/internal/agentrunner"
	"github.com/webai/controlplane/internal/audit"
	"github.com/webai/controlplane/internal/envelope"
	"github.com/webai/controlplane/internal/httpmw"
	"github.com/webai/controlplane/internal/keystore"
	"github.com/webai/controlplane/internal/model"
	"github.com/webai/controlplane/internal/nodehttp"
	"github.com/webai/controlplane/internal/scheduler"
	"github.com/webai/controlplane/internal/taskengine"
	"github.com/webai/controlplane/internal/taskstore"
	"github.com/webai/controlplane/internal/vncbroker"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type testHarness struct {
	server http.Handler
	priv   ed25519.PrivateKey
	keyID  string
	nonce  int
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := taskstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	trust, err := keystore.NewTrustStore("", true, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	trust.Trust(pub)
	keyID := fmt.Sprintf("%x", []byte(pub)[:8])

	ledger, err := audit.Open(t.TempDir()+"/audit.db", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	verifier := envelope.NewVerifier(trust, ledger)

	runner := agentrunner.NewScripted([]agentrunner.Event{{Outcome: agentrunner.OutcomeAsked, Question: "continue?"}})

	eng := taskengine.New(taskengine.Config{
		NodeID: "node-1",
		Store:  store,
		Runner: runner,
		VNC:    vncbroker.New(),
		Logger: discardLogger(),
	})
	sched := scheduler.New(scheduler.Config{
		Logger:             discardLogger(),
		OnDue:              func(ctx context.Context, taskID string) { _ = eng.RunNow(ctx, taskID) },
		Lister:             storeLister{store},
		RecurrenceInterval: time.Hour,
	})
	eng.SetScheduler(sched)
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	handlers := &nodehttp.Handlers{Engine: eng, Logger: discardLogger()}
	auth := &nodehttp.EnvelopeAuth{Trust: trust, Verifier: verifier, Ledger: ledger, Logger: discardLogger()}

	srv := nodehttp.NewServer(nodehttp.Config{
		Handlers:        handlers,
		Auth:            auth,
		VNC:             vncbroker.New(),
		Logger:          discardLogger(),
		CORS:            httpmw.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}},
		RateLimitPerMin: 6000,
		RateLimitBurst:  100,
		MaxBodyBytes:    1 << 20,
	})

	return &testHarness{server: srv, priv: priv, keyID: keyID}
}

type storeLister struct{ s *taskstore.Store }

func (l storeLister) List() []*model.Task { return l.s.List() }

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	h.nonce++
	env := envelope.Sign(h.priv, h.keyID, method, req.URL.RequestURI(), raw, fmt.Sprintf("n%d", h.nonce), time.Now())
	if err := env.Apply(req); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func TestNodeHTTP_CreateGetListTask(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/tasks", model.CreateSpec{Title: "t1", Instructions: "go"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created model.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rec = h.do(t, "GET", "/api/tasks/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, "GET", "/api/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list []model.TaskSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 task in list, got %d", len(list))
	}
}

func TestNodeHTTP_CreateRejectsMissingFields(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/tasks", model.CreateSpec{Title: "no instructions"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestNodeHTTP_GetUnknownTaskReturnsNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "GET", "/api/tasks/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestNodeHTTP_UnsignedRequestRejected(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest("GET", "/api/tasks", nil)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned request, got %d", rec.Code)
	}
}

func TestNodeHTTP_TamperedBodyRejected(t *testing.T) {
	h := newHarness(t)
	body, _ := json.Marshal(model.CreateSpec{Title: "t", Instructions: "go"})
	req := httptest.NewRequest("POST", "/api/tasks", bytes.NewReader(body))
	env := envelope.Sign(h.priv, h.keyID, "POST", req.URL.RequestURI(), body, "n1", time.Now())
	if err := env.Apply(req); err != nil {
		t.Fatal(err)
	}
	req.Body = io.NopCloser(bytes.NewReader([]byte(`{"title":"tampered","instructions":"go"}`)))
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered body, got %d", rec.Code)
	}
}

func TestNodeHTTP_HealthzUnauthenticated(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// TestNodeHTTP_AuthDisabledWhenNoTrustedKeysAndNotRequired covers spec
// §3/§4.6: an empty trust store with NODE_REQUIRE_AUTH=false must serve
// task routes unauthenticated rather than rejecting every call with 401.
func TestNodeHTTP_AuthDisabledWhenNoTrustedKeysAndNotRequired(t *testing.T) {
	store, err := taskstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	trust, err := keystore.NewTrustStore("", false, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	ledger, err := audit.Open(t.TempDir()+"/audit.db", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })
	verifier := envelope.NewVerifier(trust, ledger)

	eng := taskengine.New(taskengine.Config{
		NodeID: "node-1",
		Store:  store,
		Runner: agentrunner.NewScripted(nil),
		VNC:    vncbroker.New(),
		Logger: discardLogger(),
	})
	sched := scheduler.New(scheduler.Config{
		Logger:             discardLogger(),
		OnDue:              func(ctx context.Context, taskID string) { _ = eng.RunNow(ctx, taskID) },
		Lister:             storeLister{store},
		RecurrenceInterval: time.Hour,
	})
	eng.SetScheduler(sched)
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	handlers := &nodehttp.Handlers{Engine: eng, Logger: discardLogger()}
	auth := &nodehttp.EnvelopeAuth{Trust: trust, Verifier: verifier, Ledger: ledger, Logger: discardLogger()}
	srv := nodehttp.NewServer(nodehttp.Config{
		Handlers:        handlers,
		Auth:            auth,
		VNC:             vncbroker.New(),
		Logger:          discardLogger(),
		CORS:            httpmw.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}},
		RateLimitPerMin: 6000,
		RateLimitBurst:  100,
		MaxBodyBytes:    1 << 20,
	})

	req := httptest.NewRequest("GET", "/api/tasks", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unsigned request with auth disabled, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNodeHTTP_StopTask(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/tasks", model.CreateSpec{Title: "t", Instructions: "hang forever"})
	var created model.Task
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = h.do(t, "POST", "/api/tasks/"+created.ID+"/stop", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}
