// Package smoke drives the node and head HTTP surfaces together through
// real internal packages — taskstore, keystore, audit, envelope,
// taskengine, scheduler, headrouter, vncbroker — the way the teacher's own
// smoke test exercises a whole binary, but in-process over httptest
// servers so each scenario can inject its own scripted agent behavior.
package smoke

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
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

// nodeHarness is one in-process node: its HTTP surface, the signed client a
// head would use to reach it, and the internals a test wants to reach into
// directly (engine, store, vnc) to assert on task state or exercise the
// broker without a real browser container.
type nodeHarness struct {
	srv      *httptest.Server
	client   *headrouterClientAdapter
	engine   *taskengine.Engine
	store    *taskstore.Store
	vnc      *vncbroker.Broker
	logger   *slog.Logger
	headKeys *keystore.HeadKeys
}

// headrouterClientAdapter lets smoke tests sign requests with the same
// SignedClient a head uses, without importing headrouter into every test.
type headrouterClientAdapter struct {
	do func(ctx context.Context, method, url string, body []byte) ([]byte, int, error)
}

func (a *headrouterClientAdapter) Do(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	return a.do(ctx, method, url, body)
}

// newNodeHarness builds a node wired with script as its scripted agent
// behavior (nil for tests that never run a task to completion).
func newNodeHarness(t *testing.T, ctx context.Context, script []agentrunner.Event) *nodeHarness {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))

	headKeys, err := keystore.LoadOrCreateHead(filepath.Join(dir, "headkeys"))
	if err != nil {
		t.Fatalf("load head keys: %v", err)
	}
	trust, err := keystore.NewTrustStore(headKeys.PublicPEM, true, logger)
	if err != nil {
		t.Fatalf("trust store: %v", err)
	}
	ledger, err := audit.Open(filepath.Join(dir, "audit.db"), logger)
	if err != nil {
		t.Fatalf("open audit ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	verifier := envelope.NewVerifier(trust, ledger)

	store, err := taskstore.New(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("task store: %v", err)
	}

	runner := agentrunner.NewScripted(script)
	vnc := vncbroker.New()

	engine := taskengine.New(taskengine.Config{
		NodeID: "nodeA",
		Store:  store,
		Runner: runner,
		VNC:    vnc,
		Logger: logger,
	})
	sched := scheduler.New(scheduler.Config{
		Logger: logger,
		OnDue: func(ctx context.Context, taskID string) {
			_ = engine.RunNow(ctx, taskID)
		},
		OnRecurrenceFire: func(ctx context.Context, original *model.Task) {
			_, _ = engine.Create(ctx, model.CreateSpec{
				Title:        original.Title,
				Instructions: original.Instructions,
				ModelName:    original.ModelName,
				MaxSteps:     original.MaxSteps,
			})
		},
		Lister:             store,
		RecurrenceInterval: time.Minute,
	})
	engine.SetScheduler(sched)
	if err := engine.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	sched.Start(ctx)
	t.Cleanup(sched.Stop)

	handlers := &nodehttp.Handlers{Engine: engine, Logger: logger}
	auth := &nodehttp.EnvelopeAuth{Trust: trust, Verifier: verifier, Ledger: ledger, Logger: logger}
	handler := nodehttp.NewServer(nodehttp.Config{
		Ctx:             ctx,
		Handlers:        handlers,
		Auth:            auth,
		VNC:             vnc,
		Logger:          logger,
		CORS:            httpmw.CORSConfig{},
		RateLimitPerMin: 6000,
		RateLimitBurst:  1000,
		MaxBodyBytes:    1 << 20,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	signer := newTestSignedClient(t, headKeys.KeyID, headKeys.Private)

	return &nodeHarness{
		srv:      srv,
		client:   signer,
		engine:   engine,
		store:    store,
		vnc:      vnc,
		logger:   logger,
		headKeys: headKeys,
	}
}

// testWriter adapts *testing.T into an io.Writer so handler logs land in
// test output instead of stdout.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
