// Command node runs a single webai control-plane node: it owns a set of
// browser-automation tasks, the agent runners driving them, and the local
// VNC broker/browser-session backend, and exposes the envelope-authenticated
// HTTP surface a head talks to (spec §4.6, §6).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/webai/controlplane/internal/agentrunner"
	"github.com/webai/controlplane/internal/audit"
	"github.com/webai/controlplane/internal/browserbackend"
	"github.com/webai/controlplane/internal/config"
	"github.com/webai/controlplane/internal/envelope"
	"github.com/webai/controlplane/internal/httpmw"
	"github.com/webai/controlplane/internal/keystore"
	"github.com/webai/controlplane/internal/model"
	"github.com/webai/controlplane/internal/nodehttp"
	"github.com/webai/controlplane/internal/otel"
	"github.com/webai/controlplane/internal/scheduler"
	"github.com/webai/controlplane/internal/taskengine"
	"github.com/webai/controlplane/internal/taskstore"
	"github.com/webai/controlplane/internal/telemetry"
	"github.com/webai/controlplane/internal/vncbroker"
)

var (
	logLevel   string
	otelEnable bool
)

func main() {
	root := &cobra.Command{
		Use:           "node",
		Short:         "Run a webai control-plane node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&otelEnable, "otel", false, "enable OpenTelemetry trace/metric export")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		var trustErr *trustError
		if errors.As(err, &trustErr) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(3)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configError marks a startup failure as exit code 2 (invalid config, spec §6).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// trustError marks exit code 3: auth is required but no trusted head key
// could be loaded (spec §6 "missing trust material when auth required").
type trustError struct{ err error }

func (e *trustError) Error() string { return e.err.Error() }
func (e *trustError) Unwrap() error { return e.err }

func runNode(ctx context.Context) error {
	cfg, err := config.LoadNode()
	if err != nil {
		return &configError{err}
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.DataRoot, logLevel, false)
	if err != nil {
		return &configError{fmt.Errorf("init logger: %w", err)}
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger = logger.With("node_id", cfg.NodeID)

	provider, err := otel.Init(ctx, otel.Config{
		Enabled:     otelEnable,
		Exporter:    cfg.OTelExporter,
		ServiceName: "webai-node",
	})
	if err != nil {
		return &configError{fmt.Errorf("init otel: %w", err)}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("node: otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return &configError{fmt.Errorf("init metrics: %w", err)}
	}

	trustStore, err := keystore.NewTrustStore(cfg.HeadPublicKeys, cfg.RequireAuth, logger)
	if err != nil {
		return &configError{fmt.Errorf("load trust store: %w", err)}
	}
	if cfg.RequireAuth && trustStore.Empty() {
		return &trustError{fmt.Errorf("NODE_REQUIRE_AUTH is set but HEAD_PUBLIC_KEYS yielded no trusted keys")}
	}
	if err := trustStore.WatchReload(ctx); err != nil {
		logger.Warn("node: could not watch HEAD_PUBLIC_KEYS for changes", "error", err)
	}
	go watchSIGHUP(ctx, trustStore, logger)

	ledger, err := audit.Open(cfg.AuditDBPath, logger)
	if err != nil {
		return &configError{fmt.Errorf("open audit ledger: %w", err)}
	}
	defer ledger.Close()
	go evictStaleNonces(ctx, ledger)

	verifier := envelope.NewVerifier(trustStore, ledger)

	store, err := taskstore.New(cfg.DataRoot)
	if err != nil {
		return &configError{fmt.Errorf("open task store: %w", err)}
	}

	// No concrete AgentRunner driver is implemented (spec §1 Non-goals) — the
	// scripted test double stands in so the engine, scheduler, and HTTP
	// surface are exercisable end to end without one.
	runner := agentrunner.NewScripted(nil)

	browser, err := browserbackend.NewManager(browserbackend.Config{
		Image:       cfg.BrowserImage,
		NetworkMode: cfg.BrowserNetworkMode,
	}, logger)
	if err != nil {
		logger.Warn("node: docker unavailable, browser/VNC support disabled", "error", err)
		browser = nil
	}

	vnc := vncbroker.New()

	engine := taskengine.New(taskengine.Config{
		NodeID:  cfg.NodeID,
		Store:   store,
		Runner:  runner,
		Browser: browser,
		VNC:     vnc,
		Logger:  logger,
	})

	sched := scheduler.New(scheduler.Config{
		Logger: logger,
		OnDue: func(ctx context.Context, taskID string) {
			if err := engine.RunNow(ctx, taskID); err != nil {
				logger.Error("node: scheduled run failed", "task_id", taskID, "error", err)
			}
		},
		OnRecurrenceFire: func(ctx context.Context, original *model.Task) {
			spec := model.CreateSpec{
				Title:            original.Title,
				Instructions:     original.Instructions,
				ModelName:        original.ModelName,
				MaxSteps:         original.MaxSteps,
				LeaveBrowserOpen: original.LeaveBrowserOpen,
				ReasoningEffort:  original.ReasoningEffort,
				Recurrence:       original.Recurrence,
				NodeID:           original.NodeID,
			}
			if _, err := engine.Create(ctx, spec); err != nil {
				logger.Error("node: failed to spawn recurrence instance", "original_task_id", original.ID, "error", err)
			}
		},
		Lister:             store,
		RecurrenceInterval: time.Minute,
	})
	engine.SetScheduler(sched)

	if err := engine.Recover(ctx); err != nil {
		return &configError{fmt.Errorf("recover tasks: %w", err)}
	}
	sched.Start(ctx)
	defer sched.Stop()

	auth := &nodehttp.EnvelopeAuth{Trust: trustStore, Verifier: verifier, Ledger: ledger, Logger: logger}
	handlers := &nodehttp.Handlers{Engine: engine, Logger: logger}
	handler := nodehttp.NewServer(nodehttp.Config{
		Ctx:      ctx,
		Handlers: handlers,
		Auth:     auth,
		VNC:      vnc,
		Logger:   logger,
		CORS: httpmw.CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
		RateLimitPerMin: 600,
		RateLimitBurst:  60,
		MaxBodyBytes:    10 << 20,
	})
	handler = otel.HTTPMiddleware(provider.Tracer, metrics)(handler)

	srv := &http.Server{
		Addr:    ":" + cfg.AppPort,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("node: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("node: shutting down")
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func watchSIGHUP(ctx context.Context, ts *keystore.TrustStore, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := ts.Reload(); err != nil {
				logger.Error("node: SIGHUP reload failed", "error", err)
			} else {
				logger.Info("node: reloaded trusted keys on SIGHUP")
			}
		}
	}
}

func evictStaleNonces(ctx context.Context, ledger *audit.Ledger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ledger.EvictOlderThan(time.Now().Add(-5 * time.Minute))
		}
	}
}
