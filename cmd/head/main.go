// Command head runs the webai control-plane head: the UI-facing API,
// the node registry/router, and the head's Ed25519 signing identity
// (spec §4.5, §6).
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

	"github.com/webai/controlplane/internal/config"
	"github.com/webai/controlplane/internal/headhttp"
	"github.com/webai/controlplane/internal/headrouter"
	"github.com/webai/controlplane/internal/httpmw"
	"github.com/webai/controlplane/internal/keystore"
	"github.com/webai/controlplane/internal/otel"
	"github.com/webai/controlplane/internal/telemetry"
)

var (
	logLevel   string
	otelEnable bool
)

func main() {
	root := &cobra.Command{
		Use:           "head",
		Short:         "Run the webai control-plane head",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHead(cmd.Context())
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
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configError marks a startup failure as exit code 2 (invalid config, spec §6).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func runHead(ctx context.Context) error {
	cfg, err := config.LoadHead()
	if err != nil {
		return &configError{err}
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HeadKeyDir, logLevel, false)
	if err != nil {
		return &configError{fmt.Errorf("init logger: %w", err)}
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	provider, err := otel.Init(ctx, otel.Config{
		Enabled:     otelEnable,
		ServiceName: "webai-head",
	})
	if err != nil {
		return &configError{fmt.Errorf("init otel: %w", err)}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("head: otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return &configError{fmt.Errorf("init metrics: %w", err)}
	}

	headKeys, err := keystore.LoadOrCreateHead(cfg.HeadKeyDir)
	if err != nil {
		return &configError{fmt.Errorf("load head keys: %w", err)}
	}
	logger = logger.With("head_key_id", headKeys.KeyID)

	enrollment := &keystore.Enrollment{}
	if cfg.HeadEnrollToken != "" {
		enrollment.Seed(cfg.HeadEnrollToken)
	} else if _, err := enrollment.NewEnrollment(); err != nil {
		logger.Warn("head: could not mint enrollment token", "error", err)
	}

	registry, err := headrouter.NewRegistry(cfg.HeadNodes)
	if err != nil {
		return &configError{fmt.Errorf("parse HEAD_NODES: %w", err)}
	}

	client := headrouter.NewSignedClient(headKeys.KeyID, headKeys.Private, cfg.FanoutTimeout)
	router := headrouter.New(registry, client, cfg.FanoutTimeout, logger)

	defaults, err := config.NewDefaultsStore(cfg.ConfigDefaultsPath, logger)
	if err != nil {
		return &configError{fmt.Errorf("load config defaults: %w", err)}
	}
	if err := defaults.Watch(ctx); err != nil {
		logger.Warn("head: could not watch CONFIG_DEFAULTS_PATH", "error", err)
	}
	if node, ok := registry.Single(); ok {
		defaults.WithNodeIdentity(node.ID, node.Name)
	}

	handler := headhttp.NewServer(headhttp.Config{
		Ctx:        ctx,
		Router:     router,
		Defaults:   defaults,
		HeadKeys:   headKeys,
		Enrollment: enrollment,
		Logger:     logger,
		StaticDir:  cfg.StaticAssetsDir,
		CORS: httpmw.CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
	})
	handler = otel.HTTPMiddleware(provider.Tracer, metrics)(handler)

	srv := &http.Server{
		Addr:    ":" + cfg.HeadPort,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("head: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("head: shutting down")
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
