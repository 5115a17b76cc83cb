package nodehttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/webai/controlplane/internal/httpmw"
	"github.com/webai/controlplane/internal/vncbroker"
)

// Config wires a node's HTTP surface together.
type Config struct {
	Ctx      context.Context // governs the rate limiter's eviction sweep
	Handlers *Handlers
	Auth     *EnvelopeAuth
	VNC      *vncbroker.Broker
	Logger   *slog.Logger

	CORS            httpmw.CORSConfig
	RateLimitPerMin int
	RateLimitBurst  int
	MaxBodyBytes    int64
}

// NewServer builds the node's root http.Handler: health check, envelope
// protected task API, and the token-gated VNC WebSocket proxy.
func NewServer(cfg Config) http.Handler {
	ctx := cfg.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	api := http.NewServeMux()
	api.HandleFunc("POST /api/tasks", cfg.Handlers.createTask)
	api.HandleFunc("GET /api/tasks", cfg.Handlers.listTasks)
	api.HandleFunc("GET /api/tasks/{id}", cfg.Handlers.getTask)
	api.HandleFunc("DELETE /api/tasks/{id}", cfg.Handlers.deleteTask)
	api.HandleFunc("POST /api/tasks/{id}/stop", cfg.Handlers.stopTask)
	api.HandleFunc("POST /api/tasks/{id}/run_now", cfg.Handlers.runNow)
	api.HandleFunc("POST /api/tasks/{id}/assist", cfg.Handlers.assist)
	api.HandleFunc("POST /api/tasks/{id}/continue", cfg.Handlers.continueTask)
	api.HandleFunc("POST /api/tasks/{id}/reschedule", cfg.Handlers.reschedule)
	api.HandleFunc("POST /api/tasks/{id}/open_browser", cfg.Handlers.openBrowser)
	api.HandleFunc("POST /api/tasks/{id}/close_browser", cfg.Handlers.closeBrowser)

	rl := httpmw.NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst,
		func(r *http.Request) string {
			if kid := KeyIDFromContext(r.Context()); kid != "" {
				return kid
			}
			return r.RemoteAddr
		},
		func(r *http.Request) bool { return false },
	)
	rl.StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	guardedAPI := cfg.Auth.Wrap(rl.Wrap(api))
	mux.Handle("/api/", httpmw.RequestSizeLimit(cfg.MaxBodyBytes)(guardedAPI))

	mux.HandleFunc("GET /vnc/{task_id}", vncbroker.ProxyHandler(cfg.VNC, cfg.Logger, func(r *http.Request) string {
		return r.PathValue("task_id")
	}))

	return httpmw.NewCORS(cfg.CORS)(mux)
}
