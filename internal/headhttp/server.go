// Package headhttp is the head's UI-facing HTTP surface (spec §6): the
// public API React/the SPA talks to, unauthenticated at the head boundary
// (the operator is expected to front it with TLS/ingress per spec §6), plus
// static asset serving.
package headhttp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/webai/controlplane/internal/config"
	"github.com/webai/controlplane/internal/headrouter"
	"github.com/webai/controlplane/internal/httpmw"
	"github.com/webai/controlplane/internal/keystore"
)

// Config wires the head's HTTP surface together.
type Config struct {
	Ctx        context.Context
	Router     *headrouter.Router
	Defaults   *config.DefaultsStore
	HeadKeys   *keystore.HeadKeys
	Enrollment *keystore.Enrollment
	Logger     *slog.Logger

	StaticDir string
	CORS      httpmw.CORSConfig
}

// NewServer builds the head's root http.Handler.
func NewServer(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{Router: cfg.Router, Defaults: cfg.Defaults, HeadKeys: cfg.HeadKeys, Enrollment: cfg.Enrollment, Logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET /api/config/defaults", h.getDefaults)
	mux.HandleFunc("GET /api/nodes", h.getNodes)
	mux.HandleFunc("GET /api/enroll", h.getEnroll)
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/{action}", h.taskAction)

	if cfg.StaticDir != "" {
		if _, err := os.Stat(cfg.StaticDir); err == nil {
			mux.Handle("/", spaHandler(cfg.StaticDir))
		}
	}

	return httpmw.NewCORS(cfg.CORS)(mux)
}

// spaHandler serves static assets, falling back to index.html for any path
// that isn't a real file so the SPA's client-side router can take over.
func spaHandler(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := dir + r.URL.Path
		if _, err := os.Stat(path); err != nil {
			r2 := r.Clone(r.Context())
			r2.URL.Path = "/"
			fs.ServeHTTP(w, r2)
			return
		}
		fs.ServeHTTP(w, r)
	})
}
