package headhttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/webai/controlplane/internal/config"
	"github.com/webai/controlplane/internal/headrouter"
	"github.com/webai/controlplane/internal/keystore"
	"github.com/webai/controlplane/internal/model"
)

// Handlers binds the head's public API to a headrouter.Router.
type Handlers struct {
	Router     *headrouter.Router
	Defaults   *config.DefaultsStore
	HeadKeys   *keystore.HeadKeys
	Enrollment *keystore.Enrollment
	Logger     *slog.Logger
}

func (h *Handlers) getDefaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Defaults.Get())
}

type nodesResponse struct {
	Nodes       []headrouter.NodeStatus `json:"nodes"`
	PublicKey   string                  `json:"public_key"`
	EnrollToken string                  `json:"enroll_token,omitempty"`
}

func (h *Handlers) getNodes(w http.ResponseWriter, r *http.Request) {
	statuses := h.Router.ProbeNodes(r.Context())
	resp := nodesResponse{Nodes: statuses}
	if h.HeadKeys != nil {
		resp.PublicKey = h.HeadKeys.PublicPEM
	}
	if h.Enrollment != nil {
		resp.EnrollToken = h.Enrollment.Current()
	}
	writeJSON(w, http.StatusOK, resp)
}

// getEnroll serves the head's public key to a node presenting a valid
// single-use enrollment token (spec §4.1), consumed by
// internal/keystore.FetchAndTrust on the node side.
func (h *Handlers) getEnroll(w http.ResponseWriter, r *http.Request) {
	if h.Enrollment == nil || h.HeadKeys == nil {
		writeError(w, model.NewError(model.CodeTrustNotConfigured, "enrollment not configured"))
		return
	}
	token := r.Header.Get("X-WebAI-Enroll-Token")
	if token == "" || !h.Enrollment.Redeem(token) {
		writeError(w, model.Unauthorized("invalid or expired enrollment token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.HeadKeys.PublicPEM})
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Router.ListTasks(r.Context()))
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var spec model.CreateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, model.Invalid("malformed request body: %v", err))
		return
	}
	if spec.Title == "" || spec.Instructions == "" {
		writeError(w, model.Invalid("title and instructions are required"))
		return
	}
	task, err := h.Router.CreateTask(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Router.GetTask(r.Context(), r.PathValue("id"), r.URL.Query().Get("node_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Router.DeleteTask(r.Context(), r.PathValue("id"), r.URL.Query().Get("node_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nodeActionNames maps the head's public, hyphenated action names (spec
// §6) onto the node's internal snake_case route segments (spec §4.2's
// operation names), so the UI-facing surface matches the spec literally
// while the node-to-node wire keeps the engine's own naming.
var nodeActionNames = map[string]string{
	"assist":        "assist",
	"continue":      "continue",
	"stop":          "stop",
	"run-now":       "run_now",
	"schedule":      "reschedule",
	"open-browser":  "open_browser",
	"close-browser": "close_browser",
	"admin-vnc":     "open_browser",
}

func (h *Handlers) taskAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	nodeAction, ok := nodeActionNames[action]
	if !ok {
		writeError(w, model.Invalid("unknown task action %q", action))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, model.Invalid("could not read request body"))
		return
	}
	respBody, status, err := h.Router.PostAction(r.Context(), r.PathValue("id"), r.URL.Query().Get("node_id"), nodeAction, body)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(respBody) > 0 {
		w.Write(respBody)
	}
}
