package nodehttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/webai/controlplane/internal/model"
	"github.com/webai/controlplane/internal/schema"
	"github.com/webai/controlplane/internal/taskengine"
)

// Handlers binds the node's task API to a taskengine.Engine.
type Handlers struct {
	Engine *taskengine.Engine
	Logger *slog.Logger
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, model.Invalid("could not read request body"))
		return
	}
	var spec model.CreateSpec
	if err := schema.DecodeAndValidate(schema.TaskCreate, body, &spec); err != nil {
		writeError(w, model.Invalid("%v", err))
		return
	}
	task, err := h.Engine.Create(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.List())
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Engine.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) stopTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) runNow(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.RunNow(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assistRequest struct {
	ResponseText string `json:"response_text"`
}

func (h *Handlers) assist(w http.ResponseWriter, r *http.Request) {
	var body assistRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, model.Invalid("malformed request body: %v", err))
		return
	}
	if body.ResponseText == "" {
		writeError(w, model.Invalid("response_text is required"))
		return
	}
	if err := h.Engine.Assist(r.Context(), r.PathValue("id"), body.ResponseText); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type continueRequest struct {
	Instructions string `json:"instructions"`
}

func (h *Handlers) continueTask(w http.ResponseWriter, r *http.Request) {
	var body continueRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, model.Invalid("malformed request body: %v", err))
		return
	}
	if body.Instructions == "" {
		writeError(w, model.Invalid("instructions is required"))
		return
	}
	if err := h.Engine.Continue(r.Context(), r.PathValue("id"), body.Instructions); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rescheduleRequest struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

func (h *Handlers) reschedule(w http.ResponseWriter, r *http.Request) {
	var body rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, model.Invalid("malformed request body: %v", err))
		return
	}
	if body.ScheduledFor.IsZero() {
		writeError(w, model.Invalid("scheduled_for is required"))
		return
	}
	if err := h.Engine.Reschedule(r.Context(), r.PathValue("id"), body.ScheduledFor); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type browserResponse struct {
	VNCLaunchURL string `json:"vnc_launch_url"`
}

func (h *Handlers) openBrowser(w http.ResponseWriter, r *http.Request) {
	url, err := h.Engine.OpenBrowser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, browserResponse{VNCLaunchURL: url})
}

func (h *Handlers) closeBrowser(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.CloseBrowser(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
