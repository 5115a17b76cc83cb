// Package taskengine drives the per-node task lifecycle: creating
// records, attaching an AgentRunner, persisting steps/chat as they
// arrive, and handling the operator-facing lifecycle operations (assist,
// continue, stop, open_browser, close_browser, reschedule, run_now).
package taskengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webai/controlplane/internal/agentrunner"
	"github.com/webai/controlplane/internal/browserbackend"
	"github.com/webai/controlplane/internal/model"
	"github.com/webai/controlplane/internal/scheduler"
	"github.com/webai/controlplane/internal/shared"
	"github.com/webai/controlplane/internal/taskstore"
	"github.com/webai/controlplane/internal/vncbroker"
)

// Config wires an Engine's dependencies.
type Config struct {
	NodeID  string
	Store   *taskstore.Store
	Runner  agentrunner.Runner
	Sched   *scheduler.Scheduler
	Browser *browserbackend.Manager // nil disables VNC/browser support entirely
	VNC     *vncbroker.Broker
	Logger  *slog.Logger
}

// Engine implements the node-local task lifecycle (spec §4.2).
type Engine struct {
	nodeID  string
	store   *taskstore.Store
	runner  agentrunner.Runner
	sched   *scheduler.Scheduler
	browser *browserbackend.Manager
	vnc     *vncbroker.Broker
	logger  *slog.Logger

	// runningMu protects handles and cancels; it is a leaf lock, never
	// held while calling into the store or the runner.
	runningMu sync.Mutex
	handles   map[string]agentrunner.Handle      // taskID -> live runner handle
	cancels   map[string]context.CancelFunc      // taskID -> runner context cancel
}

// New builds an Engine from cfg and wires the scheduler's callbacks.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		nodeID:  cfg.NodeID,
		store:   cfg.Store,
		runner:  cfg.Runner,
		sched:   cfg.Sched,
		browser: cfg.Browser,
		vnc:     cfg.VNC,
		logger:  logger,
		handles: map[string]agentrunner.Handle{},
		cancels: map[string]context.CancelFunc{},
	}
	if e.browser != nil {
		e.browser.OnCrash = e.handleBrowserCrash
	}
	return e
}

// SetScheduler attaches s after construction, for callers that need to
// wire the scheduler's OnDue callback to this Engine before the scheduler
// itself can be built (cmd/node's startup order, and tests).
func (e *Engine) SetScheduler(s *scheduler.Scheduler) {
	e.sched = s
}

// Recover runs the startup recovery scan (spec §4.2): load every record,
// mark interrupted tasks failed(node_restart), reset browser_open, and
// re-enqueue scheduled tasks with the scheduler.
func (e *Engine) Recover(ctx context.Context) error {
	tasks, err := e.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range tasks {
		if err := e.store.ApplyRestartRecovery(t); err != nil {
			e.logger.Error("recovery: failed to apply", "task_id", t.ID, "error", err)
			continue
		}
		rec, _ := e.store.Get(t.ID)
		if rec != nil && rec.Status == model.StatusScheduled && rec.ScheduledFor != nil {
			e.sched.Add(rec.ID, *rec.ScheduledFor)
		}
	}
	return nil
}

// Create persists a new task record and, depending on scheduling, either
// enqueues it with the scheduler or starts it immediately.
func (e *Engine) Create(ctx context.Context, spec model.CreateSpec) (*model.Task, error) {
	now := time.Now().UTC()
	t := &model.Task{
		ID:               uuid.NewString(),
		NodeID:           e.nodeID,
		Title:            spec.Title,
		Instructions:     spec.Instructions,
		ModelName:        spec.ModelName,
		ReasoningEffort:  spec.ReasoningEffort,
		MaxSteps:         spec.MaxSteps,
		LeaveBrowserOpen: spec.LeaveBrowserOpen,
		ScheduledFor:     spec.ScheduledFor,
		Recurrence:       spec.Recurrence,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if t.NodeID == "" {
		t.NodeID = e.nodeID
	}
	if spec.ScheduledFor != nil && spec.ScheduledFor.After(now) {
		t.Status = model.StatusScheduled
	} else {
		t.Status = model.StatusPending
	}

	if err := e.store.Create(t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	switch t.Status {
	case model.StatusScheduled:
		e.sched.Add(t.ID, *t.ScheduledFor)
	case model.StatusPending:
		e.startAsync(context.Background(), t.ID)
	}

	return t, nil
}

// Get returns the full detail view for a task.
func (e *Engine) Get(taskID string) (*model.TaskDetail, error) {
	rec, ok := e.store.Get(taskID)
	if !ok {
		return nil, model.NotFound(fmt.Sprintf("task %s not found", taskID))
	}
	steps, err := e.store.Steps(taskID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	chat, err := e.store.Chat(taskID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	detail := &model.TaskDetail{Record: rec, Steps: steps, ChatHistory: chat}
	if rec.BrowserOpen && rec.VNCToken != "" {
		detail.VNCLaunchURL = fmt.Sprintf("/vnc/%s?token=%s", taskID, rec.VNCToken)
	}
	return detail, nil
}

// List returns every task's summary view.
func (e *Engine) List() []model.TaskSummary {
	tasks := e.store.List()
	out := make([]model.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Summary())
	}
	return out
}

// Delete stops any running agent/browser for taskID and removes it from
// disk entirely.
func (e *Engine) Delete(ctx context.Context, taskID string) error {
	if _, ok := e.store.Get(taskID); !ok {
		return model.NotFound(fmt.Sprintf("task %s not found", taskID))
	}
	e.stopRunner(taskID)
	e.sched.Remove(taskID)
	if e.browser != nil {
		_ = e.browser.Stop(ctx, taskID)
	}
	if e.vnc != nil {
		e.vnc.Forget(taskID)
	}
	return e.store.Delete(taskID)
}

// Stop cancels a running or waiting task, marking it stopped.
func (e *Engine) Stop(ctx context.Context, taskID string) error {
	rec, ok := e.store.Get(taskID)
	if !ok {
		return model.NotFound(fmt.Sprintf("task %s not found", taskID))
	}
	if rec.Status.Terminal() {
		return model.Conflict(fmt.Sprintf("task %s is already terminal (%s)", taskID, rec.Status))
	}
	e.stopRunner(taskID)
	e.sched.Remove(taskID)
	if err := e.store.Mutate(taskID, func(t *model.Task) error {
		t.Status = model.StatusStopped
		t.LastError = model.ReasonCancelled
		t.Assistance = nil
		t.NeedsAttention = false
		t.ScheduledFor = nil
		return nil
	}); err != nil {
		return err
	}
	if !rec.LeaveBrowserOpen {
		if e.browser != nil {
			_ = e.browser.Stop(ctx, taskID)
		}
		if e.vnc != nil {
			e.vnc.Revoke(taskID)
		}
		_ = e.store.Mutate(taskID, func(t *model.Task) error {
			t.BrowserOpen = false
			t.VNCToken = ""
			return nil
		})
	}
	return nil
}

// Assist records an operator's response to a waiting_for_input task and
// resumes the agent loop from that checkpoint.
func (e *Engine) Assist(ctx context.Context, taskID, responseText string) error {
	rec, ok := e.store.Get(taskID)
	if !ok {
		return model.NotFound(fmt.Sprintf("task %s not found", taskID))
	}
	if rec.Status != model.StatusWaitingForInput {
		return model.Conflict(fmt.Sprintf("task %s is not waiting for input (status=%s)", taskID, rec.Status))
	}

	if err := e.store.AppendChat(taskID, model.ChatMessage{
		Role:    model.RoleUser,
		Content: responseText,
		At:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("append chat: %w", err)
	}

	err := e.store.Mutate(taskID, func(t *model.Task) error {
		if t.Assistance == nil {
			t.Assistance = &model.Assistance{}
		}
		t.Assistance.ResponseText = responseText
		t.Status = model.StatusRunning
		t.NeedsAttention = false
		return nil
	})
	if err != nil {
		return err
	}

	e.startAsync(context.Background(), taskID)
	return nil
}

// Continue appends a user chat message and starts a fresh AgentRunner atop
// the task's preserved browser session. Valid only when the task is in a
// non-terminal, non-running state (i.e. waiting_for_input is rejected too —
// use Assist for that; Continue is for a task that already reached a
// terminal or idle state with a browser left open, or was never started).
func (e *Engine) Continue(ctx context.Context, taskID, instructions string) error {
	rec, ok := e.store.Get(taskID)
	if !ok {
		return model.NotFound(fmt.Sprintf("task %s not found", taskID))
	}
	if rec.Status == model.StatusRunning || rec.Status == model.StatusWaitingForInput {
		return model.Conflict(fmt.Sprintf("task %s is already running (status=%s)", taskID, rec.Status))
	}

	if err := e.store.AppendChat(taskID, model.ChatMessage{
		Role:    model.RoleUser,
		Content: instructions,
		At:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("append chat: %w", err)
	}

	if err := e.store.Mutate(taskID, func(t *model.Task) error {
		t.Instructions = instructions
		t.Status = model.StatusPending
		t.LastError = ""
		t.NeedsAttention = false
		t.Assistance = nil
		return nil
	}); err != nil {
		return err
	}

	e.startAsync(context.Background(), taskID)
	return nil
}

// RunNow promotes a scheduled task to run immediately, bypassing its
// scheduled_for time.
func (e *Engine) RunNow(ctx context.Context, taskID string) error {
	rec, ok := e.store.Get(taskID)
	if !ok {
		return model.NotFound(fmt.Sprintf("task %s not found", taskID))
	}
	if rec.Status != model.StatusScheduled {
		return model.Conflict(fmt.Sprintf("task %s is not scheduled (status=%s)", taskID, rec.Status))
	}
	e.sched.Remove(taskID)
	if err := e.store.Mutate(taskID, func(t *model.Task) error {
		t.Status = model.StatusPending
		t.ScheduledFor = nil
		return nil
	}); err != nil {
		return err
	}
	e.startAsync(context.Background(), taskID)
	return nil
}

// Reschedule changes a scheduled task's scheduled_for time.
func (e *Engine) Reschedule(ctx context.Context, taskID string, scheduledFor time.Time) error {
	rec, ok := e.store.Get(taskID)
	if !ok {
		return model.NotFound(fmt.Sprintf("task %s not found", taskID))
	}
	if rec.Status != model.StatusScheduled {
		return model.Conflict(fmt.Sprintf("task %s is not scheduled (status=%s)", taskID, rec.Status))
	}
	if err := e.store.Mutate(taskID, func(t *model.Task) error {
		t.ScheduledFor = &scheduledFor
		return nil
	}); err != nil {
		return err
	}
	e.sched.Add(taskID, scheduledFor)
	return nil
}

// OpenBrowser starts (or reuses) the task's browser-session container and
// mints a fresh VNC token for it.
func (e *Engine) OpenBrowser(ctx context.Context, taskID string) (string, error) {
	if e.browser == nil || e.vnc == nil {
		return "", model.NewError(model.CodeTrustNotConfigured, "browser backend not configured")
	}
	rec, ok := e.store.Get(taskID)
	if !ok {
		return "", model.NotFound(fmt.Sprintf("task %s not found", taskID))
	}

	var addr string
	if rec.BrowserOpen {
		sess, running := e.browser.SessionAddr(taskID)
		if !running {
			return "", model.NewError(model.CodeInternal, "browser marked open but no session tracked")
		}
		addr = sess
	} else {
		sess, err := e.browser.Start(ctx, taskID, e.store.BrowserDir(taskID))
		if err != nil {
			return "", fmt.Errorf("start browser session: %w", err)
		}
		addr = sess.VNCAddr
	}

	token, err := e.vnc.Mint(taskID, addr)
	if err != nil {
		return "", err
	}

	if err := e.store.Mutate(taskID, func(t *model.Task) error {
		t.BrowserOpen = true
		t.VNCToken = token
		return nil
	}); err != nil {
		return "", err
	}

	return fmt.Sprintf("/vnc/%s?token=%s", taskID, token), nil
}

// CloseBrowser stops the task's browser-session container and revokes its
// VNC token.
func (e *Engine) CloseBrowser(ctx context.Context, taskID string) error {
	if _, ok := e.store.Get(taskID); !ok {
		return model.NotFound(fmt.Sprintf("task %s not found", taskID))
	}
	if e.browser != nil {
		if err := e.browser.Stop(ctx, taskID); err != nil {
			e.logger.Warn("close_browser: stop failed", "task_id", taskID, "error", shared.Redact(err.Error()))
		}
	}
	if e.vnc != nil {
		e.vnc.Revoke(taskID)
	}
	return e.store.Mutate(taskID, func(t *model.Task) error {
		t.BrowserOpen = false
		t.VNCToken = ""
		return nil
	})
}

// handleBrowserCrash is wired as browserbackend.Manager.OnCrash.
func (e *Engine) handleBrowserCrash(taskID string, exitCode int64) {
	e.logger.Warn("browser session crashed", "task_id", taskID, "exit_code", exitCode)
	if e.vnc != nil {
		e.vnc.Revoke(taskID)
	}
	_ = e.store.Mutate(taskID, func(t *model.Task) error {
		t.BrowserOpen = false
		t.VNCToken = ""
		if !t.Status.Terminal() {
			t.Status = model.StatusFailed
			t.LastError = model.ReasonBrowserCrashed
			t.NeedsAttention = true
		}
		return nil
	})
	e.stopRunner(taskID)
}
