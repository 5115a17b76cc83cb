package taskengine

import (
	"context"
	"time"

	"github.com/webai/controlplane/internal/agentrunner"
	"github.com/webai/controlplane/internal/model"
)

// startAsync acquires the single-runner slot for taskID and launches the
// AgentRunner, wiring its events back into the task record. It is a no-op
// if a runner is already attached (invariant I1) — callers that just
// transitioned the task to pending/running are expected to hold that
// guarantee themselves, but startAsync re-checks defensively.
func (e *Engine) startAsync(ctx context.Context, taskID string) {
	if !e.store.TryAcquireRunner(taskID) {
		e.logger.Debug("startAsync: runner already attached, skipping", "task_id", taskID)
		return
	}

	rec, ok := e.store.Get(taskID)
	if !ok {
		e.store.ReleaseRunner(taskID)
		return
	}

	if err := e.store.Mutate(taskID, func(t *model.Task) error {
		t.Status = model.StatusRunning
		return nil
	}); err != nil {
		e.logger.Error("startAsync: failed to mark running", "task_id", taskID, "error", err)
		e.store.ReleaseRunner(taskID)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)

	h, err := e.runner.Start(runCtx, rec, func(ev agentrunner.Event) {
		e.handleRunnerEvent(taskID, ev)
	})
	if err != nil {
		cancel()
		e.logger.Error("startAsync: runner failed to start", "task_id", taskID, "error", err)
		e.store.ReleaseRunner(taskID)
		_ = e.store.Mutate(taskID, func(t *model.Task) error {
			t.Status = model.StatusFailed
			t.LastError = string(model.CodeInternal)
			return nil
		})
		return
	}

	e.runningMu.Lock()
	e.handles[taskID] = h
	e.cancels[taskID] = cancel
	e.runningMu.Unlock()
}

// handleRunnerEvent persists one event from a live AgentRunner and, on a
// terminal outcome, releases the runner slot.
func (e *Engine) handleRunnerEvent(taskID string, ev agentrunner.Event) {
	switch ev.Outcome {
	case agentrunner.OutcomeStep:
		if ev.Step == nil {
			return
		}
		if err := e.store.AppendStep(taskID, *ev.Step); err != nil {
			e.logger.Error("runner event: append step failed", "task_id", taskID, "error", err)
			return
		}
		rec, ok := e.store.Get(taskID)
		if ok && rec.MaxSteps > 0 && rec.StepCount >= rec.MaxSteps {
			e.finishRun(taskID, model.StatusFailed, model.ReasonStepBudgetExceeded, true)
		}

	case agentrunner.OutcomeAsked:
		_ = e.store.AppendChat(taskID, model.ChatMessage{
			Role:    model.RoleAssistant,
			Content: ev.Question,
			At:      time.Now().UTC(),
		})
		_ = e.store.Mutate(taskID, func(t *model.Task) error {
			t.Status = model.StatusWaitingForInput
			t.NeedsAttention = true
			t.Assistance = &model.Assistance{Question: ev.Question}
			return nil
		})
		e.releaseRunner(taskID)

	case agentrunner.OutcomeCompleted:
		e.finishRun(taskID, model.StatusCompleted, "", false)

	case agentrunner.OutcomeFailed:
		e.finishRun(taskID, model.StatusFailed, ev.Error, ev.Error != model.ReasonCancelled)
	}
}

// finishRun transitions taskID to a terminal status, optionally cancelling
// the runner first, and tears down its browser session unless
// leave_browser_open was requested.
func (e *Engine) finishRun(taskID string, status model.TaskStatus, reason string, needsAttention bool) {
	e.releaseRunner(taskID)

	rec, ok := e.store.Get(taskID)
	if !ok {
		return
	}

	// A prior explicit stop/delete already set a terminal status; don't
	// let the runner's own cancellation-triggered failure event clobber it.
	if rec.Status.Terminal() {
		return
	}

	_ = e.store.Mutate(taskID, func(t *model.Task) error {
		t.Status = status
		t.LastError = reason
		t.NeedsAttention = needsAttention
		return nil
	})

	if !rec.LeaveBrowserOpen {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
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
}

// stopRunner cancels taskID's runner context (if any) and asks the
// AgentRunner to cancel its handle.
func (e *Engine) stopRunner(taskID string) {
	e.runningMu.Lock()
	h, hasHandle := e.handles[taskID]
	cancel, hasCancel := e.cancels[taskID]
	e.runningMu.Unlock()

	if hasCancel {
		cancel()
	}
	if hasHandle {
		_ = e.runner.Cancel(h)
	}
}

func (e *Engine) releaseRunner(taskID string) {
	e.runningMu.Lock()
	delete(e.handles, taskID)
	if cancel, ok := e.cancels[taskID]; ok {
		cancel()
		delete(e.cancels, taskID)
	}
	e.runningMu.Unlock()
	e.store.ReleaseRunner(taskID)
}

