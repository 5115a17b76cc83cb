package taskengine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/webai/controlplane/internal/agentrunner"
	"github.com/webai/controlplane/internal/model"
	"github.com/webai/controlplane/internal/scheduler"
	"github.com/webai/controlplane/internal/taskstore"
	"github.com/webai/controlplane/internal/vncbroker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, script []agentrunner.Event) *Engine {
	t.Helper()
	store, err := taskstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	e := New(Config{
		NodeID: "node-1",
		Store:  store,
		Runner: agentrunner.NewScripted(script),
		VNC:    vncbroker.New(),
		Logger: discardLogger(),
	})

	sched := scheduler.New(scheduler.Config{
		Logger: discardLogger(),
		OnDue: func(ctx context.Context, taskID string) {
			_ = e.RunNow(ctx, taskID)
		},
		Lister:             taskstoreLister{store},
		RecurrenceInterval: 50 * time.Millisecond,
	})
	e.SetScheduler(sched)
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	return e
}

type taskstoreLister struct{ s *taskstore.Store }

func (l taskstoreLister) List() []*model.Task { return l.s.List() }

func waitForStatus(t *testing.T, e *Engine, taskID string, want model.TaskStatus, timeout time.Duration) *model.Task {
	t.Helper()
	deadline := time.After(timeout)
	for {
		detail, err := e.Get(taskID)
		if err != nil {
			t.Fatal(err)
		}
		if detail.Record.Status == want {
			return detail.Record
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached status %s (last: %s)", taskID, want, detail.Record.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngine_CreateImmediateRunsToCompletion(t *testing.T) {
	script := []agentrunner.Event{
		{Outcome: agentrunner.OutcomeStep, Step: &model.Step{StepNumber: 1, Title: "open"}},
		{Outcome: agentrunner.OutcomeCompleted},
	}
	e := newTestEngine(t, script)

	task, err := e.Create(context.Background(), model.CreateSpec{Title: "t", Instructions: "do it", MaxSteps: 10})
	if err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, e, task.ID, model.StatusCompleted, 2*time.Second)

	detail, err := e.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(detail.Steps))
	}
}

func TestEngine_AskThenAssistResumes(t *testing.T) {
	script := []agentrunner.Event{
		{Outcome: agentrunner.OutcomeAsked, Question: "continue?"},
	}
	e := newTestEngine(t, script)

	task, err := e.Create(context.Background(), model.CreateSpec{Title: "t", Instructions: "ask"})
	if err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, e, task.ID, model.StatusWaitingForInput, 2*time.Second)

	if err := e.Assist(context.Background(), task.ID, "yes"); err != nil {
		t.Fatal(err)
	}

	rec, err := e.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.ChatHistory) != 2 {
		t.Fatalf("expected question+response chat history, got %d entries", len(rec.ChatHistory))
	}
}

func TestEngine_StopCancelsRunningTask(t *testing.T) {
	script := []agentrunner.Event{
		{Outcome: agentrunner.OutcomeAsked, Question: "wait forever"},
	}
	e := newTestEngine(t, script)

	task, err := e.Create(context.Background(), model.CreateSpec{Title: "t", Instructions: "hang"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, e, task.ID, model.StatusWaitingForInput, 2*time.Second)

	if err := e.Stop(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}

	rec, err := e.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Record.Status != model.StatusStopped {
		t.Fatalf("expected stopped, got %s", rec.Record.Status)
	}
}

func TestEngine_DeleteRemovesTask(t *testing.T) {
	script := []agentrunner.Event{{Outcome: agentrunner.OutcomeCompleted}}
	e := newTestEngine(t, script)

	task, err := e.Create(context.Background(), model.CreateSpec{Title: "t", Instructions: "done quickly"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, e, task.ID, model.StatusCompleted, 2*time.Second)

	if err := e.Delete(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Get(task.ID); err == nil {
		t.Fatal("expected not-found after delete")
	}
}

func TestEngine_CreateScheduledDoesNotRunImmediately(t *testing.T) {
	e := newTestEngine(t, nil)

	future := time.Now().Add(time.Hour)
	task, err := e.Create(context.Background(), model.CreateSpec{
		Title: "later", Instructions: "wait", ScheduledFor: &future,
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != model.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", task.Status)
	}

	time.Sleep(100 * time.Millisecond)
	detail, err := e.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Record.Status != model.StatusScheduled {
		t.Fatalf("expected still scheduled, got %s", detail.Record.Status)
	}
}
