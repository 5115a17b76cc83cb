package agentrunner

import (
	"context"
	"fmt"
	"sync"

	"github.com/webai/controlplane/internal/model"
)

// Scripted is an AgentRunner test double that replays a fixed sequence of
// Events for any task handed to it. It exists so the engine, scheduler, and
// HTTP layers can be exercised end-to-end without a real browser-automation
// driver (spec's AgentRunner is explicitly abstract). Each task resumes from
// wherever its prior attachment left off — e.g. the index after an
// OutcomeAsked event — the same way a real driver would resume against a
// preserved browser session after Assist/Continue re-attaches it.
type Scripted struct {
	mu        sync.Mutex
	script    []Event
	handles   map[string]*scriptedHandle
	positions map[string]int
}

type scriptedHandle struct {
	taskID    string
	cancelCh  chan struct{}
	cancelled bool
}

func (h *scriptedHandle) TaskID() string { return h.taskID }

// NewScripted builds a Scripted runner that emits script in order for every
// task it starts. The final event in script should carry OutcomeCompleted
// or OutcomeFailed; if it doesn't, the loop stops after exhausting script
// without ever reaching a terminal outcome (useful for testing
// mid-script cancellation).
func NewScripted(script []Event) *Scripted {
	return &Scripted{script: script, handles: map[string]*scriptedHandle{}, positions: map[string]int{}}
}

func (s *Scripted) Start(ctx context.Context, t *model.Task, onEvent func(Event)) (Handle, error) {
	s.mu.Lock()
	if _, exists := s.handles[t.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("scripted runner already attached to task %s", t.ID)
	}
	start := s.positions[t.ID]
	h := &scriptedHandle{taskID: t.ID, cancelCh: make(chan struct{})}
	s.handles[t.ID] = h
	s.mu.Unlock()

	go s.pump(ctx, h, start, onEvent)
	return h, nil
}

func (s *Scripted) pump(ctx context.Context, h *scriptedHandle, start int, onEvent func(Event)) {
	defer func() {
		s.mu.Lock()
		delete(s.handles, h.taskID)
		s.mu.Unlock()
	}()

	for i := start; i < len(s.script); i++ {
		ev := s.script[i]

		select {
		case <-ctx.Done():
			onEvent(Event{Outcome: OutcomeFailed, Error: model.ReasonCancelled})
			return
		case <-h.cancelCh:
			onEvent(Event{Outcome: OutcomeFailed, Error: model.ReasonCancelled})
			return
		default:
		}

		onEvent(ev)

		if ev.Outcome == OutcomeCompleted || ev.Outcome == OutcomeFailed {
			s.mu.Lock()
			s.positions[h.taskID] = i + 1
			s.mu.Unlock()
			return
		}
		if ev.Outcome == OutcomeAsked {
			// Record the resume point and detach: the engine has already
			// released the runner slot by the time onEvent(ev) returns
			// above (and cancels this pump's ctx as part of that), so the
			// only correct move is to return, not block on it. A fresh
			// Start call resumes from here once Assist answers the
			// question (the on_ask_human suspension contract).
			s.mu.Lock()
			s.positions[h.taskID] = i + 1
			s.mu.Unlock()
			return
		}
	}
}

func (s *Scripted) Cancel(h Handle) error {
	sh, ok := h.(*scriptedHandle)
	if !ok {
		return fmt.Errorf("agentrunner: handle not produced by Scripted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh.cancelled {
		return nil
	}
	sh.cancelled = true
	close(sh.cancelCh)
	return nil
}
