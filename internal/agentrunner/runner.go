// Package agentrunner defines the abstract interface between the task
// engine and whatever drives the browser-automation agent loop. The
// concrete AI driver is explicitly out of scope; only a scripted test
// double is shipped here, exercised by the engine's own tests.
package agentrunner

import (
	"context"

	"github.com/webai/controlplane/internal/model"
)

// Outcome tags one emission from a running agent.
type Outcome string

const (
	OutcomeStep      Outcome = "step"
	OutcomeAsked     Outcome = "asked"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Event is one tagged emission from an AgentRunner. Exactly one of the
// payload fields is populated, matching Outcome.
type Event struct {
	Outcome Outcome

	Step     *model.Step // OutcomeStep
	Question string      // OutcomeAsked
	Error    string      // OutcomeFailed
}

// Handle identifies one running agent attachment, returned by Start and
// accepted by Cancel. It carries no exported fields; runners mint their
// own concrete handle type.
type Handle interface {
	// TaskID returns the task this handle was started for.
	TaskID() string
}

// Runner drives a single task's agent loop to completion, to an
// operator-input checkpoint, or to cancellation. Implementations call back
// into the engine via onEvent for every step, question, or final outcome;
// the engine is the only writer of task state (taskstore.Store), so Runner
// implementations never persist anything themselves.
//
// At most one Start call may be outstanding per task at a time — the
// engine enforces this with taskstore.Store.TryAcquireRunner before
// calling Start, and the single-runner invariant depends on callers
// upholding that.
type Runner interface {
	// Start launches the agent loop for task t in the background and
	// returns immediately with a Handle. onEvent is invoked from a
	// runner-owned goroutine for every step/ask/finish; it must not
	// block for long since it typically persists synchronously via the
	// taskstore.
	Start(ctx context.Context, t *model.Task, onEvent func(Event)) (Handle, error)

	// Cancel requests the running agent loop for h stop promptly. It
	// does not block until the loop has actually exited; the loop
	// signals its own end via a final OutcomeFailed/OutcomeCompleted
	// event delivered to onEvent.
	Cancel(h Handle) error
}
