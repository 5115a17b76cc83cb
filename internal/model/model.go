// Package model holds the data types shared by the head and node processes:
// task records, steps, chat messages, node descriptors, and the error
// taxonomy surfaced over HTTP.
package model

import "time"

// TaskStatus is one of the task lifecycle states from the state machine.
type TaskStatus string

const (
	StatusPending         TaskStatus = "pending"
	StatusScheduled       TaskStatus = "scheduled"
	StatusRunning         TaskStatus = "running"
	StatusWaitingForInput TaskStatus = "waiting_for_input"
	StatusCompleted       TaskStatus = "completed"
	StatusFailed          TaskStatus = "failed"
	StatusStopped         TaskStatus = "stopped"
	StatusCancelled       TaskStatus = "cancelled"
)

// Terminal reports whether status is a terminal state w.r.t. the agent
// (invariant I5 — only browser_open/vnc_token may still change).
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusCancelled:
		return true
	default:
		return false
	}
}

// Known last_error reasons (terminal task reasons, spec §7).
const (
	ReasonStepBudgetExceeded = "step_budget_exceeded"
	ReasonNodeRestart        = "node_restart"
	ReasonBrowserCrashed     = "browser_crashed"
	ReasonCancelled          = "cancelled"
)

// Assistance holds the operator question/response pair for waiting_for_input.
type Assistance struct {
	Question     string `json:"question"`
	ResponseText string `json:"response_text,omitempty"`
}

// Task is the persisted per-task record (spec §3, invariants I1-I7).
type Task struct {
	ID                string      `json:"id"`
	NodeID            string      `json:"node_id"`
	Title             string      `json:"title"`
	Instructions      string      `json:"instructions"`
	ModelName         string      `json:"model_name"`
	ReasoningEffort   string      `json:"reasoning_effort,omitempty"`
	MaxSteps          int         `json:"max_steps"`
	LeaveBrowserOpen  bool        `json:"leave_browser_open"`
	Status            TaskStatus  `json:"status"`
	ScheduledFor      *time.Time  `json:"scheduled_for,omitempty"`
	Recurrence        string      `json:"recurrence,omitempty"`
	CorrelationID     string      `json:"correlation_id,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	StepCount         int         `json:"step_count"`
	BrowserOpen       bool        `json:"browser_open"`
	NeedsAttention    bool        `json:"needs_attention"`
	LastError         string      `json:"last_error,omitempty"`
	Assistance        *Assistance `json:"assistance,omitempty"`
	VNCToken          string      `json:"-"` // never serialized to the UI; see vncbroker
}

// Step is one append-only agent step, 1-based and gap-free (invariant I2).
type Step struct {
	StepNumber   int    `json:"step_number"`
	SummaryHTML  string `json:"summary_html,omitempty"`
	ScreenshotB64 string `json:"screenshot_b64,omitempty"`
	URL          string `json:"url,omitempty"`
	Title        string `json:"title,omitempty"`
}

// ChatRole identifies the speaker of a ChatMessage.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

// ChatMessage is one append-only chat entry.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
	At      time.Time `json:"at"`
}

// NodeDescriptor is the head's view of a node (no mirrored task state).
type NodeDescriptor struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	BaseURL  string     `json:"base_url"`
	Enabled  bool       `json:"enabled"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	LastErr  string     `json:"last_error,omitempty"`
}

// TaskSummary is the list-view projection of a Task.
type TaskSummary struct {
	ID             string     `json:"id"`
	NodeID         string     `json:"node_id"`
	Title          string     `json:"title"`
	Status         TaskStatus `json:"status"`
	StepCount      int        `json:"step_count"`
	BrowserOpen    bool       `json:"browser_open"`
	NeedsAttention bool       `json:"needs_attention"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Summary projects a Task into its list-view form.
func (t *Task) Summary() TaskSummary {
	return TaskSummary{
		ID:             t.ID,
		NodeID:         t.NodeID,
		Title:          t.Title,
		Status:         t.Status,
		StepCount:      t.StepCount,
		BrowserOpen:    t.BrowserOpen,
		NeedsAttention: t.NeedsAttention,
		ScheduledFor:   t.ScheduledFor,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

// TaskDetail is the full GET /api/tasks/{id} payload.
type TaskDetail struct {
	Record        *Task         `json:"record"`
	Steps         []Step        `json:"steps"`
	ChatHistory   []ChatMessage `json:"chat_history"`
	VNCLaunchURL  string        `json:"vnc_launch_url,omitempty"`
}

// CreateSpec is the input to Engine.Create.
type CreateSpec struct {
	Title            string     `json:"title"`
	Instructions     string     `json:"instructions"`
	ModelName        string     `json:"model"`
	MaxSteps         int        `json:"max_steps"`
	LeaveBrowserOpen bool       `json:"leave_browser_open"`
	ReasoningEffort  string     `json:"reasoning_effort,omitempty"`
	ScheduledFor     *time.Time `json:"scheduled_for,omitempty"`
	Recurrence       string     `json:"recurrence,omitempty"`
	NodeID           string     `json:"node_id,omitempty"`
}
