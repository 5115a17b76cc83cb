package taskstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/webai/controlplane/internal/model"
)

// Store owns every task's on-disk directory exclusively; only the Store
// mutates it (spec §5 shared-resource policy). Each task has its own
// mutex, acquired for any non-append write, matching invariant I1's
// single-runner enforcement and I2/I7's persistence guarantees.
type Store struct {
	root string

	mu      sync.RWMutex // guards the task index (creation/deletion)
	tasks   map[string]*entry
}

type entry struct {
	mu       sync.Mutex // per-task write lock (I1: single runner enforcement point)
	record   *model.Task
	steps    *appendLog
	chat     *appendLog
	running  bool // true while an AgentRunner owns this task (running|waiting_for_input)
}

// New creates a Store rooted at dataRoot (spec's ${DATA_ROOT}).
func New(dataRoot string) (*Store, error) {
	if err := ensureDir(filepath.Join(dataRoot, "tasks")); err != nil {
		return nil, err
	}
	return &Store{root: dataRoot, tasks: map[string]*entry{}}, nil
}

func (s *Store) dir(taskID string) string { return taskDir(s.root, taskID) }

// Create persists a brand-new task record and its (empty) logs.
func (s *Store) Create(t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	dir := s.dir(t.ID)
	if err := ensureDir(dir); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(dir, "browser")); err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(dir, "record.json"), t); err != nil {
		return err
	}
	s.tasks[t.ID] = &entry{
		record: t,
		steps:  newAppendLog(filepath.Join(dir, "steps.jsonl")),
		chat:   newAppendLog(filepath.Join(dir, "chat.jsonl")),
	}
	return nil
}

// Get returns a copy of the task record, or (nil,false) if unknown.
func (s *Store) Get(taskID string) (*model.Task, bool) {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.record
	return &cp, true
}

// List returns every known task record, ordered by CreatedAt ascending.
func (s *Store) List() []*model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		e.mu.Lock()
		cp := *e.record
		e.mu.Unlock()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Mutate applies fn to the task's in-memory record under its lock, then
// persists atomically. On a persistence error the in-memory record is
// reverted, per spec §7's "persistence errors during mutation revert the
// in-memory record" policy.
func (s *Store) Mutate(taskID string, fn func(*model.Task) error) error {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before := *e.record
	if err := fn(e.record); err != nil {
		*e.record = before
		return err
	}
	e.record.UpdatedAt = time.Now().UTC()
	if err := writeJSONAtomic(filepath.Join(s.dir(taskID), "record.json"), e.record); err != nil {
		*e.record = before
		return err
	}
	return nil
}

// TryAcquireRunner enforces invariant I1: at most one AgentRunner alive per
// task. Returns false if a runner is already attached.
func (s *Store) TryAcquireRunner(taskID string) bool {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false
	}
	e.running = true
	return true
}

// ReleaseRunner marks the task's runner slot free again.
func (s *Store) ReleaseRunner(taskID string) {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// AppendStep appends a step and bumps step_count atomically with respect
// to other step appends for the same task (invariant I2).
func (s *Store) AppendStep(taskID string, step model.Step) error {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	expected := e.record.StepCount + 1
	if step.StepNumber != expected {
		return fmt.Errorf("step_number %d out of order, expected %d", step.StepNumber, expected)
	}
	if err := e.steps.Append(step); err != nil {
		return err
	}
	before := *e.record
	e.record.StepCount = expected
	e.record.UpdatedAt = time.Now().UTC()
	if err := writeJSONAtomic(filepath.Join(s.dir(taskID), "record.json"), e.record); err != nil {
		*e.record = before
		return err
	}
	return nil
}

// Steps returns every persisted step for a task, in order.
func (s *Store) Steps(taskID string) ([]model.Step, error) {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return loadValid[model.Step](e.steps.path)
}

// AppendChat appends a chat message (totally ordered by append time).
func (s *Store) AppendChat(taskID string, msg model.ChatMessage) error {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chat.Append(msg)
}

// Chat returns every persisted chat message for a task, in order.
func (s *Store) Chat(taskID string) ([]model.ChatMessage, error) {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return loadValid[model.ChatMessage](e.chat.path)
}

// BrowserDir returns the opaque browser profile directory for a task.
func (s *Store) BrowserDir(taskID string) string {
	return filepath.Join(s.dir(taskID), "browser")
}

// Delete removes the task's on-disk directory entirely. The caller is
// responsible for stopping any live agent/browser first.
func (s *Store) Delete(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return os.RemoveAll(s.dir(taskID))
}

// LoadAll scans the data root on startup, loading every record (spec
// §4.2's engine-start recovery scan). It returns the loaded tasks
// unmodified; callers (the engine) apply the node_restart /
// browser_open=false recovery rules before tasks become visible.
func (s *Store) LoadAll(ctx context.Context) ([]*model.Task, error) {
	tasksRoot := filepath.Join(s.root, "tasks")
	dirEntries, err := os.ReadDir(tasksRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Task
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		id := de.Name()
		var t model.Task
		recordPath := filepath.Join(tasksRoot, id, "record.json")
		if err := readJSON(recordPath, &t); err != nil {
			continue // corrupt/missing record: skip, operator can inspect manually
		}
		s.tasks[id] = &entry{
			record: &t,
			steps:  newAppendLog(filepath.Join(tasksRoot, id, "steps.jsonl")),
			chat:   newAppendLog(filepath.Join(tasksRoot, id, "chat.jsonl")),
		}
		out = append(out, &t)
	}
	return out, nil
}

// ApplyRestartRecovery mutates the in-memory+persisted record for a task
// recovered at startup, per spec §4.2: running/waiting_for_input/pending
// tasks become failed(node_restart); scheduled tasks are left for the
// scheduler to re-enqueue; browser_open resets to false unconditionally.
func (s *Store) ApplyRestartRecovery(t *model.Task) error {
	return s.Mutate(t.ID, func(rec *model.Task) error {
		switch rec.Status {
		case model.StatusRunning, model.StatusWaitingForInput, model.StatusPending:
			rec.Status = model.StatusFailed
			rec.LastError = model.ReasonNodeRestart
			rec.NeedsAttention = false
		}
		rec.BrowserOpen = false
		rec.VNCToken = ""
		return nil
	})
}
