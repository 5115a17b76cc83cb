// Package scheduler fires deferred-start tasks at their scheduled_for time
// and spawns new task instances for tasks carrying a recurrence expression.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/webai/controlplane/internal/model"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// OnDue is called when a deferred task's scheduled_for time has arrived.
// Implementations (the engine) promote the task from scheduled to pending
// and attempt to run it.
type OnDue func(ctx context.Context, taskID string)

// OnRecurrenceFire is called when a recurring task's cron expression
// matches. Implementations spawn a new task record cloned from the
// original (spec's "recurrence spawns a new task record, handled by the
// scheduler, not the engine").
type OnRecurrenceFire func(ctx context.Context, original *model.Task)

// TaskLister is the minimal view the recurrence pass needs of the store.
type TaskLister interface {
	List() []*model.Task
}

// item is one entry in the deferred-start min-heap.
type item struct {
	taskID       string
	scheduledFor time.Time
	index        int
}

type minHeap []*item

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].scheduledFor.Before(h[j].scheduledFor) }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *minHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Scheduler owns the deferred-start heap and the recurrence sweep.
type Scheduler struct {
	logger *slog.Logger

	onDue       OnDue
	onRecurring OnRecurrenceFire
	lister      TaskLister

	recurrenceInterval time.Duration

	mu        sync.Mutex
	h         minHeap
	byTaskID  map[string]*item
	wake      chan struct{}
	nextFired map[string]time.Time // taskID -> next computed cron occurrence

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a new Scheduler.
type Config struct {
	Logger             *slog.Logger
	OnDue              OnDue
	OnRecurrenceFire   OnRecurrenceFire
	Lister             TaskLister
	RecurrenceInterval time.Duration // default 1 minute, matches the teacher's cron tick
}

// New builds a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.RecurrenceInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		logger:             logger,
		onDue:              cfg.OnDue,
		onRecurring:        cfg.OnRecurrenceFire,
		lister:             cfg.Lister,
		recurrenceInterval: interval,
		byTaskID:           map[string]*item{},
		wake:               make(chan struct{}, 1),
		nextFired:          map[string]time.Time{},
	}
}

// Add schedules taskID to fire OnDue at scheduledFor. Re-adding the same
// taskID replaces its prior entry (used by reschedule_task).
func (s *Scheduler) Add(taskID string, scheduledFor time.Time) {
	s.mu.Lock()
	if existing, ok := s.byTaskID[taskID]; ok {
		heap.Remove(&s.h, existing.index)
		delete(s.byTaskID, taskID)
	}
	it := &item{taskID: taskID, scheduledFor: scheduledFor}
	heap.Push(&s.h, it)
	s.byTaskID[taskID] = it
	s.mu.Unlock()

	s.nudge()
}

// Remove cancels a pending deferred-start entry (used by stop/delete).
func (s *Scheduler) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byTaskID[taskID]; ok {
		heap.Remove(&s.h, existing.index)
		delete(s.byTaskID, taskID)
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the deferred-start loop and the recurrence sweep in
// background goroutines until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.deferredLoop(ctx)
	go s.recurrenceLoop(ctx)
	s.logger.Info("scheduler started", "recurrence_interval", s.recurrenceInterval)
}

// Stop cancels both loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) deferredLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	s.resetTimer(timer)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.resetTimer(timer)
		case <-timer.C:
			s.fireDue(ctx)
			s.resetTimer(timer)
		}
	}
}

// resetTimer points the timer at the heap's earliest entry, or a long
// sleep if the heap is empty.
func (s *Scheduler) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	s.mu.Lock()
	var d time.Duration
	if len(s.h) == 0 {
		d = time.Hour
	} else {
		d = time.Until(s.h[0].scheduledFor)
		if d < 0 {
			d = 0
		}
	}
	s.mu.Unlock()
	timer.Reset(d)
}

// fireDue pops and dispatches every heap entry whose scheduledFor has
// passed.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.h) == 0 || s.h[0].scheduledFor.After(now) {
			s.mu.Unlock()
			return
		}
		it := heap.Pop(&s.h).(*item)
		delete(s.byTaskID, it.taskID)
		s.mu.Unlock()

		if s.onDue != nil {
			s.onDue(ctx, it.taskID)
		}
	}
}

func (s *Scheduler) recurrenceLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.recurrenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepRecurring(ctx)
		}
	}
}

// sweepRecurring finds terminal tasks with a recurrence expression whose
// next computed occurrence has arrived, and fires OnRecurrenceFire for
// each. Each original task fires at most once per occurrence: the next
// occurrence is recomputed and cached after firing.
func (s *Scheduler) sweepRecurring(ctx context.Context) {
	if s.lister == nil || s.onRecurring == nil {
		return
	}
	now := time.Now()
	for _, t := range s.lister.List() {
		if t.Recurrence == "" || !t.Status.Terminal() {
			continue
		}

		s.mu.Lock()
		next, known := s.nextFired[t.ID]
		s.mu.Unlock()

		if !known {
			n, err := nextOccurrence(t.Recurrence, t.UpdatedAt)
			if err != nil {
				s.logger.Warn("scheduler: invalid recurrence expression", "task_id", t.ID, "recurrence", t.Recurrence, "error", err)
				continue
			}
			s.mu.Lock()
			s.nextFired[t.ID] = n
			s.mu.Unlock()
			continue
		}

		if next.After(now) {
			continue
		}

		s.onRecurring(ctx, t)

		n, err := nextOccurrence(t.Recurrence, now)
		if err != nil {
			s.mu.Lock()
			delete(s.nextFired, t.ID)
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		s.nextFired[t.ID] = n
		s.mu.Unlock()
	}
}

func nextOccurrence(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse recurrence %q: %w", cronExpr, err)
	}
	return sched.Next(after), nil
}
