// Package scheduler runs deferred tasks against an injectable clock.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/metrics"
)

// Scheduler runs functions after a delay. A task runs at most once: it
// either fires, is cancelled, or is run early by Flush.
type Scheduler struct {
	clock clock.Clock

	mu    sync.Mutex
	tasks map[*Task]struct{}
	wg    sync.WaitGroup
}

// Task is a handle to a scheduled function.
type Task struct {
	name  string
	fn    func()
	timer *clock.Timer
	s     *Scheduler
}

// New creates a scheduler. A nil clock means the wall clock.
func New(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{
		clock: c,
		tasks: make(map[*Task]struct{}),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// After schedules fn to run once d has elapsed.
func (s *Scheduler) After(d time.Duration, name string, fn func()) *Task {
	t := &Task{name: name, fn: fn, s: s}

	s.mu.Lock()
	s.tasks[t] = struct{}{}
	t.timer = s.clock.AfterFunc(d, func() { s.fire(t) })
	n := len(s.tasks)
	s.mu.Unlock()

	metrics.SetPendingTasks(n)
	return t
}

// claim removes t from the pending set. Only the caller that claims a
// task may run it.
func (s *Scheduler) claim(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t]; !ok {
		return false
	}
	delete(s.tasks, t)
	metrics.SetPendingTasks(len(s.tasks))
	s.wg.Add(1)
	return true
}

func (s *Scheduler) fire(t *Task) {
	if !s.claim(t) {
		return
	}
	s.run(t)
}

func (s *Scheduler) run(t *Task) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.Error("scheduled task panicked",
				zap.String("task", t.name), zap.Any("panic", r))
		}
	}()
	t.fn()
}

// Cancel stops the task. It returns false if the task already ran or was
// cancelled.
func (t *Task) Cancel() bool {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t]; !ok {
		return false
	}
	delete(s.tasks, t)
	t.timer.Stop()
	metrics.SetPendingTasks(len(s.tasks))
	return true
}

// Name returns the name the task was scheduled with.
func (t *Task) Name() string { return t.name }

// Pending returns the number of tasks waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Flush runs every pending task now, in the calling goroutine, and returns
// once they have all finished. Used on shutdown.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	pending := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, t)
		pending = append(pending, t)
	}
	s.wg.Add(len(pending))
	s.mu.Unlock()
	metrics.SetPendingTasks(0)

	if len(pending) > 0 {
		logging.Info("flushing scheduled tasks", zap.Int("count", len(pending)))
	}
	for _, t := range pending {
		s.run(t)
	}
}

// Wait blocks until every task that has started running has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
