package workflow

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	taskPending int32 = iota
	taskFired
	taskCancelled
)

type timerTask struct {
	timer *time.Timer
	state atomic.Int32
}

// Timers holds named, cancellable one-shot tasks. Each task runs at most once; cancelling it
// after it started has no effect.
type Timers struct {
	mu      sync.Mutex
	tasks   map[string]*timerTask
	stopped bool
	running sync.WaitGroup
}

// NewTimers creates an empty task set.
func NewTimers() *Timers {
	return &Timers{tasks: make(map[string]*timerTask)}
}

// Schedule runs fn after d under name, replacing any pending task with the same name.
// A non-positive d fires immediately on another goroutine.
func (t *Timers) Schedule(name string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if prev, ok := t.tasks[name]; ok {
		t.cancelTask(prev)
	}

	task := &timerTask{}
	t.running.Add(1)
	task.timer = time.AfterFunc(max(d, 0), func() {
		defer t.running.Done()
		if !task.state.CompareAndSwap(taskPending, taskFired) {
			return
		}
		t.mu.Lock()
		if t.tasks[name] == task {
			delete(t.tasks, name)
		}
		t.mu.Unlock()
		fn()
	})
	t.tasks[name] = task
}

// Cancel stops the task called name and reports whether it was stopped before running.
func (t *Timers) Cancel(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[name]
	if !ok {
		return false
	}
	delete(t.tasks, name)
	return t.cancelTask(task)
}

func (t *Timers) cancelTask(task *timerTask) bool {
	if !task.state.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	if task.timer.Stop() {
		// The callback will never run, so account for it here.
		t.running.Done()
	}
	return true
}

// Pending reports whether a task called name is scheduled and has not fired.
func (t *Timers) Pending(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[name]
	return ok
}

// Stop cancels every pending task and waits for callbacks already running. It must not be
// called from a task callback.
func (t *Timers) Stop() {
	t.mu.Lock()
	t.stopped = true
	for name, task := range t.tasks {
		t.cancelTask(task)
		delete(t.tasks, name)
	}
	t.mu.Unlock()
	t.running.Wait()
}
