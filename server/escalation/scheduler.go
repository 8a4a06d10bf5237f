// Package escalation arms one timer per active alert and dispatches the
// alert id once the timer expires.
package escalation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidewatch/smartsos/colors"
	"github.com/tidewatch/smartsos/server/clock"
	"github.com/tidewatch/smartsos/server/logger"
)

type State int32

const (
	Armed State = iota
	Fired
	Disarmed
)

var (
	stateNames = map[State]string{Armed: "armed", Fired: "fired", Disarmed: "disarmed"}
	logg       = logger.NewLogger()
)

func (s State) String() string {
	return stateNames[s]
}

// Task is the handle returned by Arm. A task leaves Armed exactly once.
type Task struct {
	ID      string
	AlertID string
	DueAt   time.Time

	state int32
	timer clock.Timer
}

func (t *Task) State() State {
	return State(atomic.LoadInt32(&t.state))
}

func (t *Task) transition(to State) bool {
	return atomic.CompareAndSwapInt32(&t.state, int32(Armed), int32(to))
}

// Dispatch receives the alert id of a fired task. It must not block for long,
// the usual implementation hands the id to a work queue.
type Dispatch func(alertID string)

type Scheduler struct {
	clock    clock.Clock
	dispatch Dispatch
	gauge    prometheus.Gauge

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewScheduler returns a scheduler; gauge is optional and tracks armed tasks.
func NewScheduler(clk clock.Clock, dispatch Dispatch, gauge prometheus.Gauge) *Scheduler {
	return &Scheduler{
		clock:    clk,
		dispatch: dispatch,
		gauge:    gauge,
		tasks:    make(map[string]*Task),
	}
}

// Arm schedules the escalation of alertID after delay. An existing task for
// the same alert is disarmed first.
func (s *Scheduler) Arm(alertID string, delay time.Duration) *Task {
	if delay < 0 {
		delay = 0
	}

	task := &Task{
		ID:      uuid.NewString(),
		AlertID: alertID,
		DueAt:   s.clock.Now().Add(delay),
		state:   int32(Armed),
	}

	s.mu.Lock()
	previous := s.tasks[alertID]
	s.tasks[alertID] = task
	task.timer = s.clock.AfterFunc(delay, func() { s.fire(task) })
	s.mu.Unlock()

	if previous != nil && previous.transition(Disarmed) {
		previous.timer.Stop()
		s.adjust(-1)
	}
	s.adjust(1)

	s.logInfof("armed task %v for alert %v, due in %v", task.ID, alertID, delay)

	return task
}

// Disarm moves an armed task to Disarmed and reports whether it did. A task
// that already fired stays Fired; the guarded escalate in the store decides
// the race in that case.
func (s *Scheduler) Disarm(task *Task) bool {
	if task == nil || !task.transition(Disarmed) {
		return false
	}

	s.mu.Lock()
	if task.timer != nil {
		task.timer.Stop()
	}
	if s.tasks[task.AlertID] == task {
		delete(s.tasks, task.AlertID)
	}
	s.mu.Unlock()

	s.adjust(-1)
	s.logInfof("disarmed task %v for alert %v", task.ID, task.AlertID)

	return true
}

// DisarmAlert disarms the current task of an alert, if any.
func (s *Scheduler) DisarmAlert(alertID string) bool {
	return s.Disarm(s.Task(alertID))
}

// Task returns the armed task of an alert.
func (s *Scheduler) Task(alertID string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tasks[alertID]
}

// Armed returns how many tasks are waiting to fire.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

// Stop disarms every armed task.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	for _, task := range tasks {
		s.Disarm(task)
	}
}

func (s *Scheduler) fire(task *Task) {
	if !task.transition(Fired) {
		return
	}

	s.mu.Lock()
	if s.tasks[task.AlertID] == task {
		delete(s.tasks, task.AlertID)
	}
	s.mu.Unlock()

	s.adjust(-1)
	s.logInfof("task %v fired for alert %v", task.ID, task.AlertID)

	s.dispatch(task.AlertID)
}

func (s *Scheduler) adjust(delta float64) {
	if s.gauge != nil {
		s.gauge.Add(delta)
	}
}

func (s *Scheduler) logInfof(template string, args ...interface{}) {
	logg.Infof(colors.Blue("[escalation] ")+template, args...)
}

func (t *Task) String() string {
	return fmt.Sprintf("task %v (alert %v, %v, due %v)", t.ID, t.AlertID, t.State(), t.DueAt.Format(time.RFC3339))
}
