package work

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidewatch/smartsos/colors"
	"github.com/tidewatch/smartsos/server/logger"
)

var (
	ErrDuplicateHandler = errors.New("handler with provided name already mapped")
	ErrNoHandler        = errors.New("no handler registered for job")

	// Idle workers poll the queue with these growing intervals.
	DefaultSleepBackoffs = []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
	}

	logg = logger.NewLogger()
)

type JobParams struct {
	Name    string
	Handler string
	Unique  bool
	Args    map[string]interface{}
}

type Handler func(map[string]interface{}) error

type worker struct {
	id            string
	handlers      map[string]Handler
	queue         *jobQueue
	stopChan      chan struct{}
	sleepBackoffs []time.Duration
}

func newWorker(queue *jobQueue, sleepBackoffs []time.Duration) *worker {
	return &worker{
		id:            uuid.NewString()[:8],
		handlers:      make(map[string]Handler),
		queue:         queue,
		stopChan:      make(chan struct{}),
		sleepBackoffs: sleepBackoffs,
	}
}

// registerHandler binds a name to a job handler.
func (w *worker) registerHandler(name string, handler Handler) error {
	if _, ok := w.handlers[name]; ok {
		return ErrDuplicateHandler
	}

	w.handlers[name] = handler

	return nil
}

// start starts the worker loop that pulls jobs from the queue & process them
func (w *worker) start() {
	go w.loop()
}

func (w *worker) stop() {
	w.stopChan <- struct{}{}
}

func (w *worker) loop() {
	consecutiveNoJobs := 0
	rateLimiter := time.NewTicker(w.sleepBackoffs[0])
	defer rateLimiter.Stop()

	w.logInfof("started")
	for {
		select {
		case <-w.stopChan:
			w.logInfof("stopped")
			return
		case <-w.queue.wake:
		case <-rateLimiter.C:
		}

		job, ok := w.queue.claim()
		if !ok {
			// No job found, slowly increase the wait time between each fetch
			consecutiveNoJobs++
			idx := consecutiveNoJobs
			if idx >= len(w.sleepBackoffs) {
				idx = len(w.sleepBackoffs) - 1
			}
			rateLimiter.Reset(w.sleepBackoffs[idx])
			continue
		}

		w.processJob(job)
		consecutiveNoJobs = 0
		rateLimiter.Reset(w.sleepBackoffs[0])
	}
}

func (w *worker) processJob(job *Job) {
	err := w.run(job)
	if err != nil {
		w.logError(fmt.Errorf("job %v (%v) failed: %v", job.Name, job.ID, err))
	}

	status := w.queue.complete(job, err)
	w.logInfof("job with id=%v name=%v completed with status=%v fails=%v", job.ID, job.Name, status, job.Fails)
}

func (w *worker) run(job *Job) (err error) {
	handler, ok := w.handlers[job.Handler]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoHandler, job.Handler)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %v panicked: %v", job.Handler, r)
		}
	}()

	return handler(job.Args)
}

func (w *worker) logInfof(template string, args ...interface{}) {
	prefix := colors.Yellow(fmt.Sprintf("[worker %v] ", w.id))
	logg.Infof(prefix+template, args...)
}

func (w *worker) logError(err error) {
	prefix := colors.Red(fmt.Sprintf("[worker %v] ", w.id))
	logg.Error(prefix, err)
}
