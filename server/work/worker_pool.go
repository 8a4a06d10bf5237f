package work

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type WorkerPool struct {
	handlers    map[string]Handler
	workers     []*worker
	queue       *jobQueue
	requeuer    *requeuer
	concurrency int

	mu      sync.Mutex
	started bool
}

func newWorkerPool(concurrency int) *WorkerPool {
	if concurrency < 1 {
		concurrency = 1
	}

	queue := newJobQueue()
	wp := WorkerPool{
		handlers:    make(map[string]Handler),
		queue:       queue,
		requeuer:    newRequeuer(queue),
		concurrency: concurrency,
	}

	for i := 0; i < concurrency; i++ {
		wp.workers = append(wp.workers, newWorker(queue, DefaultSleepBackoffs))
	}

	return &wp
}

// registerHandler binds a name to a job handler for all workers in pool.
// Handlers must be registered before the pool is started.
func (wp *WorkerPool) registerHandler(name string, handler Handler) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return fmt.Errorf("cannot register handler %v on a running pool", name)
	}

	if _, ok := wp.handlers[name]; ok {
		return ErrDuplicateHandler
	}
	wp.handlers[name] = handler

	for _, worker := range wp.workers {
		err := worker.registerHandler(name, handler)

		// Only panic if we get an error that is unexpected i.e !ErrDuplicateHandler
		if err != nil && !errors.Is(err, ErrDuplicateHandler) {
			logg.Panic(err)
		}
	}
	return nil
}

// enqueue adds a job to the queue, to be executed as soon as a worker is free
func (wp *WorkerPool) enqueue(params JobParams) error {
	if err := validateParams(params); err != nil {
		return err
	}

	return wp.queue.push(newJob(params))
}

// enqueueIn adds a job to the queue, to be executed in 'seconds' seconds
func (wp *WorkerPool) enqueueIn(seconds int, params JobParams) error {
	if err := validateParams(params); err != nil {
		return err
	}

	return wp.queue.schedule(newJob(params), time.Now().Add(time.Duration(seconds)*time.Second))
}

// start starts all workers in pool i.e the workers can start processing jobs
func (wp *WorkerPool) start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return
	}
	wp.started = true

	for _, worker := range wp.workers {
		worker.start()
	}
	wp.requeuer.start()
}

// stop stops all workers in pool i.e jobs will stop being processed.
// Jobs still in the queue stay there until the pool is started again.
func (wp *WorkerPool) stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.started {
		return
	}

	wg := sync.WaitGroup{}
	for _, w := range wp.workers {
		wg.Add(1)
		go func(w *worker) {
			w.stop()
			wg.Done()
		}(w)
	}
	wp.requeuer.stop()
	wg.Wait()
	wp.started = false
}

func (wp *WorkerPool) stats() JobsStats {
	return wp.queue.stats()
}

// wait blocks until every enqueued, scheduled and in-progress job is done.
func (wp *WorkerPool) wait(ctx context.Context) error {
	select {
	case <-wp.queue.idleChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validateParams(params JobParams) error {
	if strings.TrimSpace(params.Name) == "" || strings.TrimSpace(params.Handler) == "" {
		return fmt.Errorf("both a name & handler is required for a job")
	}
	return nil
}
