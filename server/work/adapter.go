package work

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-co-op/gocron"
	"github.com/tidewatch/smartsos/server/cron"
)

const MAX_CONCURRENCY = 1

type WorkerPoolAdapter struct {
	cronScheduler *gocron.Scheduler
	pool          *WorkerPool
}

func NewWorkerAdapter(timeZone string, concurrency int) *WorkerPoolAdapter {
	return &WorkerPoolAdapter{
		cronScheduler: cron.NewCronScheduler(timeZone),
		pool:          newWorkerPool(concurrency),
	}
}

// Start starts the cron scheduler & worker pool
func (adapter *WorkerPoolAdapter) Start() error {
	logg.Info("Starting cron scheduler & worker pool")
	adapter.cronScheduler.StartAsync()
	adapter.pool.start()

	return nil
}

// Stop stops the cron scheduler & worker pool
func (adapter *WorkerPoolAdapter) Stop() error {
	logg.Info("Stopping cron scheduler & worker pool")
	adapter.cronScheduler.Stop()
	adapter.pool.stop()

	return nil
}

// Register binds a name to a handler.
func (adapter *WorkerPoolAdapter) Register(name string, handler Handler) error {
	return adapter.pool.registerHandler(name, handler)
}

// Perform sends a new job to the queue, now - to be executed as soon as a worker is available.
// A unique job that is already queued or running is skipped.
func (adapter *WorkerPoolAdapter) Perform(job JobParams) error {
	logg.Debugf("Enqueuing job: %v", job)

	err := adapter.pool.enqueue(job)
	if errors.Is(err, ErrDuplicateJob) {
		logg.Warnf("Duplicate job already in queue for: %v", job.Name)
		return nil
	}

	if err != nil {
		return fmt.Errorf("error enqueuing job: %v, %v", job, err)
	}

	return nil
}

// PerformIn sends a new job to the queue, to be executed in 'seconds' seconds
func (adapter *WorkerPoolAdapter) PerformIn(seconds int, job JobParams) error {
	err := adapter.pool.enqueueIn(seconds, job)
	if errors.Is(err, ErrDuplicateJob) {
		logg.Warnf("Duplicate job already scheduled for: %v", job.Name)
		return nil
	}

	if err != nil {
		return fmt.Errorf("error scheduling job: %v, %v", job, err)
	}

	return nil
}

// PeriodicallyPerform adds a job to the queue (to be executed)
// periodically, based on the 'cronExpression' expression provided
func (adapter *WorkerPoolAdapter) PeriodicallyPerform(cronExpression string, job JobParams) error {
	_, err := adapter.cronScheduler.Cron(cronExpression).Tag(job.Name).
		Do(
			func(job JobParams) {
				err := adapter.Perform(job)
				if err != nil {
					logg.Error(err)
				}
			},
			job,
		)
	return err
}

func (adapter *WorkerPoolAdapter) RemovePeriodicJob(jobName string) error {
	return adapter.cronScheduler.RemoveByTag(jobName)
}

func (adapter *WorkerPoolAdapter) PeriodicJobs() int {
	return adapter.cronScheduler.Len()
}

func (adapter *WorkerPoolAdapter) Stats() JobsStats {
	return adapter.pool.stats()
}

// Wait blocks until the queue is drained or ctx is done.
func (adapter *WorkerPoolAdapter) Wait(ctx context.Context) error {
	return adapter.pool.wait(ctx)
}
