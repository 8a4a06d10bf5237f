package work

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ENQUEUED_JOB    = "enqueued"
	SCHEDULED_JOB   = "scheduled"
	IN_PROGRESS_JOB = "in-progress"
	SUCCESSFUL_JOB  = "successful"
	DEAD_JOB        = "dead"
	MAX_FAILS       = 4
)

var (
	ErrDuplicateJob = errors.New("a unique job with the same name is already enqueued or in progress")

	// RetryBackoff is multiplied by the number of fails to get the delay before a retry.
	RetryBackoff = 100 * time.Millisecond
)

type Job struct {
	ID         string
	Name       string
	Handler    string
	Unique     bool
	Args       map[string]interface{}
	Status     string
	Fails      int
	LastError  string
	EnqueuedAt time.Time
	RunAt      time.Time
}

type JobsStats struct {
	Enqueued   int `json:"enqueued"`
	Scheduled  int `json:"scheduled"`
	InProgress int `json:"in_progress"`
	Successful int `json:"successful"`
	Dead       int `json:"dead"`
}

// jobQueue holds every job the pool knows about. Jobs are never dropped:
// a job leaves the queue only as successful or dead.
type jobQueue struct {
	mu          sync.Mutex
	enqueued    []*Job
	scheduled   []*Job
	inProgress  map[string]*Job
	uniqueNames map[string]bool
	successful  int
	dead        int
	wake        chan struct{}
	idle        chan struct{}
}

func newJobQueue() *jobQueue {
	idle := make(chan struct{})
	close(idle)

	return &jobQueue{
		inProgress:  make(map[string]*Job),
		uniqueNames: make(map[string]bool),
		wake:        make(chan struct{}, 1),
		idle:        idle,
	}
}

func newJob(params JobParams) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Name:       params.Name,
		Handler:    params.Handler,
		Unique:     params.Unique,
		Args:       params.Args,
		EnqueuedAt: time.Now(),
	}
}

// push adds a job that is ready to run now.
func (q *jobQueue) push(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.reserve(job); err != nil {
		return err
	}

	job.Status = ENQUEUED_JOB
	q.enqueued = append(q.enqueued, job)
	q.signal()

	return nil
}

// schedule adds a job that the requeuer moves to the queue once runAt has passed.
func (q *jobQueue) schedule(job *Job, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.reserve(job); err != nil {
		return err
	}

	job.Status = SCHEDULED_JOB
	job.RunAt = runAt
	q.scheduled = append(q.scheduled, job)

	return nil
}

func (q *jobQueue) reserve(job *Job) error {
	if job.Unique {
		if q.uniqueNames[job.Name] {
			return ErrDuplicateJob
		}
		q.uniqueNames[job.Name] = true
	}

	if q.pendingLocked() == 0 {
		q.idle = make(chan struct{})
	}

	return nil
}

// claim pops the oldest enqueued job and marks it in progress.
func (q *jobQueue) claim() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.enqueued) == 0 {
		return nil, false
	}

	job := q.enqueued[0]
	q.enqueued[0] = nil
	q.enqueued = q.enqueued[1:]

	job.Status = IN_PROGRESS_JOB
	q.inProgress[job.ID] = job

	return job, true
}

// complete records the outcome of a claimed job and returns its new status.
// Failed jobs are rescheduled with a growing delay until MAX_FAILS.
func (q *jobQueue) complete(job *Job, runErr error) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inProgress, job.ID)

	switch {
	case runErr == nil:
		job.Status = SUCCESSFUL_JOB
		q.successful++
	case job.Fails+1 >= MAX_FAILS:
		job.Fails++
		job.LastError = runErr.Error()
		job.Status = DEAD_JOB
		q.dead++
	default:
		job.Fails++
		job.LastError = runErr.Error()
		job.Status = SCHEDULED_JOB
		job.RunAt = time.Now().Add(time.Duration(job.Fails) * RetryBackoff)
		q.scheduled = append(q.scheduled, job)
		return job.Status
	}

	if job.Unique {
		delete(q.uniqueNames, job.Name)
	}

	if q.pendingLocked() == 0 {
		close(q.idle)
	}

	return job.Status
}

// promoteDue moves scheduled jobs whose run time has passed to the queue.
func (q *jobQueue) promoteDue(now time.Time) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := []*Job{}
	remaining := q.scheduled[:0]

	for _, job := range q.scheduled {
		if job.RunAt.After(now) {
			remaining = append(remaining, job)
			continue
		}
		job.Status = ENQUEUED_JOB
		due = append(due, job)
	}

	for i := len(remaining); i < len(q.scheduled); i++ {
		q.scheduled[i] = nil
	}
	q.scheduled = remaining
	q.enqueued = append(q.enqueued, due...)

	if len(due) > 0 {
		q.signal()
	}

	return due
}

func (q *jobQueue) stats() JobsStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return JobsStats{
		Enqueued:   len(q.enqueued),
		Scheduled:  len(q.scheduled),
		InProgress: len(q.inProgress),
		Successful: q.successful,
		Dead:       q.dead,
	}
}

// idleChan is closed once no job is enqueued, scheduled or in progress.
func (q *jobQueue) idleChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.idle
}

func (q *jobQueue) pendingLocked() int {
	return len(q.enqueued) + len(q.scheduled) + len(q.inProgress)
}

func (q *jobQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
