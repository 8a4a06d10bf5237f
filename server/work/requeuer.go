package work

import (
	"fmt"
	"time"

	"github.com/tidewatch/smartsos/colors"
)

// RequeueInterval is how often scheduled jobs are checked for their run time.
var RequeueInterval = 20 * time.Millisecond

// requeuer moves scheduled jobs (delayed jobs and retries) into the queue
// once their run time has passed.
type requeuer struct {
	queue    *jobQueue
	stopChan chan struct{}
}

func newRequeuer(queue *jobQueue) *requeuer {
	return &requeuer{
		queue:    queue,
		stopChan: make(chan struct{}),
	}
}

func (r *requeuer) start() {
	go r.loop()
}

func (r *requeuer) stop() {
	r.stopChan <- struct{}{}
}

func (r *requeuer) loop() {
	rateLimiter := time.NewTicker(RequeueInterval)
	defer rateLimiter.Stop()

	logg.Infof("Starting %s job requeuer", SCHEDULED_JOB)
	for {
		select {
		case <-r.stopChan:
			logg.Infof("Stopping %s job requeuer", SCHEDULED_JOB)
			return
		case now := <-rateLimiter.C:
			for _, job := range r.queue.promoteDue(now) {
				r.logInfof("job with id=%v name=%v requeued, fails=%v", job.ID, job.Name, job.Fails)
			}
		}
	}
}

func (r *requeuer) logInfof(template string, args ...interface{}) {
	prefix := colors.Yellow(fmt.Sprintf("[%s job requeuer] ", SCHEDULED_JOB))
	logg.Infof(prefix+template, args...)
}
