package work

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_Validation(t *testing.T) {
	workerPool := newWorkerPool(MAX_CONCURRENCY)

	tests := []struct {
		name   string
		params JobParams
	}{
		{"missing name", JobParams{Handler: "donna"}},
		{"missing handler", JobParams{Name: "suits"}},
		{"blank", JobParams{Name: " ", Handler: " "}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, workerPool.enqueue(tc.params))
		})
	}
}

func TestEnqueue_UniqueJobs(t *testing.T) {
	workerPool := newWorkerPool(MAX_CONCURRENCY)
	job := JobParams{Name: "escalate:1", Handler: "escalate", Unique: true}

	assert.NoError(t, workerPool.enqueue(job))
	assert.ErrorIs(t, workerPool.enqueue(job), ErrDuplicateJob)
	assert.ErrorIs(t, workerPool.enqueueIn(1, job), ErrDuplicateJob)

	// non unique jobs can repeat
	job.Unique = false
	assert.NoError(t, workerPool.enqueue(job))
	assert.Equal(t, 2, workerPool.stats().Enqueued)
}

func TestEnqueueIn(t *testing.T) {
	workerPool := newWorkerPool(MAX_CONCURRENCY)

	err := workerPool.enqueueIn(1, JobParams{
		Name:    "suits",
		Handler: "donna",
		Args: map[string]interface{}{
			"first_name": "mike",
			"last_name":  "ross",
		},
	})
	assert.Nil(t, err)
	assert.Equal(t, 1, workerPool.stats().Scheduled)

	assert.Empty(t, workerPool.queue.promoteDue(time.Now()), "job is not due yet")

	due := workerPool.queue.promoteDue(time.Now().Add(time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, "suits", due[0].Name)
	assert.Equal(t, "mike", due[0].Args["first_name"])
	assert.Equal(t, ENQUEUED_JOB, due[0].Status)
	assert.Equal(t, JobsStats{Enqueued: 1}, workerPool.stats())
}

func TestWorkerPool_RetriesUntilDead(t *testing.T) {
	defer func(backoff time.Duration) { RetryBackoff = backoff }(RetryBackoff)
	RetryBackoff = time.Millisecond

	workerPool := newWorkerPool(2)
	attempts := make(chan struct{}, MAX_FAILS+1)

	require.NoError(t, workerPool.registerHandler("flaky", func(map[string]interface{}) error {
		attempts <- struct{}{}
		return errors.New("still failing")
	}))
	require.NoError(t, workerPool.enqueue(JobParams{Name: "flaky", Handler: "flaky", Unique: true}))

	workerPool.start()
	defer workerPool.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, workerPool.wait(ctx))

	assert.Len(t, attempts, MAX_FAILS)
	assert.Equal(t, JobsStats{Dead: 1}, workerPool.stats())

	// a dead unique job frees its name
	assert.NoError(t, workerPool.enqueue(JobParams{Name: "flaky", Handler: "flaky", Unique: true}))
}

func TestWorkerPool_RecoversFromPanics(t *testing.T) {
	defer func(backoff time.Duration) { RetryBackoff = backoff }(RetryBackoff)
	RetryBackoff = time.Millisecond

	workerPool := newWorkerPool(1)
	calls := 0

	require.NoError(t, workerPool.registerHandler("panicky", func(map[string]interface{}) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	}))
	require.NoError(t, workerPool.enqueue(JobParams{Name: "panicky", Handler: "panicky"}))

	workerPool.start()
	defer workerPool.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, workerPool.wait(ctx))

	assert.Equal(t, 2, calls)
	assert.Equal(t, JobsStats{Successful: 1}, workerPool.stats())
}

func TestWorkerPool_RegisterHandler(t *testing.T) {
	workerPool := newWorkerPool(2)
	noop := func(map[string]interface{}) error { return nil }

	assert.NoError(t, workerPool.registerHandler("noop", noop))
	assert.ErrorIs(t, workerPool.registerHandler("noop", noop), ErrDuplicateHandler)

	workerPool.start()
	defer workerPool.stop()

	assert.Error(t, workerPool.registerHandler("late", noop))
}

func TestWait_RespectsContext(t *testing.T) {
	workerPool := newWorkerPool(1)
	require.NoError(t, workerPool.enqueue(JobParams{Name: "never", Handler: "never"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, workerPool.wait(ctx), context.DeadlineExceeded)
}
