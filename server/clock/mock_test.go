package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockAdvanceRunsDueTimersInOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	mock := NewMock(start)

	var fired []string
	mock.AfterFunc(90*time.Second, func() { fired = append(fired, "escalate") })
	mock.AfterFunc(10*time.Second, func() { fired = append(fired, "first") })
	mock.AfterFunc(10*time.Second, func() { fired = append(fired, "second") })

	mock.Advance(10 * time.Second)
	assert.Equal(t, []string{"first", "second"}, fired)
	assert.Equal(t, 1, mock.Pending())

	mock.Advance(79 * time.Second)
	assert.Len(t, fired, 2, "timer due at 90s should not fire at 89s")

	mock.Advance(time.Second)
	assert.Equal(t, []string{"first", "second", "escalate"}, fired)
	assert.Equal(t, start.Add(90*time.Second), mock.Now())
	assert.Equal(t, 0, mock.Pending())
}

func TestMockTimerStop(t *testing.T) {
	mock := NewMock(time.Now())

	called := false
	timer := mock.AfterFunc(time.Minute, func() { called = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop should report the timer as already stopped")

	mock.Advance(2 * time.Minute)
	assert.False(t, called)

	fired := mock.AfterFunc(time.Second, func() {})
	mock.Advance(time.Second)
	assert.False(t, fired.Stop(), "stopping a fired timer is a no-op")
}
