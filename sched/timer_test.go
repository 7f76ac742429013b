package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerFires(t *testing.T) {
	fired := make(chan struct{})
	tm := After(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.True(t, tm.Fired())
	assert.False(t, tm.Cancel(), "cancel after fire reports false")
}

func TestTimerCancelPreventsCallback(t *testing.T) {
	var calls atomic.Int32
	tm := After(20*time.Millisecond, func() { calls.Add(1) })

	assert.True(t, tm.Cancel())
	assert.True(t, tm.Cancel(), "cancel is idempotent")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "cancelled callback must never run")
	assert.False(t, tm.Fired())
}

func TestTimerCancelRace(t *testing.T) {
	// Cancel racing the deadline: whichever wins, the callback runs at most
	// once and Cancel's return value agrees with it.
	for i := 0; i < 100; i++ {
		var calls atomic.Int32
		tm := After(time.Millisecond, func() { calls.Add(1) })
		time.Sleep(time.Duration(i%3) * time.Millisecond)

		prevented := tm.Cancel()
		time.Sleep(5 * time.Millisecond)

		if prevented {
			assert.Equal(t, int32(0), calls.Load())
		} else {
			assert.Equal(t, int32(1), calls.Load())
		}
	}
}
