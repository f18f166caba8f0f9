package collector

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWorker struct {
	name     string
	interval time.Duration
	cycles   atomic.Int32
	panics   bool
}

func (w *countingWorker) Name() string            { return w.name }
func (w *countingWorker) Interval() time.Duration { return w.interval }

func (w *countingWorker) Cycle(context.Context) {
	w.cycles.Add(1)
	if w.panics {
		panic("reader exploded")
	}
}

func TestSchedulerStopsAllWorkersOnCancel(t *testing.T) {
	logger, _ := newTestLogger()
	fast := &countingWorker{name: "fast", interval: 5 * time.Millisecond}
	slow := &countingWorker{name: "slow", interval: time.Hour}
	s := NewScheduler(logger, fast, slow)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return fast.cycles.Load() >= 3 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return slow.cycles.Load() == 1 }, 2*time.Second, time.Millisecond, "first cycle runs immediately")
	assert.Equal(t, 2, s.Running())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, 0, s.Running())
}

func TestSchedulerIsolatesPanics(t *testing.T) {
	logger, buf := newTestLogger()
	bad := &countingWorker{name: "memory/bad", interval: 5 * time.Millisecond, panics: true}
	good := &countingWorker{name: "memory/good", interval: 5 * time.Millisecond}
	s := NewScheduler(logger, bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return bad.cycles.Load() >= 3 && good.cycles.Load() >= 3
	}, 2*time.Second, time.Millisecond, "panicking worker keeps its loop and siblings keep running")
	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, buf.String(), "worker cycle panicked")
	assert.Contains(t, buf.String(), "memory/bad")
}
