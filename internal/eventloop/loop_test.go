package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAsyncQueueDeliversInOrder(t *testing.T) {
	loop := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	q := NewAsyncQueue[int](loop, "test-queue", Normal, 16, func(item int) {
		mu.Lock()
		got = append(got, item)
		n := len(got)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
	})

	go loop.Run(ctx)

	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoopStopsOnRequest(t *testing.T) {
	loop := New()
	ctx := context.Background()

	stopped := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(stopped)
	}()

	loop.Stop()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestPriorityOrderingIsStableAcrossRuns(t *testing.T) {
	loop := New()

	low := NewSource("low", Low, make(chan func(), 1))
	high := NewSource("high", High, make(chan func(), 1))
	loop.Register(low)
	loop.Register(high)

	srcs := loop.snapshot()
	require.Len(t, srcs, 2)
	require.Equal(t, "high", srcs[0].Name)
	require.Equal(t, "low", srcs[1].Name)
}

// TestRunOncePrefersHigherPriorityWhenBothReady exercises actual
// dispatch, not just snapshot ordering: with both a High and a Low
// source simultaneously ready, the High source's thunk must fire first.
func TestRunOncePrefersHigherPriorityWhenBothReady(t *testing.T) {
	loop := New()

	lowReady := make(chan func(), 1)
	highReady := make(chan func(), 1)
	low := NewSource("low", Low, lowReady)
	high := NewSource("high", High, highReady)
	loop.Register(low)
	loop.Register(high)

	var mu sync.Mutex
	var fired []string
	lowReady <- func() { mu.Lock(); fired = append(fired, "low"); mu.Unlock() }
	highReady <- func() { mu.Lock(); fired = append(fired, "high"); mu.Unlock() }

	ctx := context.Background()
	srcs := loop.snapshot()
	ordered := make([]selectCase, len(srcs))
	for i, s := range srcs {
		ordered[i] = selectCase{source: s}
	}

	require.True(t, loop.runOnce(ctx, ordered))
	require.True(t, loop.runOnce(ctx, ordered))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "low"}, fired)
}
