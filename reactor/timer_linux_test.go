//go:build linux

package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTimerFiringOrderAscending covers spec.md §8's timer-fairness
// scenario at reduced scale: timers with distinct delays fire in
// ascending order of their requested delay, within a loose skew bound that tolerates the 1000ms arming floor for the very first
// timer and goroutine scheduling jitter thereafter.
func TestTimerFiringOrderAscending(t *testing.T) {
	l := newTestLoop(t)

	const n = 20
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(n)

	now := l.Clock().NowMillis()
	for i := 1; i <= n; i++ {
		i := i
		l.RunAt(now+int64(i), func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	waitWithTimeout(t, &wg, 3*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i := 1; i < len(order); i++ {
		require.LessOrEqual(t, order[i-1], order[i], "timers must fire in non-decreasing delay order")
	}
}

func TestTimerCancelBeforeFire(t *testing.T) {
	l := newTestLoop(t)

	fired := make(chan struct{}, 1)
	id := l.RunAfter(30, func() { fired <- struct{}{} })
	l.CancelTimer(id)

	select {
	case <-fired:
		t.Fatal("cancelled timer must never fire")
	case <-time.After(300 * time.Millisecond):
		// expected: no fire observed
	}
}

func TestRunEveryRepeats(t *testing.T) {
	l := newTestLoop(t)

	count := make(chan struct{}, 10)
	id := l.RunEvery(20, func() {
		select {
		case count <- struct{}{}:
		default:
		}
	})
	defer l.CancelTimer(id)

	// Every re-arm is subject to the 1000ms arming floor, so three
	// repeats take about three seconds.
	seen := 0
	deadline := time.After(5 * time.Second)
	for seen < 3 {
		select {
		case <-count:
			seen++
		case <-deadline:
			t.Fatalf("RunEvery only fired %d times in 5s", seen)
		}
	}
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for timers")
	}
}
