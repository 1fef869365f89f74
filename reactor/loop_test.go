package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/karolsteve/tcpserver/clock"
	"github.com/karolsteve/tcpserver/netlog"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := NewLoop(clock.System, netlog.Nop{})
	require.NoError(t, err)
	go func() {
		_ = l.Serve()
	}()
	t.Cleanup(func() {
		l.Quit()
		// give Serve a moment to observe the quit flag before closing fds.
		time.Sleep(20 * time.Millisecond)
		_ = l.Close()
	})
	// Let Serve claim the thread sentinel before tests post work.
	time.Sleep(5 * time.Millisecond)
	return l
}

func TestQueueRunsOnLoopThread(t *testing.T) {
	l := newTestLoop(t)

	done := make(chan int64, 1)
	l.Queue(func() {
		done <- goroutineID()
	})

	select {
	case gid := <-done:
		require.Equal(t, l.ownerGID.Load(), gid)
	case <-time.After(time.Second):
		t.Fatal("queued task never ran")
	}
}

func TestRunTaskInlineWhenOnLoopThread(t *testing.T) {
	l := newTestLoop(t)

	outer := make(chan bool, 1)
	l.Queue(func() {
		ran := false
		l.RunTask(func() { ran = true })
		outer <- ran
	})

	select {
	case ran := <-outer:
		require.True(t, ran, "RunTask should execute inline on the loop thread")
	case <-time.After(time.Second):
		t.Fatal("outer task never ran")
	}
}

func TestQuitStopsServe(t *testing.T) {
	l, err := NewLoop(clock.System, netlog.Nop{})
	require.NoError(t, err)

	doneCh := make(chan error, 1)
	go func() { doneCh <- l.Serve() }()
	time.Sleep(5 * time.Millisecond)

	l.Quit()

	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Quit")
	}
	require.NoError(t, l.Close())
}

func TestSecondConcurrentServeReturnsError(t *testing.T) {
	l, err := NewLoop(clock.System, netlog.Nop{})
	require.NoError(t, err)
	go func() { _ = l.Serve() }()
	time.Sleep(5 * time.Millisecond)
	defer func() {
		l.Quit()
		time.Sleep(10 * time.Millisecond)
		_ = l.Close()
	}()

	err = l.Serve()
	require.Error(t, err, "Serve should refuse to run twice concurrently on the same Loop")
}
