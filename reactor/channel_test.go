//go:build linux

package reactor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestChannelReadDispatchOnPipe(t *testing.T) {
	l := newTestLoop(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, unix.SetNonblock(int(r.Fd()), true))

	got := make(chan string, 1)
	var ch *Channel
	ready := make(chan struct{})
	l.Queue(func() {
		ch = NewChannel(l, int(r.Fd()))
		ch.OnRead = func(int64) {
			buf := make([]byte, 64)
			n, _ := unix.Read(ch.Fd(), buf)
			got <- string(buf[:n])
		}
		ch.EnableReading()
		close(ready)
	})
	<-ready

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case s := <-got:
		require.Equal(t, "hello", s)
	case <-time.After(time.Second):
		t.Fatal("read callback never fired")
	}

	l.Queue(func() {
		ch.DisableAll()
		ch.Remove()
	})
	time.Sleep(10 * time.Millisecond)
	r.Close()
}

func TestChannelMarkLifecycle(t *testing.T) {
	l := newTestLoop(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	require.NoError(t, unix.SetNonblock(int(r.Fd()), true))

	done := make(chan struct{})
	l.Queue(func() {
		ch := NewChannel(l, int(r.Fd()))
		require.Equal(t, markNew, ch.mark)

		ch.EnableReading()
		require.Equal(t, markAdded, ch.mark)

		ch.DisableAll()
		require.Equal(t, markDeleted, ch.mark)

		// Re-arming a deleted channel is legal and returns it to ADDED.
		ch.EnableReading()
		require.Equal(t, markAdded, ch.mark)

		ch.DisableAll()
		require.Equal(t, markDeleted, ch.mark)
		ch.Remove() // legal only in NEW/DELETED
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mark lifecycle check never completed")
	}
}
