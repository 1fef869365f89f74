//go:build linux

package reactor

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/karolsteve/tcpserver/netlog"
)

// waker is the cross-thread wakeup primitive from spec.md §4.4: an
// eventfd that becomes readable when any thread calls wakeup, and whose
// readable channel drains the accumulated count on every dispatch.
type waker struct {
	fd      int
	channel *Channel
	log     netlog.Logger
}

func newWaker(loop *Loop, log netlog.Logger) (*waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "reactor: eventfd")
	}
	w := &waker{fd: fd, log: log}
	w.channel = NewChannel(loop, fd)
	w.channel.OnRead = func(int64) { w.drain() }
	w.channel.EnableReading()
	return w, nil
}

// wakeup writes an 8-byte value to the eventfd, unblocking a concurrent
// epoll_wait. Safe to call from any goroutine.
func (w *waker) wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	n, err := unix.Write(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		w.log.Warnf("reactor: waker write: %v (ignored)", err)
		return
	}
	if err == nil && n != 8 {
		w.log.Warnf("reactor: waker short write %d/8 (ignored)", n)
	}
}

func (w *waker) drain() {
	var buf [8]byte
	n, err := unix.Read(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		w.log.Warnf("reactor: waker read: %v (ignored)", err)
		return
	}
	if err == nil && n != 8 {
		w.log.Warnf("reactor: waker short read %d/8 (ignored)", n)
	}
}

func (w *waker) close() error {
	w.channel.DisableAll()
	w.channel.Remove()
	return unix.Close(w.fd)
}
