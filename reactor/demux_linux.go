//go:build linux

package reactor

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/karolsteve/tcpserver/clock"
	"github.com/karolsteve/tcpserver/netlog"
)

const (
	initialEventBufSize = 16
	maxEventBufSize      = 4096
)

// demultiplexer owns the epoll instance, the fd->channel registry, and
// the subset of channels marked periodic. It never closes a channel's
// fd; it only tracks interest and delivers readiness.
type demultiplexer struct {
	epfd int

	channels map[int]*Channel
	periodic map[int]*Channel

	events []unix.EpollEvent

	clock clock.Clock
	log   netlog.Logger
}

func newDemultiplexer(clk clock.Clock, log netlog.Logger) (*demultiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "reactor: epoll_create1")
	}
	return &demultiplexer{
		epfd:     epfd,
		channels: make(map[int]*Channel),
		periodic: make(map[int]*Channel),
		events:   make([]unix.EpollEvent, initialEventBufSize),
		clock:    clk,
		log:      log,
	}, nil
}

func (d *demultiplexer) close() error {
	return unix.Close(d.epfd)
}

func toEpollEvents(i Interest) uint32 {
	var e uint32
	if i.has(Read) {
		e |= unix.EPOLLIN
	}
	if i.has(Write) {
		e |= unix.EPOLLOUT
	}
	if i.has(Priority) {
		e |= unix.EPOLLPRI
	}
	if i.has(HangupRead) {
		e |= unix.EPOLLRDHUP
	}
	return e | unix.EPOLLET
}

func fromEpollEvents(e uint32) Interest {
	var i Interest
	if e&unix.EPOLLIN != 0 {
		i |= Read
	}
	if e&unix.EPOLLOUT != 0 {
		i |= Write
	}
	if e&unix.EPOLLPRI != 0 {
		i |= Priority
	}
	if e&unix.EPOLLRDHUP != 0 {
		i |= HangupRead
	}
	if e&unix.EPOLLERR != 0 {
		i |= ErrorObserved
	}
	if e&unix.EPOLLHUP != 0 {
		i |= Hangup
	}
	return i
}

// updateInterest implements spec.md §4.1's interest-update algorithm.
func (d *demultiplexer) updateInterest(c *Channel) error {
	switch c.mark {
	case markNew:
		if _, exists := d.channels[c.fd]; exists {
			return errors.Errorf("reactor: fd %d already registered", c.fd)
		}
		d.channels[c.fd] = c
		if c.isPeriodic {
			d.periodic[c.fd] = c
		}
		c.mark = markAdded
		return d.ctlAdd(c)

	case markDeleted:
		c.mark = markAdded
		return d.ctlAdd(c)

	case markAdded:
		if c.interest == 0 {
			c.mark = markDeleted
			return d.ctlDel(c)
		}
		return d.ctlMod(c)
	}
	return nil
}

func (d *demultiplexer) ctlAdd(c *Channel) error {
	ev := unix.EpollEvent{Events: toEpollEvents(c.interest), Fd: int32(c.fd)}
	err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, c.fd, &ev)
	if err == unix.EEXIST {
		return d.ctlMod(c)
	}
	if err != nil {
		return errors.Wrapf(err, "reactor: epoll_ctl ADD fd=%d", c.fd)
	}
	return nil
}

func (d *demultiplexer) ctlMod(c *Channel) error {
	ev := unix.EpollEvent{Events: toEpollEvents(c.interest), Fd: int32(c.fd)}
	err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, c.fd, &ev)
	if err == unix.ENOENT {
		return d.ctlAdd(c)
	}
	if err != nil {
		return errors.Wrapf(err, "reactor: epoll_ctl MOD fd=%d", c.fd)
	}
	return nil
}

func (d *demultiplexer) ctlDel(c *Channel) error {
	err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	if err != nil {
		d.log.Warnf("reactor: epoll_ctl DEL fd=%d: %v (ignored)", c.fd, err)
	}
	return nil
}

// remove deregisters c entirely; legal only when c.mark is NEW or
// DELETED (spec.md §3's destruction invariant, enforced by the caller).
func (d *demultiplexer) remove(c *Channel) {
	delete(d.channels, c.fd)
	delete(d.periodic, c.fd)
}

// wait blocks for up to timeoutMillis, truncates out and appends the
// ready channels to it (reusing its backing array), and returns the
// count of ready events, the refilled slice, and the monotonic
// timestamp the wait returned at.
func (d *demultiplexer) wait(timeoutMillis int, out []*Channel) (int, []*Channel, int64) {
	n, err := unix.EpollWait(d.epfd, d.events, timeoutMillis)
	now := d.clock.NowMillis()
	if err != nil {
		if err == unix.EINTR {
			return 0, out[:0], now
		}
		d.log.Errorf("reactor: epoll_wait: %v", err)
		return 0, out[:0], now
	}

	out = out[:0]
	for i := 0; i < n; i++ {
		ev := d.events[i]
		c, ok := d.channels[int(ev.Fd)]
		if !ok {
			continue
		}
		c.setLastRevents(fromEpollEvents(ev.Events))
		out = append(out, c)
	}

	if n == len(d.events) && len(d.events) < maxEventBufSize {
		newSize := len(d.events) * 2
		if newSize > maxEventBufSize {
			newSize = maxEventBufSize
		}
		d.events = make([]unix.EpollEvent, newSize)
	}

	return n, out, now
}

// checkPeriodicObservers invokes OnPeriodic on every channel currently
// tracked as a periodic observer (spec.md §4.2 step 5).
func (d *demultiplexer) checkPeriodicObservers(nowMillis int64) {
	for _, c := range d.periodic {
		if c.OnPeriodic != nil {
			c.OnPeriodic(nowMillis)
		}
	}
}
