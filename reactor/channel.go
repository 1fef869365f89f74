package reactor

// Interest is a bitset over the readiness flags a Channel can register
// and that a completed wait can report back.
type Interest uint32

const (
	Read          Interest = 1 << iota // EPOLLIN
	Write                              // EPOLLOUT
	Priority                           // EPOLLPRI, out-of-band data
	HangupRead                         // EPOLLRDHUP, peer half-closed its write side
	ErrorObserved                      // EPOLLERR; always reported by the kernel, tracked for symmetry
	Hangup                             // EPOLLHUP; always reported by the kernel
)

func (i Interest) has(bit Interest) bool { return i&bit != 0 }

// mark is the channel's registration state in the demultiplexer, per
// spec.md §3's Channel lifecycle.
type mark int

const (
	markNew mark = iota
	markAdded
	markDeleted
)

// Channel binds a file descriptor to an interest mask and the four
// readiness callbacks plus the optional periodic hook. A Channel never
// closes its own fd: ownership of the fd lifetime belongs to whoever
// constructed the Channel (Acceptor, Connection, Waker, timer wheel).
type Channel struct {
	loop *Loop
	fd   int

	interest    Interest
	lastRevents Interest
	mark        mark
	isPeriodic  bool

	OnRead     func(receiveTimeMillis int64)
	OnWrite    func()
	OnClose    func()
	OnError    func()
	OnPeriodic func(nowMillis int64)
}

// NewChannel creates a channel bound to fd on loop, initially with no
// interest registered (mark NEW).
func NewChannel(loop *Loop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, mark: markNew}
}

// Fd returns the bound file descriptor.
func (c *Channel) Fd() int { return c.fd }

// SetPeriodic marks this channel as a periodic observer: once
// registered (mark != NEW) it is also tracked in the demultiplexer's
// periodic-observer map and visited by CheckPeriodicObservers.
func (c *Channel) SetPeriodic(p bool) { c.isPeriodic = p }

// IsPeriodic reports whether this channel participates in periodic
// observer dispatch.
func (c *Channel) IsPeriodic() bool { return c.isPeriodic }

func (c *Channel) setLastRevents(r Interest) { c.lastRevents = r }

// Interest returns the channel's currently requested interest set.
func (c *Channel) Interest() Interest { return c.interest }

// EnableReading adds Read|Priority|HangupRead to the interest set and
// synchronously pushes the change to the owning loop's demultiplexer.
// A no-op (no demultiplexer call) if the bits were already set, so a
// DELETED channel is only re-armed by an actual interest change.
func (c *Channel) EnableReading() {
	c.setInterest(c.interest | Read | Priority | HangupRead)
}

// DisableReading removes the read-family bits.
func (c *Channel) DisableReading() {
	c.setInterest(c.interest &^ (Read | Priority | HangupRead))
}

// EnableWriting adds Write to the interest set.
func (c *Channel) EnableWriting() {
	c.setInterest(c.interest | Write)
}

// DisableWriting removes Write from the interest set.
func (c *Channel) DisableWriting() {
	c.setInterest(c.interest &^ Write)
}

// DisableAll clears every interest bit, transitioning the channel to
// DELETED on its next update.
func (c *Channel) DisableAll() {
	c.setInterest(0)
}

func (c *Channel) setInterest(newInterest Interest) {
	if newInterest == c.interest {
		return
	}
	c.interest = newInterest
	c.update()
}

// IsWriting reports whether Write is currently requested.
func (c *Channel) IsWriting() bool { return c.interest.has(Write) }

// IsNoneRegistered reports whether the channel currently has no
// interest registered at all (DELETED or never-added).
func (c *Channel) IsNoneRegistered() bool { return c.interest == 0 }

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// Remove asks the owning loop to deregister this channel entirely.
// Legal only once the channel carries no interest (mark NEW or
// DELETED), matching spec.md §3's destruction invariant.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

// Dispatch implements spec.md §4.1's readiness-dispatch algorithm using
// the revents captured by the demultiplexer's last wait.
func (c *Channel) Dispatch(receiveTimeMillis int64) {
	revents := c.lastRevents

	if revents.has(HangupRead) && !revents.has(Read) {
		if c.OnClose != nil {
			c.OnClose()
		}
	}
	if revents.has(ErrorObserved) {
		if c.OnError != nil {
			c.OnError()
		}
	}
	if revents.has(Read) || revents.has(Priority) || revents.has(HangupRead) {
		if c.OnRead != nil {
			c.OnRead(receiveTimeMillis)
		}
	}
	if revents.has(Write) {
		if c.OnWrite != nil {
			c.OnWrite()
		}
	}
}
