package tcpserver

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/karolsteve/tcpserver/netlog"
	"github.com/karolsteve/tcpserver/reactor"
	"github.com/karolsteve/tcpserver/streambuf"
)

// State is a Connection's position in the CONNECTING -> CONNECTED ->
// DISCONNECTING -> DISCONNECTED state machine (spec.md §4.6).
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerAddr is the remote endpoint an accepted Connection was opened
// from.
type PeerAddr struct {
	IP   string
	Port int
}

func (p PeerAddr) String() string { return fmt.Sprintf("%s:%d", p.IP, p.Port) }

const defaultIdleTimeoutSeconds = 15

// Connection wraps one accepted, non-blocking socket and its channel,
// state machine, and outbound byte stream (spec.md §4.6). All state
// transitions and I/O happen on the owning Loop's own goroutine; the
// handful of methods meant for other goroutines to call (WriteBuffer,
// Shutdown, Context/SetContext) repost through the loop where a
// happens-before edge matters.
type Connection struct {
	loop *reactor.Loop
	fd   int
	peer PeerAddr
	id   int64
	name string

	channel *reactor.Channel
	out     streambuf.ByteStream
	closed  bool // guards handleClose against re-entrant dispatch within one iteration

	state              atomic.Int32
	lastEventMillis    atomic.Int64
	idleTimeoutSeconds int
	periodicEvt        *reactor.PeriodicEvent

	ctxMu sync.RWMutex
	ctx   interface{}

	onStateChange   func(*Connection)
	onData          func(*Connection, []byte, int64)
	onWriteComplete func(*Connection)
	closeSink       func(*Connection, CloseReason)

	log netlog.Logger
}

func newConnection(loop *reactor.Loop, fd int, peer PeerAddr, id int64, serverName string, log netlog.Logger) *Connection {
	c := &Connection{
		loop:               loop,
		fd:                 fd,
		peer:               peer,
		id:                 id,
		name:               fmt.Sprintf("%s-%d", serverName, id),
		idleTimeoutSeconds: defaultIdleTimeoutSeconds,
		log:                log,
	}
	c.state.Store(int32(StateConnecting))
	c.lastEventMillis.Store(loop.Clock().NowMillis())

	c.channel = reactor.NewChannel(loop, fd)
	c.channel.SetPeriodic(true)
	c.channel.OnRead = c.handleRead
	c.channel.OnWrite = c.handleWrite
	c.channel.OnClose = func() { c.handleClose(ReasonPeerClose) }
	c.channel.OnError = func() { c.handleErrorFromSockopt() }
	c.channel.OnPeriodic = c.checkIdle
	return c
}

// ID returns the connection's server-assigned monotonic identifier.
func (c *Connection) ID() int64 { return c.id }

// Name returns the "<server-name>-<id>" label used in logs.
func (c *Connection) Name() string { return c.name }

// Peer returns the remote address this connection was accepted from.
func (c *Connection) Peer() PeerAddr { return c.peer }

// State returns the connection's current state. Safe from any
// goroutine; the underlying value only ever advances forward.
func (c *Connection) State() State { return State(c.state.Load()) }

// Context returns the opaque value last set with SetContext, or nil.
func (c *Connection) Context() interface{} {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()
	return c.ctx
}

// SetContext attaches an opaque embedder-owned value to the connection.
func (c *Connection) SetContext(v interface{}) {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	c.ctx = v
}

func (c *Connection) setCallbacks(onStateChange func(*Connection), onData func(*Connection, []byte, int64), onWriteComplete func(*Connection), closeSink func(*Connection, CloseReason)) {
	c.onStateChange = onStateChange
	c.onData = onData
	c.onWriteComplete = onWriteComplete
	c.closeSink = closeSink
}

// SetIdleTimeoutSeconds overrides the default 15s idle deadline. Only
// callable on the owning loop's thread (call it from the on-state-change
// callback fired at Established, for example).
func (c *Connection) SetIdleTimeoutSeconds(sec int) {
	c.idleTimeoutSeconds = sec
}

// Established transitions CONNECTING -> CONNECTED, enables read
// interest, stamps the idle clock, fires the state-change callback, and
// arms both idle-check mechanisms: the channel's periodic-observer hook
// and a self-re-arming periodic-list entry (spec.md §9 keeps both
// mechanisms alive rather than merging them).
func (c *Connection) Established() {
	c.loop.RunTask(func() {
		if State(c.state.Load()) != StateConnecting {
			panic(errors.Errorf("tcpserver: Established called in state %v", c.State()))
		}
		c.state.Store(int32(StateConnected))
		c.lastEventMillis.Store(c.loop.Clock().NowMillis())
		c.channel.EnableReading()
		if c.onStateChange != nil {
			c.onStateChange(c)
		}
		c.armPeriodicListCheck()
	})
}

func (c *Connection) armPeriodicListCheck() {
	c.periodicEvt = c.loop.ScheduleEvent(1000, c.periodicListTick, c)
}

func (c *Connection) periodicListTick(nowMillis int64) {
	c.checkIdle(nowMillis)
	if State(c.state.Load()) == StateConnected || State(c.state.Load()) == StateDisconnecting {
		c.armPeriodicListCheck()
	}
}

// checkIdle is invoked from both the periodic-observer hook (driven by
// the demultiplexer's checkPeriodicObservers) and the periodic-list
// tick above. Idle beyond the configured deadline triggers a graceful
// shutdown; idle beyond an additional 10s grace period forces a brute
// close.
func (c *Connection) checkIdle(nowMillis int64) {
	st := State(c.state.Load())
	if st != StateConnected && st != StateDisconnecting {
		return
	}
	idleMillis := nowMillis - c.lastEventMillis.Load()
	limitMillis := int64(c.idleTimeoutSeconds) * 1000
	if idleMillis <= limitMillis {
		return
	}
	if idleMillis > limitMillis+10000 {
		c.handleClose(ReasonBrute)
		return
	}
	if st == StateConnected {
		c.shutdownLocked()
	}
}

// Shutdown requires CONNECTED, moves to DISCONNECTING, and either shuts
// the write half immediately (if nothing is still queued to send) or
// defers it until the outbound stream drains.
func (c *Connection) Shutdown() {
	c.loop.RunTask(func() {
		if State(c.state.Load()) != StateConnected {
			c.log.Warnf("tcpserver: %s: Shutdown: %v (state %v)", c.name, ErrWrongState, c.State())
			return
		}
		c.shutdownLocked()
	})
}

func (c *Connection) shutdownLocked() {
	c.state.Store(int32(StateDisconnecting))
	if !c.out.HasData() {
		if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
			c.log.Warnf("tcpserver: %s: shutdown write half: %v", c.name, err)
		}
	}
}

// WriteBuffer appends data to the outbound byte stream and enables
// write interest if it wasn't already. Posts through the loop so the
// append and the interest change always happen on the owning thread.
func (c *Connection) WriteBuffer(data []byte) {
	c.loop.RunTask(func() {
		if State(c.state.Load()) != StateConnected {
			c.log.Warnf("tcpserver: %s: WriteBuffer: %v (state %v)", c.name, ErrWrongState, c.State())
			return
		}
		c.out.Append(data)
		if c.out.HasData() && !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	})
}

// handleRead drains the socket until EAGAIN or EOF, edge-triggered
// readiness requires reading to exhaustion on every wakeup.
func (c *Connection) handleRead(receiveTimeMillis int64) {
	if errno := c.sockError(); errno != nil {
		c.dispatchErrno(errno)
		return
	}

	scratch := c.loop.Scratch()
	for {
		scratch.Rewind()
		n, err := unix.Read(c.fd, scratch.Raw())
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			c.dispatchErrno(err)
			return
		}
		if n == 0 {
			c.handleClose(ReasonPeerClose)
			return
		}
		c.lastEventMillis.Store(receiveTimeMillis)
		scratch.SetLimit(n)
		if c.onData != nil {
			c.onData(c, scratch.Bytes(), receiveTimeMillis)
		}
	}
}

// handleWrite drains as much of the outbound stream as the kernel will
// currently accept, re-arming write interest only while data remains.
func (c *Connection) handleWrite() {
	if errno := c.sockError(); errno != nil {
		c.dispatchErrno(errno)
		return
	}

	scratch := c.loop.Scratch()
	for c.out.HasData() {
		scratch.Clear()
		n := c.out.Get(scratch.Raw())
		if n == 0 {
			break
		}
		wrote, err := unix.Write(c.fd, scratch.Raw()[:n])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			c.dispatchErrno(err)
			return
		}
		c.out.Discard(wrote)
		if wrote < n {
			break
		}
	}

	if c.out.HasData() {
		return
	}
	c.channel.DisableWriting()
	if c.onWriteComplete != nil {
		cb := c.onWriteComplete
		c.loop.Queue(func() { cb(c) })
	}
	if State(c.state.Load()) == StateDisconnecting {
		if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
			c.log.Warnf("tcpserver: %s: deferred shutdown write half: %v", c.name, err)
		}
	}
}

func (c *Connection) sockError() error {
	v, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v == 0 {
		return nil
	}
	return unix.Errno(v)
}

func (c *Connection) handleErrorFromSockopt() {
	if errno := c.sockError(); errno != nil {
		c.dispatchErrno(errno)
	}
}

func (c *Connection) dispatchErrno(errno error) {
	reason, handled := classifyErrno(errno)
	if !handled {
		c.log.Warnf("tcpserver: %s: unhandled socket error: %v", c.name, errno)
		return
	}
	c.handleClose(reason)
}

func classifyErrno(err error) (CloseReason, bool) {
	switch {
	case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EHOSTUNREACH),
		errors.Is(err, unix.ENETUNREACH), errors.Is(err, unix.EPROTO),
		errors.Is(err, unix.ESHUTDOWN), errors.Is(err, unix.ECONNABORTED):
		return ReasonRemoteError, true
	case errors.Is(err, unix.ETIMEDOUT):
		return ReasonTimeout, true
	case errors.Is(err, unix.EPIPE):
		return ReasonBrokenPipe, true
	default:
		return 0, false
	}
}

// handleClose disables all interest and invokes the server's close sink
// exactly once; idempotent against the same dispatch invoking it twice
// (e.g. hangup and a socket error observed in the same readiness batch).
func (c *Connection) handleClose(reason CloseReason) {
	if c.closed {
		return
	}
	st := State(c.state.Load())
	if st != StateConnected && st != StateDisconnecting {
		panic(errors.Errorf("tcpserver: handleClose called in state %v", st))
	}
	c.closed = true
	c.channel.DisableAll()
	if c.closeSink != nil {
		c.closeSink(c, reason)
	}
}

// Destroyed transitions to DISCONNECTED, disables all channel interest,
// fires the final state-change callback, then deregisters the channel,
// cancels the periodic-list entry, and closes the fd (spec.md §7: the
// callback runs while the connection is merely flagged DISCONNECTED,
// before the channel and fd underneath it are torn down, so a handler
// that still touches the connection sees consistent state). Permitted
// from CONNECTED or DISCONNECTING: a connection that errors out before
// an application ever calls Shutdown is destroyed straight from
// CONNECTED.
func (c *Connection) Destroyed() {
	c.loop.RunTask(func() {
		st := State(c.state.Load())
		if st != StateConnected && st != StateDisconnecting {
			panic(errors.Errorf("tcpserver: Destroyed called in state %v", st))
		}
		c.state.Store(int32(StateDisconnected))
		c.channel.DisableAll()
		if c.onStateChange != nil {
			c.onStateChange(c)
		}
		c.channel.Remove()
		if c.periodicEvt != nil {
			c.loop.RemoveEvent(c.periodicEvt)
			c.periodicEvt = nil
		}
		if err := unix.Close(c.fd); err != nil {
			c.log.Warnf("tcpserver: %s: close fd: %v", c.name, err)
		}
	})
}
