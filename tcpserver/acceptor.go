package tcpserver

import (
	"fmt"
	"net"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/karolsteve/tcpserver/netlog"
	"github.com/karolsteve/tcpserver/reactor"
)

// Acceptor owns a listening IPv4 socket and turns its readability into a
// stream of accepted client fds handed to a single sink callback
// (spec.md §4.5).
type Acceptor struct {
	loop    *reactor.Loop
	channel *reactor.Channel
	fd      int
	cfg     Config
	log     netlog.Logger

	onAccepted func(fd int, peer PeerAddr)
}

// NewAcceptor opens, configures, and binds a listening socket on
// cfg.ListenPort but does not yet arm it for reading; call Listen to
// start accepting.
func NewAcceptor(loop *reactor.Loop, cfg Config, log netlog.Logger, onAccepted func(fd int, peer PeerAddr)) (*Acceptor, error) {
	fd, err := openListenSocket(cfg)
	if err != nil {
		return nil, err
	}
	a := &Acceptor{
		loop:       loop,
		fd:         fd,
		cfg:        cfg,
		log:        log,
		onAccepted: onAccepted,
	}
	a.channel = reactor.NewChannel(loop, fd)
	a.channel.OnRead = a.handleRead
	return a, nil
}

// Port returns the bound listening port, resolving the actual kernel-
// assigned port when the configured ListenPort was 0.
func (a *Acceptor) Port() int {
	sa, err := unix.Getsockname(a.fd)
	if err != nil {
		return int(a.cfg.ListenPort)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port
	}
	return int(a.cfg.ListenPort)
}

// openListenSocket builds the listening socket per spec.md §4.5:
// REUSEADDR, NODELAY, SNDBUF, RCVBUF, non-blocking mode, bound to
// INADDR_ANY:cfg.ListenPort. When cfg.ReusePort is set, SO_REUSEPORT is
// layered on via the reuseport library's own listen path instead of a
// raw setsockopt, since it additionally handles the platform-specific
// BSD/Linux option-number differences the pack takes for granted.
func openListenSocket(cfg Config) (int, error) {
	if cfg.ReusePort {
		return openReuseportListenSocket(cfg)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "tcpserver: socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "tcpserver: setsockopt SO_REUSEADDR")
	}

	addr := &unix.SockaddrInet4{Port: int(cfg.ListenPort)}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "tcpserver: bind")
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "tcpserver: set nonblocking")
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "tcpserver: setsockopt TCP_NODELAY")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBufferBytes); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "tcpserver: setsockopt SO_SNDBUF")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RecvBufferBytes); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "tcpserver: setsockopt SO_RCVBUF")
	}

	return fd, nil
}

func openReuseportListenSocket(cfg Config) (int, error) {
	ln, err := reuseport.Listen("tcp4", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		return -1, errors.Wrap(err, "tcpserver: reuseport listen")
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return -1, errors.Errorf("tcpserver: reuseport listener is %T, not *net.TCPListener", ln)
	}
	f, err := tcpLn.File()
	tcpLn.Close()
	if err != nil {
		return -1, errors.Wrap(err, "tcpserver: extract fd from reuseport listener")
	}
	// f closes its descriptor when closed or garbage-collected, so the
	// Acceptor owns a private duplicate instead.
	fd, err := unix.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return -1, errors.Wrap(err, "tcpserver: dup reuseport listener fd")
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "tcpserver: set nonblocking")
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "tcpserver: setsockopt TCP_NODELAY")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBufferBytes); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "tcpserver: setsockopt SO_SNDBUF")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RecvBufferBytes); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "tcpserver: setsockopt SO_RCVBUF")
	}
	return fd, nil
}

// Listen arms the acceptor's channel for reading and calls listen(2)
// with the configured backlog, capped at the kernel's SOMAXCONN. Only
// callable on the owning loop's thread.
func (a *Acceptor) Listen() error {
	a.channel.EnableReading()
	backlog := a.cfg.ListenBacklog
	if backlog > unix.SOMAXCONN {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(a.fd, backlog); err != nil {
		return errors.Wrap(err, "tcpserver: listen")
	}
	return nil
}

// handleRead accepts in a loop until EWOULDBLOCK, configuring and
// handing off each accepted fd; a single bad accept is logged and does
// not stop the loop.
func (a *Acceptor) handleRead(int64) {
	for {
		nfd, sa, err := unix.Accept(a.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			a.log.Warnf("tcpserver: accept: %v (continuing)", err)
			continue
		}

		if err := unix.SetNonblock(nfd, true); err != nil {
			a.log.Warnf("tcpserver: set nonblocking on accepted fd: %v", err)
		}
		if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			a.log.Warnf("tcpserver: set TCP_NODELAY on accepted fd: %v", err)
		}
		keepAlive := 0
		if a.cfg.KeepAlive {
			keepAlive = 1
		}
		if err := unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, keepAlive); err != nil {
			a.log.Warnf("tcpserver: set SO_KEEPALIVE on accepted fd: %v", err)
		}
		if a.cfg.LingerOnClose {
			linger := unix.Linger{Onoff: 1, Linger: 0}
			if err := unix.SetsockoptLinger(nfd, unix.SOL_SOCKET, unix.SO_LINGER, &linger); err != nil {
				a.log.Warnf("tcpserver: set SO_LINGER on accepted fd: %v", err)
			}
		}

		peer := peerAddrOf(sa)
		a.log.Debugf("tcpserver: accepted fd=%d from %s", nfd, peer)
		a.onAccepted(nfd, peer)
	}
}

func peerAddrOf(sa unix.Sockaddr) PeerAddr {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return PeerAddr{IP: net.IP(addr.Addr[:]).String(), Port: addr.Port}
	case *unix.SockaddrInet6:
		return PeerAddr{IP: net.IP(addr.Addr[:]).String(), Port: addr.Port}
	default:
		return PeerAddr{}
	}
}

// Close closes the listening socket.
func (a *Acceptor) Close() error {
	return unix.Close(a.fd)
}
