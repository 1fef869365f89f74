//go:build linux

package tcpserver

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/karolsteve/tcpserver/clock"
	"github.com/karolsteve/tcpserver/netlog"
	"github.com/karolsteve/tcpserver/reactor"
)

func TestAcceptorAcceptsAndConfiguresClientSocket(t *testing.T) {
	loop, err := reactor.NewLoop(clock.System, netlog.Nop{})
	require.NoError(t, err)
	go func() { _ = loop.Serve() }()
	defer func() {
		loop.Quit()
		time.Sleep(5 * time.Millisecond)
		loop.Close()
	}()

	cfg := DefaultConfig()
	cfg.ListenPort = 0

	accepted := make(chan PeerAddr, 1)
	sockOpts := make(chan [2]int, 1) // TCP_NODELAY, SO_KEEPALIVE
	var acc *Acceptor
	ready := make(chan struct{})
	loop.Queue(func() {
		var err error
		acc, err = NewAcceptor(loop, cfg, netlog.Nop{}, func(fd int, peer PeerAddr) {
			noDelay, _ := unix.GetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY)
			keepAlive, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE)
			sockOpts <- [2]int{noDelay, keepAlive}
			accepted <- peer
		})
		require.NoError(t, err)
		require.NoError(t, acc.Listen())
		close(ready)
	})
	<-ready
	defer acc.Close()

	port := acc.Port()
	require.NotZero(t, port)

	conn, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case peer := <-accepted:
		require.Equal(t, "127.0.0.1", peer.IP)
		require.NotZero(t, peer.Port)
		opts := <-sockOpts
		require.Equal(t, 1, opts[0], "TCP_NODELAY on accepted fd")
		require.Equal(t, 1, opts[1], "SO_KEEPALIVE on accepted fd (DefaultConfig.KeepAlive)")
	case <-time.After(time.Second):
		t.Fatal("acceptor never delivered an accepted connection")
	}
}
