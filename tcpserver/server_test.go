//go:build linux

package tcpserver

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/karolsteve/tcpserver/netlog"
)

func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv, err := NewServer(cfg, netlog.Nop{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Start()
	}()
	t.Cleanup(func() {
		srv.Stop()
		<-done
	})

	waitFor(t, time.Second, func() bool { return srv.ListenPort() != 0 })
	return srv
}

func TestServerEchoesAcrossLoopback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenPort = 0
	cfg.PoolSize = 2
	cfg.DefaultIdleTimeoutSeconds = 30
	cfg.OnData = func(c *Connection, data []byte, _ int64) {
		c.WriteBuffer(append([]byte(nil), data...))
	}

	srv := startTestServer(t, cfg)

	conn, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.ListenPort())))
	require.NoError(t, err)
	defer conn.Close()

	payload := make([]byte, 10*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = conn.Write(payload)
	require.NoError(t, err)

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(got) < len(payload) {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, payload, got)
}

func TestServerGracefulShutdownHalfClosesWriter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenPort = 0
	cfg.PoolSize = 0
	cfg.DefaultIdleTimeoutSeconds = 30

	var established *Connection
	ready := make(chan struct{}, 1)
	cfg.OnStateChange = func(c *Connection) {
		if c.State() == StateConnected {
			established = c
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	}

	srv := startTestServer(t, cfg)

	conn, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.ListenPort())))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("connection never established")
	}

	established.Shutdown()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.Equal(t, 0, n)
	require.Error(t, err) // EOF: peer half-closed its write side
}

