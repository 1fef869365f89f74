// Command echo-server runs a tcpserver.Server whose data callback writes
// back exactly what it received, for exercising the reactor end to end.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/karolsteve/tcpserver/netlog"
	"github.com/karolsteve/tcpserver/tcpserver"
)

func main() {
	defaults := tcpserver.DefaultConfig()

	port := pflag.Uint16P("port", "p", 9000, "TCP port to listen on.")
	name := pflag.StringP("name", "n", defaults.Name, "Server name, used as the connection-log prefix.")
	serverID := pflag.Int32P("server-id", "i", defaults.ServerID, "Opaque server identifier.")
	sndBuf := pflag.IntP("send-buffer-bytes", "s", defaults.SendBufferBytes, "SO_SNDBUF for listening and accepted sockets.")
	rcvBuf := pflag.IntP("recv-buffer-bytes", "r", defaults.RecvBufferBytes, "SO_RCVBUF for listening and accepted sockets.")
	keepAlive := pflag.BoolP("keep-alive", "k", defaults.KeepAlive, "Enable SO_KEEPALIVE on accepted sockets.")
	backlog := pflag.IntP("backlog", "b", defaults.ListenBacklog, "listen(2) backlog, capped at SOMAXCONN.")
	linger := pflag.Bool("linger", defaults.LingerOnClose, "Arm SO_LINGER{on:1,linger:0} on accepted sockets.")
	reuse := pflag.Bool("reuseport", defaults.ReusePort, "Bind with SO_REUSEPORT.")
	poolSize := pflag.IntP("pool-size", "w", defaults.PoolSize, "Worker loop count; 0 keeps everything on the base loop.")
	idleTimeout := pflag.IntP("idle-timeout-seconds", "t", defaults.DefaultIdleTimeoutSeconds, "Idle deadline before a connection is shut down.")
	verbose := pflag.BoolP("verbose", "v", false, "Debug-level logging.")

	pflag.Parse()

	log := netlog.NewLogrus(*name)
	if *verbose {
		netlog.SetLevel("debug")
	}

	cfg := tcpserver.Config{
		Name:                      *name,
		ListenPort:                *port,
		ServerID:                  *serverID,
		SendBufferBytes:           *sndBuf,
		RecvBufferBytes:           *rcvBuf,
		KeepAlive:                 *keepAlive,
		ListenBacklog:             *backlog,
		LingerOnClose:             *linger,
		ReusePort:                 *reuse,
		PoolSize:                  *poolSize,
		DefaultIdleTimeoutSeconds: *idleTimeout,
		OnStateChange: func(c *tcpserver.Connection) {
			log.Infof("connection %s (%s) is now %s", c.Name(), c.Peer(), c.State())
		},
		OnData: func(c *tcpserver.Connection, data []byte, _ int64) {
			c.WriteBuffer(append([]byte(nil), data...))
		},
	}

	srv, err := tcpserver.NewServer(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echo-server: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		srv.Stop()
	}()

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "echo-server: %v\n", err)
		os.Exit(1)
	}
}
