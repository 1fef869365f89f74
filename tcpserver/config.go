package tcpserver

import "runtime"

// Config gathers every tunable spec.md §4.5/§4.8 exposes for the
// acceptor, the connection pool, and per-connection socket options.
type Config struct {
	// Name tags every connection's log label ("<Name>-<id>") and, when
	// NewServer is given a nil logger, the component field on the
	// server's own log lines.
	Name string

	// ListenPort is the IPv4 port to bind and listen on.
	ListenPort uint16

	// ServerID is an opaque identifier the embedder can use to tell
	// multiple Server instances apart in logs/metrics.
	ServerID int32

	// SendBufferBytes and RecvBufferBytes set SO_SNDBUF/SO_RCVBUF on
	// both the listening socket and every accepted connection.
	SendBufferBytes int
	RecvBufferBytes int

	// KeepAlive enables SO_KEEPALIVE on accepted connections.
	KeepAlive bool

	// ListenBacklog is the backlog argument to listen(2).
	ListenBacklog int

	// LingerOnClose arms SO_LINGER{on:1,linger:0} on accepted
	// connections, so a later close() resets rather than lingers
	// (spec.md §9's opt-in, off by default).
	LingerOnClose bool

	// ReusePort enables SO_REUSEPORT on the listening socket, letting
	// multiple processes share the port.
	ReusePort bool

	// PoolSize is the number of worker loops connections are dealt
	// across round-robin; 0 keeps everything on the base loop.
	PoolSize int

	// DefaultIdleTimeoutSeconds seeds every new Connection's idle
	// deadline; 0 falls back to 15s.
	DefaultIdleTimeoutSeconds int

	// OnStateChange, OnData, and OnWriteComplete are the embedder's
	// connection-lifecycle callbacks (spec.md §4.6). OnData receives the
	// bytes valid only for the duration of the call: copy if retaining
	// past the callback's return.
	OnStateChange   func(*Connection)
	OnData          func(*Connection, []byte, int64)
	OnWriteComplete func(*Connection)
}

// DefaultConfig returns a Config with every field set to the value a
// caller would reach for first: pool sized to the host's CPU count, a
// generous listen backlog, keep-alive on, linger and reuseport off.
func DefaultConfig() Config {
	return Config{
		Name:                      "tcpserver",
		ServerID:                  1,
		SendBufferBytes:           64 * 1024,
		RecvBufferBytes:           64 * 1024,
		KeepAlive:                 true,
		ListenBacklog:             1024,
		LingerOnClose:             false,
		ReusePort:                 false,
		PoolSize:                  runtime.NumCPU(),
		DefaultIdleTimeoutSeconds: defaultIdleTimeoutSeconds,
	}
}

func (c Config) idleTimeoutSeconds() int {
	if c.DefaultIdleTimeoutSeconds <= 0 {
		return defaultIdleTimeoutSeconds
	}
	return c.DefaultIdleTimeoutSeconds
}
