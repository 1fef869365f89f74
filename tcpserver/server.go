package tcpserver

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/karolsteve/tcpserver/clock"
	"github.com/karolsteve/tcpserver/netlog"
	"github.com/karolsteve/tcpserver/reactor"
)

// Server owns the base loop, the acceptor, the worker-loop pool, and
// the live-connection table keyed by a monotonically increasing id
// (spec.md §3/§4.7). The table is only ever touched from the base
// loop's own thread.
type Server struct {
	cfg Config

	baseLoop *reactor.Loop
	pool     *reactor.Pool
	acceptor *Acceptor

	nextConnID int64
	conns      map[int64]*Connection

	log netlog.Logger
}

// NewServer constructs the base loop, the worker-loop pool, and the
// acceptor, wiring the acceptor's sink into the server's accept path.
// It does not start listening or running any loop; call Start for that.
func NewServer(cfg Config, log netlog.Logger) (*Server, error) {
	if log == nil {
		log = netlog.NewLogrus(cfg.Name)
	}
	base, err := reactor.NewLoop(clock.System, log)
	if err != nil {
		return nil, errors.Wrap(err, "tcpserver: construct base loop")
	}

	s := &Server{
		cfg:        cfg,
		baseLoop:   base,
		pool:       reactor.NewPool(base, cfg.PoolSize, clock.System, log),
		nextConnID: 1,
		conns:      make(map[int64]*Connection),
		log:        log,
	}

	acceptor, err := NewAcceptor(base, cfg, log, s.onAccepted)
	if err != nil {
		base.Close()
		return nil, err
	}
	s.acceptor = acceptor
	return s, nil
}

// ServerID returns the configured opaque server identifier.
func (s *Server) ServerID() int32 { return s.cfg.ServerID }

// PoolSize reports the configured worker-loop count.
func (s *Server) PoolSize() int { return s.pool.Size() }

// ListenPort returns the bound listening port, resolving a kernel-
// assigned ephemeral port if the configured ListenPort was 0.
func (s *Server) ListenPort() int { return s.acceptor.Port() }

// BaseLoop exposes the server's base loop, e.g. for an embedder that
// wants to post tasks into the same serial context the connection table
// lives on.
func (s *Server) BaseLoop() *reactor.Loop { return s.baseLoop }

// Start launches the worker-loop pool and begins listening, then serves
// the base loop — blocking until Stop is called from another goroutine.
func (s *Server) Start() error {
	if err := s.pool.Start(); err != nil {
		return errors.Wrap(err, "tcpserver: start worker pool")
	}

	var listenErr error
	var wg sync.WaitGroup
	wg.Add(1)
	s.baseLoop.Queue(func() {
		defer wg.Done()
		listenErr = s.acceptor.Listen()
	})

	// Serve must run after Queue so the waker is guaranteed to fire at
	// least one iteration even if Queue raced ahead of Serve starting;
	// RunTask/Queue already wake unconditionally for an off-thread post.
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- s.baseLoop.Serve() }()

	wg.Wait()
	if listenErr != nil {
		s.pool.Stop()
		s.baseLoop.Quit()
		<-serveErrCh
		return listenErr
	}

	s.log.Infof("tcpserver: %s (id=%d) listening on port %d, pool size %d", s.cfg.Name, s.cfg.ServerID, s.cfg.ListenPort, s.pool.Size())
	return <-serveErrCh
}

// Stop quits the base loop and every worker loop, and closes the
// acceptor's listening socket. Safe to call from any goroutine.
func (s *Server) Stop() {
	s.acceptor.Close()
	s.pool.Stop()
	s.baseLoop.Quit()
}

// Conn looks up a live connection by id. Must be called on the base
// loop's own thread (e.g. from within a task posted via BaseLoop()).
func (s *Server) Conn(id int64) (*Connection, error) {
	c, ok := s.conns[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return c, nil
}

// Connections returns every live connection's id, snapshotted. Must be
// called on the base loop's own thread.
func (s *Server) Connections() []int64 {
	ids := make([]int64, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) onAccepted(fd int, peer PeerAddr) {
	loop := s.pool.Next()
	id := s.nextConnID
	s.nextConnID++

	conn := newConnection(loop, fd, peer, id, s.cfg.Name, s.log)
	conn.idleTimeoutSeconds = s.cfg.idleTimeoutSeconds()
	conn.setCallbacks(s.cfg.OnStateChange, s.cfg.OnData, s.cfg.OnWriteComplete, s.removeConnection)

	s.conns[id] = conn
	loop.RunTask(conn.Established)
}

// removeConnection is the close sink every Connection is wired with: it
// runs on the connection's own loop thread at call time, and hops to the
// base loop to erase the table entry, then hops again to the
// connection's own loop to finish tearing it down — mirroring the
// two-post handoff needed because the table belongs to the base loop but
// the connection's fd and channel belong to its worker loop.
func (s *Server) removeConnection(conn *Connection, reason CloseReason) {
	s.baseLoop.RunTask(func() {
		delete(s.conns, conn.ID())
		s.log.Debugf("tcpserver: %s: removing connection %s (%s)", s.cfg.Name, conn.Name(), reason)
		conn.Destroyed()
	})
}
