package tcpserver

import "github.com/pkg/errors"

// CloseReason mirrors spec.md §7's numeric close-reason taxonomy. It is
// not surfaced to the embedder's on-state-change callback (spec.md §7:
// "the embedder is not given the numeric close reason in this minimal
// core") but drives the server's own logging and the close sink wired
// into every Connection.
type CloseReason int

const (
	ReasonBrute       CloseReason = -1 // idle far beyond the grace period
	ReasonPeerClose   CloseReason = 0  // orderly peer close (EOF)
	ReasonRemoteError CloseReason = 1  // reset / unreachable / protocol / shutdown
	ReasonTimeout     CloseReason = 3  // idle beyond the configured deadline
	ReasonBrokenPipe  CloseReason = 4  // write to a peer that is gone
)

func (r CloseReason) String() string {
	switch r {
	case ReasonBrute:
		return "brute-close"
	case ReasonPeerClose:
		return "peer-close"
	case ReasonRemoteError:
		return "remote-error"
	case ReasonTimeout:
		return "idle-timeout"
	case ReasonBrokenPipe:
		return "broken-pipe"
	default:
		return "unknown"
	}
}

var (
	// ErrWrongState is logged when a Connection method posted through
	// RunTask (Shutdown, WriteBuffer) finally runs against a connection
	// that has since left the state it requires; the caller never
	// blocks on it, since the check only resolves on the owning loop's
	// thread, after the post.
	ErrWrongState = errors.New("tcpserver: connection is not in the required state")

	// ErrConnectionNotFound is returned by Server.Conn for an unknown id.
	ErrConnectionNotFound = errors.New("tcpserver: connection not found")
)
