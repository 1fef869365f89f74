package tcpserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIdleTimeoutFallback(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, defaultIdleTimeoutSeconds, cfg.idleTimeoutSeconds())

	cfg.DefaultIdleTimeoutSeconds = 0
	require.Equal(t, defaultIdleTimeoutSeconds, cfg.idleTimeoutSeconds())

	cfg.DefaultIdleTimeoutSeconds = 42
	require.Equal(t, 42, cfg.idleTimeoutSeconds())
}

func TestCloseReasonString(t *testing.T) {
	require.Equal(t, "peer-close", ReasonPeerClose.String())
	require.Equal(t, "idle-timeout", ReasonTimeout.String())
	require.Equal(t, "broken-pipe", ReasonBrokenPipe.String())
	require.Equal(t, "remote-error", ReasonRemoteError.String())
	require.Equal(t, "brute-close", ReasonBrute.String())
}
