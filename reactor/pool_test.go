//go:build linux

package reactor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/karolsteve/tcpserver/clock"
	"github.com/karolsteve/tcpserver/netlog"
)

func TestPoolRoundRobin(t *testing.T) {
	base, err := NewLoop(clock.System, netlog.Nop{})
	require.NoError(t, err)
	defer base.Close()

	p := NewPool(base, 3, clock.System, netlog.Nop{})
	require.NoError(t, p.Start())
	defer p.Stop()

	seen := map[*Loop]int{}
	for i := 0; i < 9; i++ {
		seen[p.Next()]++
	}
	require.Len(t, seen, 3)
	for _, count := range seen {
		require.Equal(t, 3, count)
	}
}

func TestPoolZeroSizeReturnsBase(t *testing.T) {
	base, err := NewLoop(clock.System, netlog.Nop{})
	require.NoError(t, err)
	defer base.Close()

	p := NewPool(base, 0, clock.System, netlog.Nop{})
	require.NoError(t, p.Start())
	defer p.Stop()

	require.Same(t, base, p.Next())
	require.Same(t, base, p.Next())
}
