package streambuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByteStreamAppendDiscard(t *testing.T) {
	var s ByteStream
	require.False(t, s.HasData())

	s.Append([]byte("hello "))
	s.Append([]byte("world"))
	require.True(t, s.HasData())
	require.Equal(t, 11, s.Len())

	out := make([]byte, 32)
	n := s.Get(out)
	require.Equal(t, "hello world", string(out[:n]))

	s.Discard(6)
	require.Equal(t, 5, s.Len())
	n = s.Get(out)
	require.Equal(t, "world", string(out[:n]))

	s.Discard(1000)
	require.False(t, s.HasData())
}

func TestByteStreamClean(t *testing.T) {
	var s ByteStream
	s.Append([]byte("x"))
	s.Clean()
	require.False(t, s.HasData())
	require.Equal(t, 0, s.Len())
}

func TestScratchRewindReadFlow(t *testing.T) {
	sc := NewScratch(8)
	sc.Rewind()
	require.Equal(t, 8, len(sc.Raw()))

	copy(sc.Raw(), []byte("abcd"))
	sc.SetLimit(4)
	require.Equal(t, 4, sc.Remaining())
	require.Equal(t, "abcd", string(sc.Bytes()))

	sc.Clear()
	require.Equal(t, 0, sc.Remaining())
}

func TestScratchFlip(t *testing.T) {
	sc := NewScratch(4)
	sc.Clear()
	buf := sc.Raw()
	copy(buf, []byte("ab"))
	sc.position = 2
	sc.Flip()
	require.Equal(t, 2, sc.limit)
	require.Equal(t, 0, sc.position)
	require.Equal(t, "ab", string(sc.Bytes()))
}
