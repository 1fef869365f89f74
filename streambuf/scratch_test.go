package streambuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScratchRewindExposesFullCapacity(t *testing.T) {
	s := NewScratch(16)
	s.Rewind()
	require.Len(t, s.Raw(), 16)
	require.Equal(t, 16, s.Capacity())
}

func TestScratchSetLimitClampsToCapacity(t *testing.T) {
	s := NewScratch(8)
	s.Rewind()
	copy(s.Raw(), []byte("hello"))
	s.SetLimit(5)
	require.Equal(t, []byte("hello"), s.Bytes())
	require.Equal(t, 5, s.Remaining())

	s.SetLimit(100)
	require.Equal(t, 8, s.Limit())

	s.SetLimit(-1)
	require.Equal(t, 0, s.Limit())
}

func TestScratchFlipSwitchesToReadMode(t *testing.T) {
	s := NewScratch(8)
	s.Rewind()
	copy(s.Raw(), []byte("abc"))
	s.position = 3
	s.Flip()
	require.Equal(t, 3, s.Limit())
	require.Equal(t, 3, s.Remaining())
	require.Equal(t, []byte("abc"), s.Bytes())
}

func TestScratchClearEmptiesBuffer(t *testing.T) {
	s := NewScratch(8)
	s.Rewind()
	s.SetLimit(4)
	s.Clear()
	require.Equal(t, 0, s.Limit())
	require.Equal(t, 0, s.Remaining())
}
