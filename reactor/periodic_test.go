package reactor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeriodicListFiresInDeadlineOrder(t *testing.T) {
	var list periodicList
	var fired []string

	list.schedule(0, 30, func(int64) { fired = append(fired, "c") }, "c")
	list.schedule(0, 10, func(int64) { fired = append(fired, "a") }, "a")
	list.schedule(0, 20, func(int64) { fired = append(fired, "b") }, "b")

	delay := list.fireDue(5)
	require.Empty(t, fired)
	require.Equal(t, int64(5), delay) // next due (a at 10) in 5ms

	delay = list.fireDue(25)
	require.Equal(t, []string{"a", "b"}, fired)
	require.Equal(t, int64(5), delay) // c at 30, 5ms away

	delay = list.fireDue(30)
	require.Equal(t, []string{"a", "b", "c"}, fired)
	require.Equal(t, int64(1000), delay) // list now empty
}

func TestPeriodicListRemoveBeforeFire(t *testing.T) {
	var list periodicList
	fired := false
	e := list.schedule(0, 10, func(int64) { fired = true }, nil)
	list.remove(e)

	list.fireDue(100)
	require.False(t, fired)
}

func TestPeriodicListDelayCappedAt1000(t *testing.T) {
	var list periodicList
	list.schedule(0, 5000, func(int64) {}, nil)
	require.Equal(t, int64(1000), list.fireDue(0))
}
