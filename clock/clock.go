// Package clock provides the monotonic time source used throughout the
// reactor. It is kept as a narrow interface so tests can substitute a
// fake clock instead of sleeping.
package clock

import "time"

// Clock returns monotonic milliseconds, the unit every timer, periodic
// entry, and idle-timeout deadline in this module is expressed in.
type Clock interface {
	NowMillis() int64
}

// start anchors Real's monotonic baseline. UnixMilli/Unix/UnixNano strip
// the monotonic reading a time.Time carries, so NowMillis is built from
// time.Since(start) instead — Sub keeps using the monotonic clock for
// both operands, which a wall-clock step (NTP correction, manual clock
// set) does not affect.
var start = time.Now()
var startMillis = start.UnixMilli()

// Real is a Clock backed by time.Since(start), so NowMillis advances
// monotonically even across a backward wall-clock step.
type Real struct{}

func (Real) NowMillis() int64 {
	return startMillis + time.Since(start).Milliseconds()
}

// System is the process-wide default clock.
var System Clock = Real{}
