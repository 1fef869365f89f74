// Package reactor implements the per-thread event loop kernel: the
// epoll-backed demultiplexer and channel registry, the timerfd-backed
// timer wheel, the ordered periodic-event list, the eventfd-backed
// cross-thread waker, and the worker-loop pool. It assumes Linux
// (epoll/eventfd/timerfd); see spec.md §9 for porting notes.
package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/karolsteve/tcpserver/clock"
	"github.com/karolsteve/tcpserver/netlog"
	"github.com/karolsteve/tcpserver/streambuf"
)

// Loop composes a demultiplexer, timer wheel, periodic list, waker,
// and pending-task queue into the serial scheduler described in
// spec.md §4.2. Exactly one goroutine may ever call Serve on a given
// Loop, and only that goroutine may mutate the channel registry, the
// periodic list, or the scratch buffer.
type Loop struct {
	demux  *demultiplexer
	waker  *waker
	timers *timerWheel

	periodic periodicList

	pending struct {
		mu      sync.Mutex
		tasks   []func()
		scratch *streambuf.Scratch
	}

	draining atomic.Bool
	quit     atomic.Bool
	running  atomic.Bool
	ownerGID atomic.Int64

	readyBuf []*Channel

	clock clock.Clock
	log   netlog.Logger
}

// NewLoop constructs a Loop without starting it. Construction opens the
// epoll, eventfd, and timerfd file descriptors; call Close if Serve is
// never invoked, to avoid leaking them.
func NewLoop(clk clock.Clock, log netlog.Logger) (*Loop, error) {
	if clk == nil {
		clk = clock.System
	}
	if log == nil {
		log = netlog.Default
	}
	l := &Loop{clock: clk, log: log}

	demux, err := newDemultiplexer(clk, log)
	if err != nil {
		return nil, err
	}
	l.demux = demux

	w, err := newWaker(l, log)
	if err != nil {
		demux.close()
		return nil, err
	}
	l.waker = w

	timers, err := newTimerWheel(l, clk, log)
	if err != nil {
		w.close()
		demux.close()
		return nil, err
	}
	l.timers = timers

	return l, nil
}

// Close releases the loop's epoll, eventfd, and timerfd descriptors.
// Call only after Serve has returned.
func (l *Loop) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(l.timers.close())
	record(l.waker.close())
	record(l.demux.close())
	return firstErr
}

// Serve runs the loop's iteration forever until Quit is called. Exactly
// one goroutine may call Serve on a given Loop at a time; a second
// concurrent caller gets an error back. A goroutine that already serves
// one Loop and starts serving another panics (spec.md §4.2's thread
// sentinel). ready, if
// given, is called once the loop has claimed thread ownership and is
// about to enter its first iteration — a caller spinning up a pool of
// worker loops waits on ready instead of merely on the goroutine having
// been launched, so it never proceeds while a loop's epoll is not yet
// being polled.
func (l *Loop) Serve(ready ...func()) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("reactor: loop is already serving")
	}
	gid := goroutineID()
	claimThreadSentinel(gid, l)
	l.ownerGID.Store(gid)
	defer func() {
		releaseThreadSentinel(gid)
		l.ownerGID.Store(0)
		l.running.Store(false)
	}()

	for _, r := range ready {
		r()
	}

	for !l.quit.Load() {
		l.runIteration()
	}
	return nil
}

func (l *Loop) runIteration() {
	now := l.clock.NowMillis()
	timeout := l.periodic.fireDue(now)

	_, ready, returnTime := l.demux.wait(int(timeout), l.readyBuf)
	l.readyBuf = ready

	l.periodic.fireDue(returnTime)

	for _, c := range ready {
		l.dispatchSafely(c, returnTime)
	}

	l.drainPending()

	l.demux.checkPeriodicObservers(returnTime)
}

func (l *Loop) dispatchSafely(c *Channel, nowMillis int64) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorf("reactor: channel handler panic fd=%d: %v", c.fd, r)
		}
	}()
	c.Dispatch(nowMillis)
}

func (l *Loop) drainPending() {
	l.draining.Store(true)
	defer l.draining.Store(false)

	l.pending.mu.Lock()
	tasks := l.pending.tasks
	l.pending.tasks = nil
	l.pending.mu.Unlock()

	for _, t := range tasks {
		l.runSafely(t)
	}
}

func (l *Loop) runSafely(f func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorf("reactor: pending task panic: %v", r)
		}
	}()
	f()
}

// isOnLoopThread reports whether the calling goroutine is the one
// currently running Serve for this loop.
func (l *Loop) isOnLoopThread() bool {
	owner := l.ownerGID.Load()
	return owner != 0 && goroutineID() == owner
}

// assertOnLoopThread panics if the calling goroutine does not own this
// loop's registry. Construction-time calls (before Serve starts) are
// always permitted, since no other goroutine can race them yet.
func (l *Loop) assertOnLoopThread() {
	owner := l.ownerGID.Load()
	if owner == 0 {
		return
	}
	if goroutineID() != owner {
		panic(errors.Errorf("reactor: channel registry accessed from goroutine %d, owned by loop goroutine %d", goroutineID(), owner))
	}
}

// RunTask runs f inline if called from the loop's own goroutine,
// otherwise posts it to the pending queue (spec.md §4.2's run(task)).
func (l *Loop) RunTask(f func()) {
	if l.isOnLoopThread() {
		f()
		return
	}
	l.Queue(f)
}

// Queue appends f to the pending-task queue under the queue mutex, and
// wakes the loop if the caller is not the loop's own goroutine or if
// the loop is currently draining the queue — so a task queued by
// another task is still observed via a wakeup for the next iteration
// (spec.md §4.2's queue(task)).
func (l *Loop) Queue(f func()) {
	shouldWake := !l.isOnLoopThread() || l.draining.Load()

	l.pending.mu.Lock()
	l.pending.tasks = append(l.pending.tasks, f)
	l.pending.mu.Unlock()

	if shouldWake {
		l.waker.wakeup()
	}
}

// Quit sets the quit flag and wakes the loop if called off its thread.
func (l *Loop) Quit() {
	l.quit.Store(true)
	if !l.isOnLoopThread() {
		l.waker.wakeup()
	}
}

// updateChannel delegates interest mutation to the demultiplexer; only
// callable on the loop's own thread.
func (l *Loop) updateChannel(c *Channel) {
	l.assertOnLoopThread()
	if err := l.demux.updateInterest(c); err != nil {
		l.log.Errorf("reactor: update channel fd=%d: %v", c.fd, err)
	}
}

// removeChannel deregisters c, which must be in mark NEW or DELETED
// (spec.md §3's destruction invariant).
func (l *Loop) removeChannel(c *Channel) {
	l.assertOnLoopThread()
	if c.mark != markNew && c.mark != markDeleted {
		panic(errors.Errorf("reactor: channel fd=%d removed while still registered (mark=%d)", c.fd, c.mark))
	}
	l.demux.remove(c)
}

// RunAt schedules cb to fire once at whenMillis (monotonic). Safe to
// call from any goroutine; the returned TimerID is valid for CancelTimer
// even if the actual insertion has not yet run on the loop's thread.
func (l *Loop) RunAt(whenMillis int64, cb func()) TimerID {
	id := l.timers.allocID()
	l.RunTask(func() { l.timers.insertWithID(id, whenMillis, 0, cb) })
	return id
}

// RunAfter schedules cb to fire once after delayMillis.
func (l *Loop) RunAfter(delayMillis int64, cb func()) TimerID {
	return l.RunAt(l.clock.NowMillis()+delayMillis, cb)
}

// RunEvery schedules cb to fire every intervalMillis, starting one
// interval from now.
func (l *Loop) RunEvery(intervalMillis int64, cb func()) TimerID {
	id := l.timers.allocID()
	when := l.clock.NowMillis() + intervalMillis
	l.RunTask(func() { l.timers.insertWithID(id, when, intervalMillis, cb) })
	return id
}

// CancelTimer removes a still-pending timer before it fires. A no-op if
// it already fired (for one-shot) or was never scheduled.
func (l *Loop) CancelTimer(id TimerID) {
	l.RunTask(func() { l.timers.cancel(id) })
}

// ScheduleEvent inserts a one-shot periodic-list entry due in
// delayMillis; only callable on the loop's own thread.
func (l *Loop) ScheduleEvent(delayMillis int64, fire func(nowMillis int64), owner interface{}) *PeriodicEvent {
	l.assertOnLoopThread()
	return l.periodic.schedule(l.clock.NowMillis(), delayMillis, fire, owner)
}

// RemoveEvent removes a periodic-list entry before it fires; only
// callable on the loop's own thread.
func (l *Loop) RemoveEvent(e *PeriodicEvent) {
	l.assertOnLoopThread()
	l.periodic.remove(e)
}

// Scratch returns the loop's shared read-scratch buffer, lazily
// constructing it on first use under the same mutex guarding the
// pending-task queue, which every call takes. Only safe to
// call from read/write handlers running on this loop's own thread.
func (l *Loop) Scratch() *streambuf.Scratch {
	l.pending.mu.Lock()
	defer l.pending.mu.Unlock()
	if l.pending.scratch == nil {
		l.pending.scratch = streambuf.NewScratch(64 * 1024)
	}
	return l.pending.scratch
}

// NewChannelHere is a convenience for constructing a Channel bound to
// this loop.
func (l *Loop) NewChannelHere(fd int) *Channel {
	return NewChannel(l, fd)
}

// Clock exposes the loop's clock, so owners (e.g. Connection) can stamp
// timestamps consistently with the loop's own notion of "now".
func (l *Loop) Clock() clock.Clock { return l.clock }

// Log exposes the loop's logger for owners that want to log under the
// same component tagging.
func (l *Loop) Log() netlog.Logger { return l.log }
