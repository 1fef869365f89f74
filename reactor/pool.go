package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/karolsteve/tcpserver/clock"
	"github.com/karolsteve/tcpserver/netlog"
)

// Pool owns a base Loop plus N worker Loops running on dedicated
// goroutines, and hands them out round-robin (spec.md §4.7). With
// Size()==0, Next always returns the base loop.
type Pool struct {
	base  *Loop
	loops []*Loop
	next  atomic.Uint64

	wg      sync.WaitGroup
	started atomic.Bool

	clock clock.Clock
	log   netlog.Logger
}

// NewPool wires a Pool around an already-constructed base loop. size is
// the number of additional worker loops Start will spin up; it may
// still be changed with SetSize before Start is called.
func NewPool(base *Loop, size int, clk clock.Clock, log netlog.Logger) *Pool {
	p := &Pool{base: base, clock: clk, log: log}
	p.loops = make([]*Loop, size)
	return p
}

// Size reports the configured worker-loop count.
func (p *Pool) Size() int { return len(p.loops) }

// SetSize changes the worker-loop count. Only legal before Start.
func (p *Pool) SetSize(n int) {
	if p.started.Load() {
		panic("reactor: pool size cannot change after Start")
	}
	p.loops = make([]*Loop, n)
}

// Start constructs and launches every worker loop on its own goroutine.
// Each worker signals readiness (its Loop constructed and Serve
// entered) before Start returns.
func (p *Pool) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	var ready sync.WaitGroup
	ready.Add(len(p.loops))
	for i := range p.loops {
		l, err := NewLoop(p.clock, p.log)
		if err != nil {
			return err
		}
		p.loops[i] = l
		p.wg.Add(1)
		go func(l *Loop) {
			defer p.wg.Done()
			if err := l.Serve(ready.Done); err != nil {
				p.log.Errorf("reactor: worker loop exited: %v", err)
			}
		}(l)
	}
	ready.Wait()
	return nil
}

// Next returns the next loop in round-robin order, or the base loop
// when the pool has zero worker loops.
func (p *Pool) Next() *Loop {
	n := len(p.loops)
	if n == 0 {
		return p.base
	}
	idx := p.next.Add(1) % uint64(n)
	return p.loops[idx]
}

// Base returns the base loop.
func (p *Pool) Base() *Loop { return p.base }

// Loops returns every worker loop, in round-robin order.
func (p *Pool) Loops() []*Loop { return p.loops }

// Stop quits every worker loop and waits for their goroutines to
// return.
func (p *Pool) Stop() {
	for _, l := range p.loops {
		l.Quit()
	}
	p.wg.Wait()
	for _, l := range p.loops {
		_ = l.Close()
	}
}
