package reactor

import "sort"

// PeriodicEvent is a one-shot ordered-list entry from spec.md §3,
// typically used by a Connection to schedule its next idle-timeout
// check. Re-arming after it fires is the caller's responsibility.
type PeriodicEvent struct {
	Owner    interface{}
	deadline int64
	fire     func(nowMillis int64)
}

// periodicList keeps pending events ordered by deadline ascending; n is
// expected to stay small (one entry per live connection), so a linear
// insert/removal is the right trade-off over a heap.
type periodicList struct {
	entries []*PeriodicEvent
}

// schedule inserts an event due at now+delayMillis and returns a handle
// usable with remove.
func (p *periodicList) schedule(nowMillis, delayMillis int64, fire func(int64), owner interface{}) *PeriodicEvent {
	e := &PeriodicEvent{Owner: owner, deadline: nowMillis + delayMillis, fire: fire}
	i := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].deadline > e.deadline })
	p.entries = append(p.entries, nil)
	copy(p.entries[i+1:], p.entries[i:])
	p.entries[i] = e
	return e
}

// remove drops e from the list before it fires. A no-op if e already
// fired or was never scheduled here.
func (p *periodicList) remove(e *PeriodicEvent) {
	for i, cur := range p.entries {
		if cur == e {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

// fireDue invokes every entry whose deadline has passed, removing each
// before its callback runs (one-shot), and returns the millisecond
// delay until the next pending entry, capped at 1000ms, or 1000ms if
// the list is now empty — spec.md §4.2 step 1/2.
func (p *periodicList) fireDue(nowMillis int64) int64 {
	i := 0
	for i < len(p.entries) && p.entries[i].deadline <= nowMillis {
		i++
	}
	due := p.entries[:i]
	p.entries = p.entries[i:]

	for _, e := range due {
		e.fire(nowMillis)
	}

	if len(p.entries) == 0 {
		return 1000
	}
	delay := p.entries[0].deadline - nowMillis
	if delay < 0 {
		delay = 0
	}
	if delay > 1000 {
		delay = 1000
	}
	return delay
}
