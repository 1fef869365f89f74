package reactor

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineID extracts the calling goroutine's id from its own stack
// trace header ("goroutine 123 [running]: ..."). Go deliberately has no
// public goroutine-id API; this is the well-known workaround used where
// a thread-local-equivalent sentinel is unavoidable, matching spec.md
// §4.2's "thread-local pointer ensures at most one event loop per
// thread" with a goroutine substituted for an OS thread (see DESIGN.md).
func goroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	fields := bytes.Fields(buf)
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

var (
	sentinelMu sync.Mutex
	sentinel   = map[int64]*Loop{}
)

// claimThreadSentinel registers loop as the owner of goroutine gid. A
// second loop claiming the same goroutine aborts the process, matching
// spec.md §4.2's "a second construction aborts the process".
func claimThreadSentinel(gid int64, l *Loop) {
	sentinelMu.Lock()
	defer sentinelMu.Unlock()
	if existing, ok := sentinel[gid]; ok && existing != l {
		panic("reactor: a second event loop attempted to run on a goroutine that already owns one")
	}
	sentinel[gid] = l
}

func releaseThreadSentinel(gid int64) {
	sentinelMu.Lock()
	defer sentinelMu.Unlock()
	delete(sentinel, gid)
}
