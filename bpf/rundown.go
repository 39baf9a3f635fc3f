package bpf

import (
	"sync"
	"sync/atomic"
)

const rundownClosed int64 = 1

// rundown protects a provider against teardown while invocations are in
// flight. The low bit of state marks the gate closed; the remaining bits count
// callers that acquired it. Acquire never blocks; wait blocks only for callers
// that acquired before the gate closed.
//
// A zero rundown is open.
type rundown struct {
	state   atomic.Int64
	drained atomic.Pointer[chan struct{}]

	// serialises wait and reopen
	mu sync.Mutex
}

func newClosedRundown() *rundown {
	r := &rundown{}
	r.state.Store(rundownClosed)

	return r
}

func (r *rundown) acquire() bool {
	for {
		s := r.state.Load()
		if s&rundownClosed != 0 {
			return false
		}

		if r.state.CompareAndSwap(s, s+2) {
			return true
		}
	}
}

func (r *rundown) release() {
	if r.state.Add(-2) == rundownClosed {
		close(*r.drained.Load())
	}
}

// wait closes the gate and returns once every acquired caller has released.
func (r *rundown) wait() {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan struct{})
	r.drained.Store(&ch)

	for {
		s := r.state.Load()
		if s&rundownClosed != 0 {
			// already closed and drained by an earlier wait
			return
		}

		if r.state.CompareAndSwap(s, s|rundownClosed) {
			if s == 0 {
				return
			}

			break
		}
	}

	<-ch
}

// reopen makes a drained gate acquirable again.
func (r *rundown) reopen() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.CompareAndSwap(rundownClosed, 0)
}

func (r *rundown) active() int64 {
	return r.state.Load() >> 1
}
