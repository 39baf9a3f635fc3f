package netext

import (
	"sync"
	"sync/atomic"

	"github.com/tcassar-diss/nethook/bpf"
	"github.com/tcassar-diss/nethook/wfp"
)

// FlowHandle is the flow context value handed to the framework. Zero is never
// issued.
type FlowHandle uint64

// FlowState is what the extension remembers about an established flow until
// the framework reports it deleted.
type FlowState struct {
	Tuple bpf.FiveTuple
}

// flowContexts is the arena of live flow states. A handle resolves to a state
// only until it is freed; freeing is exactly once because removal is a single
// LoadAndDelete.
type flowContexts struct {
	max    int64
	next   atomic.Uint64
	live   atomic.Int64
	states sync.Map

	allocated         atomic.Uint64
	associated        atomic.Uint64
	associationFailed atomic.Uint64
	deleted           atomic.Uint64
	exhausted         atomic.Uint64
}

func newFlowContexts(limit int) *flowContexts {
	return &flowContexts{max: int64(limit)}
}

// allocate stores a new state. It never blocks and fails once max states are
// live.
func (f *flowContexts) allocate(tuple bpf.FiveTuple) (FlowHandle, error) {
	if f.live.Add(1) > f.max {
		f.live.Add(-1)
		f.exhausted.Add(1)

		return 0, ErrFlowContextExhausted
	}

	h := FlowHandle(f.next.Add(1))
	f.states.Store(h, &FlowState{Tuple: tuple})
	f.allocated.Add(1)

	return h, nil
}

// free retires a state whose association failed.
func (f *flowContexts) free(h FlowHandle) {
	if _, ok := f.states.LoadAndDelete(h); ok {
		f.live.Add(-1)
		f.associationFailed.Add(1)
	}
}

// release retires a state on its flow deletion and returns a copy of it.
func (f *flowContexts) release(h FlowHandle) (FlowState, bool) {
	v, ok := f.states.LoadAndDelete(h)
	if !ok {
		return FlowState{}, false
	}

	f.live.Add(-1)
	f.deleted.Add(1)

	return *v.(*FlowState), true
}

// associateFlow gives the event's flow a state holding tuple. Failures are
// only logged: the event is delivered either way.
func (e *Extension) associateFlow(req *wfp.ClassifyRequest, tuple bpf.FiveTuple) {
	h, err := e.flows.allocate(tuple)
	if err != nil {
		e.logger.Debugw("failed to allocate flow context", "tuple", tuple.String(), "err", err)
		return
	}

	var calloutID uint32
	if req.Filter != nil {
		calloutID = req.Filter.Action.CalloutID
	}

	if err := e.framework.AssociateFlowContext(
		req.Metadata.FlowHandle,
		req.Values.LayerID,
		calloutID,
		uint64(h),
	); err != nil {
		e.flows.free(h)
		e.logger.Debugw("failed to associate flow context",
			"flow-handle", req.Metadata.FlowHandle,
			"tuple", tuple.String(),
			"err", err,
		)

		return
	}

	e.flows.associated.Add(1)
}

// flowDelete runs the flow program once more for a deleted flow, with the
// tuple stored at establishment and no app name, then drops the state.
func (e *Extension) flowDelete(_ uint16, _ uint32, flowContext uint64) {
	state, ok := e.flows.release(FlowHandle(flowContext))
	if !ok {
		e.logger.Debugw("flow deleted without a known context", "flow-context", flowContext)
		return
	}

	reg := e.provider(hookFlow)
	if !reg.Enter() {
		return
	}
	defer reg.Leave()

	if _, err := reg.Invoke(&bpf.FlowMD{Established: false, Tuple: state.Tuple}); err != nil {
		e.logger.Debugw("flow delete invocation failed", "tuple", state.Tuple.String(), "err", err)
	}
}

// LiveFlowContexts returns the number of flow states not yet freed.
func (e *Extension) LiveFlowContexts() int64 {
	return e.flows.live.Load()
}
