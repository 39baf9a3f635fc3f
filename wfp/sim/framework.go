// Package sim is an in-memory filtering framework. It keeps the callout,
// filter and flow tables a real framework would and routes classify events to
// registered callouts, so the extension can be driven without a kernel.
package sim

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tcassar-diss/nethook/wfp"
)

// Operation names accepted by FailOn.
const (
	OpOpenEngine           = "OpenEngine"
	OpBeginTransaction     = "BeginTransaction"
	OpCommitTransaction    = "CommitTransaction"
	OpAddSublayer          = "AddSublayer"
	OpAddCallout           = "AddCallout"
	OpAddFilter            = "AddFilter"
	OpRegisterCallout      = "RegisterCallout"
	OpAssociateFlowContext = "AssociateFlowContext"
)

type failure struct {
	call int
	err  error
}

type runtimeCallout struct {
	id      uint32
	callout wfp.Callout
}

// flow is one live flow and the contexts callouts associated with it.
type flow struct {
	layerID  uint16
	contexts map[uint32]uint64
}

// Framework is a wfp.Framework kept entirely in memory.
type Framework struct {
	logger *zap.SugaredLogger

	mu sync.Mutex

	nextCalloutID uint32
	nextFilterID  uint64
	nextFlow      uint64

	runtime   map[uint32]*runtimeCallout
	byKey     map[uuid.UUID]uint32
	records   map[uuid.UUID]*wfp.CalloutRecord
	sublayers map[uuid.UUID]*wfp.Sublayer
	filters   map[uint64]*wfp.Filter
	flows     map[uint64]*flow

	openEngines int
	calls       map[string]int
	failures    map[string]failure
}

var _ wfp.Framework = (*Framework)(nil)

func NewFramework(logger *zap.SugaredLogger) *Framework {
	return &Framework{
		logger:    logger,
		runtime:   make(map[uint32]*runtimeCallout),
		byKey:     make(map[uuid.UUID]uint32),
		records:   make(map[uuid.UUID]*wfp.CalloutRecord),
		sublayers: make(map[uuid.UUID]*wfp.Sublayer),
		filters:   make(map[uint64]*wfp.Filter),
		flows:     make(map[uint64]*flow),
		calls:     make(map[string]int),
		failures:  make(map[string]failure),
	}
}

// FailOn makes the call-th call (1-based, counted from now) of op return err.
func (f *Framework) FailOn(op string, call int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures[op] = failure{call: f.calls[op] + call, err: err}
}

// Calls returns how many times op has been called.
func (f *Framework) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[op]
}

// injected counts a call of op and returns the error armed for it, if any.
// Must be called with f.mu held.
func (f *Framework) injected(op string) error {
	f.calls[op]++

	fail, ok := f.failures[op]
	if !ok || fail.call != f.calls[op] {
		return nil
	}

	delete(f.failures, op)

	return fail.err
}

func (f *Framework) OpenEngine(session wfp.Session) (wfp.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.injected(OpOpenEngine); err != nil {
		return nil, err
	}

	f.openEngines++

	return &engine{fw: f, session: session}, nil
}

func (f *Framework) RegisterCallout(_ any, callout *wfp.Callout) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.injected(OpRegisterCallout); err != nil {
		return 0, err
	}

	if _, ok := f.byKey[callout.Key]; ok {
		return 0, fmt.Errorf("%w: callout %s", wfp.ErrAlreadyExists, callout.Key)
	}

	f.nextCalloutID++
	id := f.nextCalloutID

	f.runtime[id] = &runtimeCallout{id: id, callout: *callout}
	f.byKey[callout.Key] = id

	return id, nil
}

// UnregisterCalloutByID removes a runtime callout. Flow contexts the callout
// still holds are handed back through its flow delete function first.
func (f *Framework) UnregisterCalloutByID(id uint32) error {
	f.mu.Lock()

	rc, ok := f.runtime[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: callout id %d", wfp.ErrNotFound, id)
	}

	type pending struct {
		layerID uint16
		ctx     uint64
	}

	var orphaned []pending

	for _, fl := range f.flows {
		if ctx, ok := fl.contexts[id]; ok {
			orphaned = append(orphaned, pending{layerID: fl.layerID, ctx: ctx})
			delete(fl.contexts, id)
		}
	}

	delete(f.runtime, id)
	delete(f.byKey, rc.callout.Key)
	f.mu.Unlock()

	if rc.callout.FlowDelete != nil {
		for _, p := range orphaned {
			rc.callout.FlowDelete(p.layerID, id, p.ctx)
		}
	}

	return nil
}

// OpenFlow starts a flow and returns its handle.
func (f *Framework) OpenFlow(layer wfp.Layer) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextFlow++
	f.flows[f.nextFlow] = &flow{layerID: layer.ID, contexts: make(map[uint32]uint64)}

	return f.nextFlow
}

func (f *Framework) AssociateFlowContext(flowHandle uint64, layerID uint16, calloutID uint32, flowContext uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.injected(OpAssociateFlowContext); err != nil {
		return err
	}

	fl, ok := f.flows[flowHandle]
	if !ok {
		return fmt.Errorf("%w: %d", wfp.ErrFlowNotFound, flowHandle)
	}

	if _, ok := f.runtime[calloutID]; !ok {
		return fmt.Errorf("%w: callout id %d", wfp.ErrNotFound, calloutID)
	}

	if _, ok := fl.contexts[calloutID]; ok {
		return fmt.Errorf("%w: flow %d callout %d", wfp.ErrFlowContextExists, flowHandle, calloutID)
	}

	fl.layerID = layerID
	fl.contexts[calloutID] = flowContext

	return nil
}

// DeleteFlow ends a flow, calling the flow delete function of every callout
// that associated a context with it. Each context is delivered exactly once.
func (f *Framework) DeleteFlow(flowHandle uint64) error {
	f.mu.Lock()

	fl, ok := f.flows[flowHandle]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %d", wfp.ErrFlowNotFound, flowHandle)
	}

	delete(f.flows, flowHandle)

	type pending struct {
		fn  wfp.FlowDeleteFn
		id  uint32
		ctx uint64
	}

	var deliveries []pending

	for id, ctx := range fl.contexts {
		rc, ok := f.runtime[id]
		if !ok || rc.callout.FlowDelete == nil {
			continue
		}

		deliveries = append(deliveries, pending{fn: rc.callout.FlowDelete, id: id, ctx: ctx})
	}
	f.mu.Unlock()

	for _, d := range deliveries {
		d.fn(fl.layerID, d.id, d.ctx)
	}

	return nil
}

// FlowContexts returns the number of contexts associated with live flows.
func (f *Framework) FlowContexts() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, fl := range f.flows {
		n += len(fl.contexts)
	}

	return n
}

// Classify delivers an event at layer to every callout a filter routes it to.
// The first block wins; a layer without filters permits. A filter pointing at
// a callout with no runtime registration blocks, as the framework would.
func (f *Framework) Classify(layer wfp.Layer, req *wfp.ClassifyRequest) wfp.Action {
	f.mu.Lock()

	type target struct {
		filter  wfp.Filter
		callout wfp.Callout
		ctx     uint64
	}

	var (
		targets   []target
		orphaned  bool
		flowState *flow
	)

	if req.Metadata.IsPresent(wfp.MetadataFieldFlowHandle) {
		flowState = f.flows[req.Metadata.FlowHandle]
	}

	for _, filter := range f.filters {
		if filter.LayerKey != layer.Key || filter.Action.Type != wfp.ActionCalloutTerminating {
			continue
		}

		id, ok := f.byKey[filter.Action.CalloutKey]
		if !ok {
			orphaned = true
			continue
		}

		t := target{filter: *filter, callout: f.runtime[id].callout}
		t.filter.Action.CalloutID = id

		if flowState != nil {
			t.ctx = flowState.contexts[id]
		}

		targets = append(targets, t)
	}
	f.mu.Unlock()

	if orphaned {
		return wfp.ActionBlock
	}

	verdict := wfp.ActionPermit

	for _, t := range targets {
		if t.callout.Classify == nil {
			continue
		}

		r := *req
		r.Filter = &t.filter
		r.FlowContext = t.ctx

		out := wfp.ClassifyOut{Action: wfp.ActionPermit}
		t.callout.Classify(&r, &out)

		if out.Action == wfp.ActionBlock {
			verdict = wfp.ActionBlock
		}
	}

	return verdict
}

// CalloutID returns the runtime id registered for a callout key.
func (f *Framework) CalloutID(key uuid.UUID) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.byKey[key]

	return id, ok
}

// RegisteredCallouts returns the number of runtime callouts.
func (f *Framework) RegisteredCallouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.runtime)
}

// Filters returns the number of committed filters.
func (f *Framework) Filters() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.filters)
}

// CalloutRecords returns the number of committed management callouts.
func (f *Framework) CalloutRecords() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.records)
}

// Sublayers returns the number of committed sublayers.
func (f *Framework) Sublayers() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.sublayers)
}

// OpenEngines returns the number of engine sessions not yet closed.
func (f *Framework) OpenEngines() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.openEngines
}
