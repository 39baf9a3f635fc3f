package netext

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/tcassar-diss/nethook/bpf"
	"github.com/tcassar-diss/nethook/wfp"
)

var (
	SublayerKey = uuid.MustParse("7c7b3fb9-3331-436a-98e1-b901df457fff")

	CalloutKeyXDP                = uuid.MustParse("5a5614e5-6b64-4738-8367-33c6ca07bf8f")
	CalloutKeyResourceAllocation = uuid.MustParse("732acf94-7319-4fed-97d0-41d3a18f3fa1")
	CalloutKeyResourceRelease    = uuid.MustParse("d5792949-2d91-4023-9993-3f3dd9d54b2b")
	CalloutKeyFlowEstablishedV4  = uuid.MustParse("454f1342-f5f9-448f-8509-aef5ad5e20d1")
	CalloutKeyFlowEstablishedV6  = uuid.MustParse("1dc47d00-07cb-4e78-986c-bd3adcafdaa7")
	CalloutKeyInboundMAC         = uuid.MustParse("83fa9c58-574c-4d74-a90d-7ff562e64562")
	CalloutKeyOutboundMAC        = uuid.MustParse("ae328c68-230b-41c4-af9c-111e7fc4ddc6")
)

// layerStrategy is how one layer turns a classify event into an invocation:
// which provider runs, how its context is built, how its result becomes a
// verdict. build returning false skips the invocation.
type layerStrategy struct {
	hook    hook
	build   func(e *Extension, req *wfp.ClassifyRequest) (bpf.Context, bool)
	verdict func(result uint32, err error) wfp.Action
}

type calloutTemplate struct {
	name      string
	key       uuid.UUID
	layer     wfp.Layer
	display   wfp.DisplayData
	strategy  layerStrategy
	ownsFlows bool
}

// calloutTable lists every layer the extension can observe. The xdp callout
// shares the inbound MAC layer and comes last so that lookups by layer find
// the MAC callout first.
var calloutTable = []calloutTemplate{
	{
		name:  LayerBind,
		key:   CalloutKeyResourceAllocation,
		layer: wfp.LayerALEResourceAssignmentV4,
		display: wfp.DisplayData{
			Name:        "Resource Allocation Callout",
			Description: "Runs bind programs when a socket claims a local port",
		},
		strategy: layerStrategy{hook: hookBind, build: (*Extension).buildResourceAllocation, verdict: bindVerdict},
	},
	{
		name:  LayerUnbind,
		key:   CalloutKeyResourceRelease,
		layer: wfp.LayerALEResourceReleaseV4,
		display: wfp.DisplayData{
			Name:        "Resource Release Callout",
			Description: "Runs bind programs when a socket releases a local port",
		},
		strategy: layerStrategy{hook: hookBind, build: (*Extension).buildResourceRelease, verdict: permitVerdict},
	},
	{
		name:  LayerFlowV4,
		key:   CalloutKeyFlowEstablishedV4,
		layer: wfp.LayerALEFlowEstablishedV4,
		display: wfp.DisplayData{
			Name:        "Flow Established V4 Callout",
			Description: "Runs flow programs when an IPv4 flow is established or deleted",
		},
		strategy:  layerStrategy{hook: hookFlow, build: (*Extension).buildFlowEstablishedV4, verdict: permitVerdict},
		ownsFlows: true,
	},
	{
		name:  LayerFlowV6,
		key:   CalloutKeyFlowEstablishedV6,
		layer: wfp.LayerALEFlowEstablishedV6,
		display: wfp.DisplayData{
			Name:        "Flow Established V6 Callout",
			Description: "Runs flow programs when an IPv6 flow is established or deleted",
		},
		strategy:  layerStrategy{hook: hookFlow, build: (*Extension).buildFlowEstablishedV6, verdict: permitVerdict},
		ownsFlows: true,
	},
	{
		name:  LayerMACInbound,
		key:   CalloutKeyInboundMAC,
		layer: wfp.LayerInboundMACFrameEthernet,
		display: wfp.DisplayData{
			Name:        "Inbound MAC Frame Ethernet Callout",
			Description: "Runs mac programs on received ethernet frames",
		},
		strategy: layerStrategy{hook: hookMAC, build: (*Extension).buildInboundMAC, verdict: permitVerdict},
	},
	{
		name:  LayerMACOutbound,
		key:   CalloutKeyOutboundMAC,
		layer: wfp.LayerOutboundMACFrameEthernet,
		display: wfp.DisplayData{
			Name:        "Outbound MAC Frame Ethernet Callout",
			Description: "Runs mac programs on sent ethernet frames",
		},
		strategy: layerStrategy{hook: hookMAC, build: (*Extension).buildOutboundMAC, verdict: permitVerdict},
	},
	{
		name:  LayerXDP,
		key:   CalloutKeyXDP,
		layer: wfp.LayerInboundMACFrameEthernet,
		display: wfp.DisplayData{
			Name:        "L2 XDP Callout",
			Description: "Runs xdp programs on received frames",
		},
		strategy: layerStrategy{hook: hookXDP, build: (*Extension).buildXDP, verdict: xdpVerdict},
	},
}

// CalloutDescriptor is one callout the extension registers: its identity, the
// functions the framework calls, and the id assigned at registration.
type CalloutDescriptor struct {
	Name         string
	CalloutKey   uuid.UUID
	Layer        wfp.Layer
	DisplayData  wfp.DisplayData
	FilterAction wfp.Action

	Classify   wfp.ClassifyFn
	Notify     wfp.NotifyFn
	FlowDelete wfp.FlowDeleteFn

	assignedID atomic.Uint32
	counters   layerCounters
}

// AssignedID is the id the framework gave the callout, or 0 while it is not
// registered.
func (d *CalloutDescriptor) AssignedID() uint32 {
	return d.assignedID.Load()
}

func (e *Extension) newDescriptor(t calloutTemplate) *CalloutDescriptor {
	d := &CalloutDescriptor{
		Name:         t.name,
		CalloutKey:   t.key,
		Layer:        t.layer,
		DisplayData:  t.display,
		FilterAction: wfp.ActionCalloutTerminating,
		Notify:       noopNotify,
		FlowDelete:   noopFlowDelete,
	}

	d.Classify = e.classifier(d, t.strategy)

	if t.ownsFlows {
		d.FlowDelete = e.flowDelete
	}

	return d
}

// Callout returns the descriptor registered for a layer.
func (e *Extension) Callout(layerKey uuid.UUID) (*CalloutDescriptor, bool) {
	for _, d := range e.callouts {
		if d.Layer.Key == layerKey {
			return d, true
		}
	}

	return nil, false
}

// Callouts returns every descriptor in registration order.
func (e *Extension) Callouts() []*CalloutDescriptor {
	return e.callouts
}

// RegisterCallouts opens a dynamic engine session and, inside one transaction,
// adds the sublayer and a callout plus filter per observed layer. It does
// nothing when the callouts are already registered. On failure the
// transaction is aborted, callouts registered so far are unregistered and the
// session is closed.
func (e *Extension) RegisterCallouts(device any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.engine != nil {
		return nil
	}

	eng, err := e.framework.OpenEngine(wfp.Session{Dynamic: true})
	if err != nil {
		return fmt.Errorf("%w: failed to open engine: %w", ErrCalloutRegistration, err)
	}

	if err := e.registerCallouts(eng, device); err != nil {
		err = fmt.Errorf("%w: %w", ErrCalloutRegistration, err)

		return multierr.Append(err, eng.Close())
	}

	e.engine = eng

	e.logger.Infow("registered callouts", "count", len(e.callouts))

	return nil
}

func (e *Extension) registerCallouts(eng wfp.Engine, device any) (err error) {
	var (
		inTransaction bool
		registered    []*CalloutDescriptor
	)

	defer func() {
		if err == nil {
			return
		}

		if inTransaction {
			err = multierr.Append(err, eng.AbortTransaction())
		}

		for _, d := range registered {
			err = multierr.Append(err, e.unregisterCallout(d))
		}
	}()

	if err := eng.BeginTransaction(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	inTransaction = true

	if err := eng.AddSublayer(&wfp.Sublayer{
		Key: SublayerKey,
		DisplayData: wfp.DisplayData{
			Name:        "Network Hook Sublayer",
			Description: "Sublayer for network hook callouts",
		},
	}); err != nil {
		return fmt.Errorf("failed to add sublayer: %w", err)
	}

	for _, d := range e.callouts {
		id, err := e.framework.RegisterCallout(device, &wfp.Callout{
			Key:        d.CalloutKey,
			Classify:   d.Classify,
			Notify:     d.Notify,
			FlowDelete: d.FlowDelete,
		})
		if err != nil {
			return fmt.Errorf("failed to register callout %s: %w", d.Name, err)
		}

		d.assignedID.Store(id)
		registered = append(registered, d)

		if err := eng.AddCallout(&wfp.CalloutRecord{
			Key:             d.CalloutKey,
			DisplayData:     d.DisplayData,
			ApplicableLayer: d.Layer.Key,
		}); err != nil {
			return fmt.Errorf("failed to add callout %s: %w", d.Name, err)
		}

		if _, err := eng.AddFilter(&wfp.Filter{
			LayerKey:    d.Layer.Key,
			SublayerKey: SublayerKey,
			DisplayData: d.DisplayData,
			Action:      wfp.FilterAction{Type: d.FilterAction, CalloutKey: d.CalloutKey},
		}); err != nil {
			return fmt.Errorf("failed to add filter for %s: %w", d.Name, err)
		}

		e.logger.Debugw("registered callout", "callout", d.Name, "id", id, "layer", d.Layer.Name)
	}

	if err := eng.CommitTransaction(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UnregisterCallouts closes the engine session and unregisters every callout.
// It does nothing when the callouts are not registered.
func (e *Extension) UnregisterCallouts() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.engine == nil {
		return nil
	}

	err := e.engine.Close()
	e.engine = nil

	for _, d := range e.callouts {
		err = multierr.Append(err, e.unregisterCallout(d))
	}

	if err != nil {
		return fmt.Errorf("failed to unregister callouts: %w", err)
	}

	e.logger.Infow("unregistered callouts")

	return nil
}

func (e *Extension) unregisterCallout(d *CalloutDescriptor) error {
	id := d.assignedID.Swap(0)
	if id == 0 {
		return nil
	}

	if err := e.framework.UnregisterCalloutByID(id); err != nil {
		return fmt.Errorf("failed to unregister callout %s: %w", d.Name, err)
	}

	return nil
}

func noopNotify(wfp.NotifyType, uuid.UUID, *wfp.Filter) error { return nil }

func noopFlowDelete(uint16, uint32, uint64) {}
