package wfp

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("object not found")
	ErrAlreadyExists     = errors.New("object already exists")
	ErrNoTransaction     = errors.New("no transaction in progress")
	ErrInTransaction     = errors.New("transaction already in progress")
	ErrEngineClosed      = errors.New("engine session closed")
	ErrFlowNotFound      = errors.New("flow handle not found")
	ErrFlowContextExists = errors.New("flow already has a context for this callout")
)

// Action is a classify verdict.
type Action int

const (
	ActionPermit Action = iota + 1
	ActionBlock
	// ActionCalloutTerminating is a filter action: the callout decides.
	ActionCalloutTerminating
)

func (a Action) String() string {
	switch a {
	case ActionPermit:
		return "permit"
	case ActionBlock:
		return "block"
	case ActionCalloutTerminating:
		return "callout-terminating"
	default:
		return "unknown"
	}
}

// ClassifyRequest carries everything the framework hands a classify callout
// for one event.
type ClassifyRequest struct {
	Values   *IncomingValues
	Metadata *IncomingMetadata
	// LayerData is a *NetBufferList at the MAC frame layers and nil elsewhere.
	LayerData   any
	Filter      *Filter
	FlowContext uint64
}

// ClassifyOut receives the callout's verdict.
type ClassifyOut struct {
	Action Action
}

// NotifyType says why a notify callout was called.
type NotifyType int

const (
	NotifyFilterAdd NotifyType = iota
	NotifyFilterDelete
)

type (
	ClassifyFn   func(req *ClassifyRequest, out *ClassifyOut)
	NotifyFn     func(t NotifyType, filterKey uuid.UUID, filter *Filter) error
	FlowDeleteFn func(layerID uint16, calloutID uint32, flowContext uint64)
)

// Callout is the runtime side of a callout: the functions the framework calls.
type Callout struct {
	Key        uuid.UUID
	Classify   ClassifyFn
	Notify     NotifyFn
	FlowDelete FlowDeleteFn
}

// DisplayData names an object for management tooling.
type DisplayData struct {
	Name        string
	Description string
}

// CalloutRecord is the management side of a callout.
type CalloutRecord struct {
	Key             uuid.UUID
	DisplayData     DisplayData
	ApplicableLayer uuid.UUID
}

// Sublayer groups the extension's filters. A zero weight lets the framework
// pick one.
type Sublayer struct {
	Key         uuid.UUID
	DisplayData DisplayData
	Weight      uint16
}

// FilterAction says what a matching filter does.
type FilterAction struct {
	Type       Action
	CalloutKey uuid.UUID
	// CalloutID is filled in by the framework when classifying.
	CalloutID uint32
}

// Filter routes traffic at a layer to a callout. The extension adds filters
// without conditions, so every event at the layer matches.
type Filter struct {
	ID          uint64
	LayerKey    uuid.UUID
	SublayerKey uuid.UUID
	DisplayData DisplayData
	Action      FilterAction
}

// Session configures an engine session. Objects added in a dynamic session
// are removed when it closes.
type Session struct {
	Dynamic bool
}

// Framework is the runtime API of the filtering framework.
type Framework interface {
	OpenEngine(session Session) (Engine, error)
	RegisterCallout(device any, callout *Callout) (uint32, error)
	UnregisterCalloutByID(id uint32) error
	AssociateFlowContext(flowHandle uint64, layerID uint16, calloutID uint32, flowContext uint64) error
}

// Engine is a management session with the framework.
type Engine interface {
	BeginTransaction() error
	CommitTransaction() error
	AbortTransaction() error
	AddSublayer(sublayer *Sublayer) error
	AddCallout(callout *CalloutRecord) error
	AddFilter(filter *Filter) (uint64, error)
	Close() error
}
