package wfp

import (
	"github.com/google/uuid"
)

// Layer is a filtering layer: its management key and runtime id.
type Layer struct {
	Key  uuid.UUID
	ID   uint16
	Name string
}

var (
	LayerALEResourceAssignmentV4 = Layer{
		Key:  uuid.MustParse("1247d66d-0b60-4a15-8d44-7155d0f53a0c"),
		ID:   36,
		Name: "ALE_RESOURCE_ASSIGNMENT_V4",
	}
	LayerALEResourceReleaseV4 = Layer{
		Key:  uuid.MustParse("74365cce-ccb0-401a-bfc1-b89934ad7e15"),
		ID:   58,
		Name: "ALE_RESOURCE_RELEASE_V4",
	}
	LayerALEFlowEstablishedV4 = Layer{
		Key:  uuid.MustParse("af80470a-5596-4c13-9992-539e6fe57967"),
		ID:   48,
		Name: "ALE_FLOW_ESTABLISHED_V4",
	}
	LayerALEFlowEstablishedV6 = Layer{
		Key:  uuid.MustParse("7021d2b3-dfa4-406e-afeb-6afaf7e70efd"),
		ID:   50,
		Name: "ALE_FLOW_ESTABLISHED_V6",
	}
	LayerInboundMACFrameEthernet = Layer{
		Key:  uuid.MustParse("effb7edb-0055-4f9a-a231-4ff8131ad191"),
		ID:   64,
		Name: "INBOUND_MAC_FRAME_ETHERNET",
	}
	LayerOutboundMACFrameEthernet = Layer{
		Key:  uuid.MustParse("694673bc-d6db-4870-adee-0acdbdb7f4b2"),
		ID:   66,
		Name: "OUTBOUND_MAC_FRAME_ETHERNET",
	}
)

// Layers lists every layer the extension knows about.
var Layers = []Layer{
	LayerALEResourceAssignmentV4,
	LayerALEResourceReleaseV4,
	LayerALEFlowEstablishedV4,
	LayerALEFlowEstablishedV6,
	LayerInboundMACFrameEthernet,
	LayerOutboundMACFrameEthernet,
}

// LayerByKey looks up a layer by its management key.
func LayerByKey(key uuid.UUID) (Layer, bool) {
	for _, l := range Layers {
		if l.Key == key {
			return l, true
		}
	}

	return Layer{}, false
}

// Incoming value indexes, per layer.
const (
	FieldResourceAssignmentV4AppID = iota
	FieldResourceAssignmentV4UserID
	FieldResourceAssignmentV4LocalAddress
	FieldResourceAssignmentV4LocalAddressType
	FieldResourceAssignmentV4LocalPort
	FieldResourceAssignmentV4Protocol
	FieldResourceAssignmentV4Max
)

const (
	FieldResourceReleaseV4AppID = iota
	FieldResourceReleaseV4UserID
	FieldResourceReleaseV4LocalAddress
	FieldResourceReleaseV4LocalAddressType
	FieldResourceReleaseV4LocalPort
	FieldResourceReleaseV4Protocol
	FieldResourceReleaseV4Max
)

const (
	FieldFlowEstablishedV4AppID = iota
	FieldFlowEstablishedV4UserID
	FieldFlowEstablishedV4LocalAddress
	FieldFlowEstablishedV4LocalAddressType
	FieldFlowEstablishedV4LocalPort
	FieldFlowEstablishedV4Protocol
	FieldFlowEstablishedV4RemoteAddress
	FieldFlowEstablishedV4RemotePort
	FieldFlowEstablishedV4Direction
	FieldFlowEstablishedV4Max
)

const (
	FieldFlowEstablishedV6AppID = iota
	FieldFlowEstablishedV6UserID
	FieldFlowEstablishedV6LocalAddress
	FieldFlowEstablishedV6LocalAddressType
	FieldFlowEstablishedV6LocalPort
	FieldFlowEstablishedV6Protocol
	FieldFlowEstablishedV6RemoteAddress
	FieldFlowEstablishedV6RemotePort
	FieldFlowEstablishedV6Direction
	FieldFlowEstablishedV6Max
)

const (
	FieldMACFrameInterfaceMACAddress = iota
	FieldMACFrameLocalMACAddress
	FieldMACFrameRemoteMACAddress
	FieldMACFrameEtherType
	FieldMACFrameVLANID
	FieldMACFrameInterfaceIndex
	FieldMACFrameMax
)

// ValueType tags which member of a Value is set.
type ValueType int

const (
	ValueEmpty ValueType = iota
	ValueUint8
	ValueUint16
	ValueUint32
	ValueUint64
	ValueByteArray16
	ValueByteBlob
)

// Value is one incoming field. Integers are host-order values; ByteArray16
// holds an IPv6 address in network order.
type Value struct {
	Type        ValueType
	Uint8       uint8
	Uint16      uint16
	Uint32      uint32
	Uint64      uint64
	ByteArray16 [16]byte
	ByteBlob    []byte
}

func Uint8Value(v uint8) Value { return Value{Type: ValueUint8, Uint8: v} }

func Uint16Value(v uint16) Value { return Value{Type: ValueUint16, Uint16: v} }

func Uint32Value(v uint32) Value { return Value{Type: ValueUint32, Uint32: v} }

func Uint64Value(v uint64) Value { return Value{Type: ValueUint64, Uint64: v} }

func ByteArray16Value(v [16]byte) Value { return Value{Type: ValueByteArray16, ByteArray16: v} }

func ByteBlobValue(v []byte) Value { return Value{Type: ValueByteBlob, ByteBlob: v} }

// IncomingValues are the fixed fields of one classify event.
type IncomingValues struct {
	LayerID uint16
	Values  []Value
}

// NewIncomingValues returns n empty fields for layer.
func NewIncomingValues(layer Layer, n int) *IncomingValues {
	return &IncomingValues{LayerID: layer.ID, Values: make([]Value, n)}
}

// Set stores v at index i, growing the field list as needed.
func (iv *IncomingValues) Set(i int, v Value) *IncomingValues {
	if i >= len(iv.Values) {
		iv.Values = append(iv.Values, make([]Value, i+1-len(iv.Values))...)
	}

	iv.Values[i] = v

	return iv
}

func (iv *IncomingValues) get(i int, t ValueType) (Value, bool) {
	if iv == nil || i < 0 || i >= len(iv.Values) || iv.Values[i].Type != t {
		return Value{}, false
	}

	return iv.Values[i], true
}

func (iv *IncomingValues) Uint8(i int) (uint8, bool) {
	v, ok := iv.get(i, ValueUint8)
	return v.Uint8, ok
}

func (iv *IncomingValues) Uint16(i int) (uint16, bool) {
	v, ok := iv.get(i, ValueUint16)
	return v.Uint16, ok
}

func (iv *IncomingValues) Uint32(i int) (uint32, bool) {
	v, ok := iv.get(i, ValueUint32)
	return v.Uint32, ok
}

func (iv *IncomingValues) ByteArray16(i int) ([16]byte, bool) {
	v, ok := iv.get(i, ValueByteArray16)
	return v.ByteArray16, ok
}

// ByteBlob returns the blob at i. The slice aliases the event's buffer.
func (iv *IncomingValues) ByteBlob(i int) ([]byte, bool) {
	v, ok := iv.get(i, ValueByteBlob)
	return v.ByteBlob, ok
}

// MetadataField is a bit in IncomingMetadata.Fields.
type MetadataField uint32

const (
	MetadataFieldProcessID MetadataField = 1 << iota
	MetadataFieldFlowHandle
	MetadataFieldPacketDirection
)

// IncomingMetadata is the optional metadata of one classify event.
type IncomingMetadata struct {
	Fields     MetadataField
	ProcessID  uint64
	FlowHandle uint64
}

// IsPresent reports whether field was supplied with the event.
func (m *IncomingMetadata) IsPresent(field MetadataField) bool {
	return m != nil && m.Fields&field == field
}

// NetBuffer is one segment of a frame.
type NetBuffer struct {
	Data []byte
	Next *NetBuffer
}

// DataLength returns the segment's length in bytes.
func (nb *NetBuffer) DataLength() uint64 {
	return uint64(len(nb.Data))
}

// NetBufferList is a frame delivered as a chain of segments.
type NetBufferList struct {
	First *NetBuffer
}

// NewNetBufferList chains segments in order.
func NewNetBufferList(segments ...[]byte) *NetBufferList {
	nbl := &NetBufferList{}

	for i := len(segments) - 1; i >= 0; i-- {
		nbl.First = &NetBuffer{Data: segments[i], Next: nbl.First}
	}

	return nbl
}

// TotalLength sums the length of every segment in the chain.
func (nbl *NetBufferList) TotalLength() uint64 {
	var n uint64

	for nb := nbl.First; nb != nil; nb = nb.Next {
		n += nb.DataLength()
	}

	return n
}
