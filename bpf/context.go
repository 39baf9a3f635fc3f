package bpf

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Context is the record a program receives for one invocation. Byte slices
// inside a context alias caller-owned buffers and are only valid until the
// invocation returns.
type Context interface {
	ProgramType() ProgramType
	MarshalBinary() ([]byte, error)
}

// FiveTuple identifies a flow. Addresses are stored byte-reversed: an IPv4
// address occupies the low four bytes in reverse network order, an IPv6
// address all sixteen bytes in reverse. Ports are host values and are zero for
// protocols other than TCP and UDP.
type FiveTuple struct {
	V4         bool
	SourceIP   [16]byte
	DestIP     [16]byte
	SourcePort uint16
	DestPort   uint16
	Protocol   uint8
}

const fiveTupleSize = 40

// TupleFromAddrPorts builds a tuple from a source and destination in the
// stored orientation.
func TupleFromAddrPorts(protocol uint8, src, dst netip.AddrPort) FiveTuple {
	t := FiveTuple{
		V4:         src.Addr().Is4(),
		SourcePort: src.Port(),
		DestPort:   dst.Port(),
		Protocol:   protocol,
	}

	storeReversed(&t.SourceIP, src.Addr())
	storeReversed(&t.DestIP, dst.Addr())

	return t
}

func storeReversed(dst *[16]byte, addr netip.Addr) {
	if addr.Is4() {
		a := addr.As4()
		for i := 0; i < 4; i++ {
			dst[i] = a[3-i]
		}

		return
	}

	a := addr.As16()
	for i := 0; i < 16; i++ {
		dst[i] = a[15-i]
	}
}

func loadReversed(src [16]byte, v4 bool) netip.Addr {
	if v4 {
		return netip.AddrFrom4([4]byte{src[3], src[2], src[1], src[0]})
	}

	var a [16]byte
	for i := 0; i < 16; i++ {
		a[i] = src[15-i]
	}

	return netip.AddrFrom16(a)
}

// Source returns the source address and port in network order.
func (t FiveTuple) Source() netip.AddrPort {
	return netip.AddrPortFrom(loadReversed(t.SourceIP, t.V4), t.SourcePort)
}

// Dest returns the destination address and port in network order.
func (t FiveTuple) Dest() netip.AddrPort {
	return netip.AddrPortFrom(loadReversed(t.DestIP, t.V4), t.DestPort)
}

// Reverse swaps source and destination.
func (t FiveTuple) Reverse() FiveTuple {
	t.SourceIP, t.DestIP = t.DestIP, t.SourceIP
	t.SourcePort, t.DestPort = t.DestPort, t.SourcePort

	return t
}

func (t FiveTuple) String() string {
	return fmt.Sprintf("proto=%d %s -> %s", t.Protocol, t.Source(), t.Dest())
}

func (t FiveTuple) appendTo(b []byte) []byte {
	var raw [fiveTupleSize]byte

	if t.V4 {
		raw[0] = 1
	}

	copy(raw[1:17], t.SourceIP[:])
	copy(raw[17:33], t.DestIP[:])
	binary.LittleEndian.PutUint16(raw[34:], t.SourcePort)
	binary.LittleEndian.PutUint16(raw[36:], t.DestPort)
	raw[38] = t.Protocol

	return append(b, raw[:]...)
}

// XdpAction is the result of an xdp program.
type XdpAction uint32

const (
	XdpPass XdpAction = 1
	XdpDrop XdpAction = 2
)

// XdpMD is the context of the layer 2 receive hook.
type XdpMD struct {
	Data     []byte
	DataMeta uint64
}

const xdpMDSize = 24

func (*XdpMD) ProgramType() ProgramType { return ProgramTypeXDP }

// MarshalBinary encodes the header with data/data_end as offsets into the
// returned buffer, followed by the packet bytes.
func (c *XdpMD) MarshalBinary() ([]byte, error) {
	b := make([]byte, xdpMDSize, xdpMDSize+len(c.Data))
	binary.LittleEndian.PutUint64(b[0:], xdpMDSize)
	binary.LittleEndian.PutUint64(b[8:], uint64(xdpMDSize+len(c.Data)))
	binary.LittleEndian.PutUint64(b[16:], c.DataMeta)

	return append(b, c.Data...), nil
}

// BindOperation tells a bind program which socket operation it observes.
type BindOperation uint32

const (
	BindOperationBind BindOperation = iota
	BindOperationPostBind
	BindOperationUnbind
)

// BindAction is the result of a bind program.
type BindAction uint32

const (
	BindPermit BindAction = iota
	BindDeny
	BindRedirect
)

// BindMD is the context of the resource allocation and release hooks.
type BindMD struct {
	AppID               []byte
	ProcessID           uint64
	SocketAddress       [16]byte
	SocketAddressLength uint8
	Operation           BindOperation
	Protocol            uint8
}

const bindMDSize = 56

func (*BindMD) ProgramType() ProgramType { return ProgramTypeBind }

func (c *BindMD) MarshalBinary() ([]byte, error) {
	b := make([]byte, bindMDSize, bindMDSize+len(c.AppID))
	binary.LittleEndian.PutUint64(b[0:], bindMDSize)
	binary.LittleEndian.PutUint64(b[8:], uint64(bindMDSize+len(c.AppID)))
	binary.LittleEndian.PutUint64(b[16:], c.ProcessID)
	copy(b[24:40], c.SocketAddress[:])
	b[40] = c.SocketAddressLength
	binary.LittleEndian.PutUint32(b[44:], uint32(c.Operation))
	b[48] = c.Protocol

	return append(b, c.AppID...), nil
}

// SetSocketAddressV4 stores addr as a sockaddr_in.
func (c *BindMD) SetSocketAddressV4(addr netip.AddrPort) {
	const afInet = 2

	c.SocketAddress = [16]byte{}
	binary.LittleEndian.PutUint16(c.SocketAddress[0:], afInet)
	binary.BigEndian.PutUint16(c.SocketAddress[2:], addr.Port())
	a := addr.Addr().As4()
	copy(c.SocketAddress[4:8], a[:])
	c.SocketAddressLength = 16
}

// SocketAddrPort decodes a sockaddr_in written by SetSocketAddressV4.
func (c *BindMD) SocketAddrPort() netip.AddrPort {
	port := binary.BigEndian.Uint16(c.SocketAddress[2:])
	addr := netip.AddrFrom4([4]byte(c.SocketAddress[4:8]))

	return netip.AddrPortFrom(addr, port)
}

// FlowMD is the context of the flow established and flow deleted events.
// Established is false for the deletion event, which carries no app name.
type FlowMD struct {
	AppName     []byte
	Established bool
	Tuple       FiveTuple
}

const flowMDSize = 64

func (*FlowMD) ProgramType() ProgramType { return ProgramTypeFlow }

func (c *FlowMD) MarshalBinary() ([]byte, error) {
	b := make([]byte, 16, flowMDSize+len(c.AppName))

	if c.AppName != nil {
		binary.LittleEndian.PutUint64(b[0:], flowMDSize)
		binary.LittleEndian.PutUint64(b[8:], uint64(flowMDSize+len(c.AppName)))
	}

	if c.Established {
		b = append(b, 1, 0)
	} else {
		b = append(b, 0, 0)
	}

	b = c.Tuple.appendTo(b)
	b = append(b, make([]byte, flowMDSize-len(b))...)

	return append(b, c.AppName...), nil
}

// MacMD is the context of the inbound and outbound MAC frame hooks.
type MacMD struct {
	Tuple        FiveTuple
	PacketLength uint64
	V4           bool
}

const macMDSize = 56

func (*MacMD) ProgramType() ProgramType { return ProgramTypeMAC }

func (c *MacMD) MarshalBinary() ([]byte, error) {
	b := c.Tuple.appendTo(make([]byte, 0, macMDSize))
	b = binary.LittleEndian.AppendUint64(b, c.PacketLength)

	if c.V4 {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}

	return append(b, make([]byte, macMDSize-len(b))...), nil
}
