// Package packet extracts five-tuples from raw network-layer headers.
//
// Frames are read in place: nothing is allocated and no byte past the end of
// the frame is touched. Options and extension headers are not walked, the
// transport header is expected directly after the fixed network header.
package packet

import (
	"encoding/binary"

	"github.com/gopacket/gopacket/layers"

	"github.com/tcassar-diss/nethook/bpf"
)

const (
	IPv4HeaderLen = 20
	IPv6HeaderLen = 40
	UDPHeaderLen  = 8
	TCPHeaderLen  = 20
)

// Direction is the direction a frame travels relative to the local host.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}

	return "outbound"
}

// Result says how much of the tuple could be recovered.
type Result int

const (
	// Parsed means addresses, ports and protocol are all set.
	Parsed Result = iota
	// ProtocolOnly means only the protocol is set: the protocol is not TCP or
	// UDP, or the transport header is cut short.
	ProtocolOnly
	// Truncated means the frame is shorter than the fixed network header.
	Truncated
	// Unsupported means the ethertype is neither IPv4 nor IPv6.
	Unsupported
)

func (r Result) String() string {
	switch r {
	case Parsed:
		return "parsed"
	case ProtocolOnly:
		return "protocol-only"
	case Truncated:
		return "truncated"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// IsIPv4 reports whether etherType selects the IPv4 family.
func IsIPv4(etherType uint16) bool {
	return layers.EthernetType(etherType) == layers.EthernetTypeIPv4
}

// Extract parses frame as the network-layer payload of an ethernet frame with
// the given ethertype.
func Extract(etherType uint16, frame []byte, dir Direction) (bpf.FiveTuple, Result) {
	switch layers.EthernetType(etherType) {
	case layers.EthernetTypeIPv4:
		return ExtractIPv4(frame, dir)
	case layers.EthernetTypeIPv6:
		return ExtractIPv6(frame, dir)
	default:
		return bpf.FiveTuple{}, Unsupported
	}
}

// ExtractIPv4 parses an IPv4 header and the TCP or UDP ports following it.
// Inbound frames are swapped so that source is always the local end.
func ExtractIPv4(frame []byte, dir Direction) (bpf.FiveTuple, Result) {
	if len(frame) < IPv4HeaderLen {
		return bpf.FiveTuple{V4: true}, Truncated
	}

	t := bpf.FiveTuple{V4: true, Protocol: frame[9]}

	if !transportPorts(&t, frame[IPv4HeaderLen:]) {
		return t, ProtocolOnly
	}

	for i := 0; i < 4; i++ {
		t.SourceIP[i] = frame[15-i]
		t.DestIP[i] = frame[19-i]
	}

	if dir == Inbound {
		t = t.Reverse()
	}

	return t, Parsed
}

// ExtractIPv6 parses an IPv6 fixed header and the TCP or UDP ports directly
// after it.
func ExtractIPv6(frame []byte, dir Direction) (bpf.FiveTuple, Result) {
	if len(frame) < IPv6HeaderLen {
		return bpf.FiveTuple{}, Truncated
	}

	t := bpf.FiveTuple{Protocol: frame[6]}

	if !transportPorts(&t, frame[IPv6HeaderLen:]) {
		return t, ProtocolOnly
	}

	for i := 0; i < 16; i++ {
		t.SourceIP[i] = frame[23-i]
		t.DestIP[i] = frame[39-i]
	}

	if dir == Inbound {
		t = t.Reverse()
	}

	return t, Parsed
}

// transportPorts fills the ports when the protocol is TCP or UDP and its
// header fits in rest.
func transportPorts(t *bpf.FiveTuple, rest []byte) bool {
	switch layers.IPProtocol(t.Protocol) {
	case layers.IPProtocolUDP:
		if len(rest) < UDPHeaderLen {
			return false
		}
	case layers.IPProtocolTCP:
		if len(rest) < TCPHeaderLen {
			return false
		}
	default:
		return false
	}

	t.SourcePort = binary.BigEndian.Uint16(rest[0:2])
	t.DestPort = binary.BigEndian.Uint16(rest[2:4])

	return true
}
