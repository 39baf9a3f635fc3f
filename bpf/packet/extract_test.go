package packet

import (
	"net"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcassar-diss/nethook/bpf"
)

// buildFrame serialises a network header plus transport header and returns
// the bytes starting at the network header.
func buildFrame(t *testing.T, proto layers.IPProtocol, src, dst netip.AddrPort) []byte {
	t.Helper()

	var (
		network  gopacket.SerializableLayer
		netLayer gopacket.NetworkLayer
	)

	if src.Addr().Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    net.IP(src.Addr().AsSlice()),
			DstIP:    net.IP(dst.Addr().AsSlice()),
		}
		network, netLayer = ip, ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      net.IP(src.Addr().AsSlice()),
			DstIP:      net.IP(dst.Addr().AsSlice()),
		}
		network, netLayer = ip, ip
	}

	var transport gopacket.SerializableLayer

	switch proto {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{SrcPort: layers.TCPPort(src.Port()), DstPort: layers.TCPPort(dst.Port()), SYN: true, Window: 1024}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(netLayer))
		transport = tcp
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
		require.NoError(t, udp.SetNetworkLayerForChecksum(netLayer))
		transport = udp
	default:
		transport = gopacket.Payload([]byte{0x08, 0x00, 0xf7, 0xff, 0, 0, 0, 0})
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, network, transport))

	return buf.Bytes()
}

func TestExtractScenarioIPv4TCP(t *testing.T) {
	local := netip.MustParseAddrPort("10.0.0.1:443")
	remote := netip.MustParseAddrPort("10.0.0.2:51000")

	frame := buildFrame(t, layers.IPProtocolTCP, local, remote)

	out, res := Extract(uint16(layers.EthernetTypeIPv4), frame, Outbound)
	require.Equal(t, Parsed, res)
	assert.True(t, out.V4)
	assert.Equal(t, uint8(layers.IPProtocolTCP), out.Protocol)
	assert.Equal(t, local, out.Source())
	assert.Equal(t, remote, out.Dest())
	assert.Equal(t, [16]byte{1, 0, 0, 10}, out.SourceIP)

	in, res := Extract(uint16(layers.EthernetTypeIPv4), frame, Inbound)
	require.Equal(t, Parsed, res)
	assert.Equal(t, remote, in.Source())
	assert.Equal(t, local, in.Dest())
}

func TestExtractInboundIsSwapOfOutbound(t *testing.T) {
	tests := []struct {
		name  string
		proto layers.IPProtocol
		src   string
		dst   string
	}{
		{name: "v4 tcp", proto: layers.IPProtocolTCP, src: "192.168.1.10:40000", dst: "93.184.216.34:80"},
		{name: "v4 udp", proto: layers.IPProtocolUDP, src: "10.1.1.1:5353", dst: "224.0.0.251:5353"},
		{name: "v6 tcp", proto: layers.IPProtocolTCP, src: "[2001:db8::1]:51000", dst: "[2001:db8::2]:443"},
		{name: "v6 udp", proto: layers.IPProtocolUDP, src: "[fe80::1]:546", dst: "[ff02::1:2]:547"},
		{name: "v4 icmp", proto: layers.IPProtocolICMPv4, src: "10.0.0.1:0", dst: "10.0.0.2:0"},
		{name: "v6 icmp", proto: layers.IPProtocolICMPv6, src: "[2001:db8::1]:0", dst: "[2001:db8::2]:0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := netip.MustParseAddrPort(tt.src)
			dst := netip.MustParseAddrPort(tt.dst)

			etherType := uint16(layers.EthernetTypeIPv6)
			if src.Addr().Is4() {
				etherType = uint16(layers.EthernetTypeIPv4)
			}

			frame := buildFrame(t, tt.proto, src, dst)
			reply := buildFrame(t, tt.proto, dst, src)

			out, outRes := Extract(etherType, frame, Outbound)
			in, inRes := Extract(etherType, frame, Inbound)
			assert.Equal(t, outRes, inRes)
			assert.Equal(t, out.Reverse(), in)

			// a reply arriving inbound normalises to the outbound orientation
			back, _ := Extract(etherType, reply, Inbound)
			assert.Equal(t, out, back)
		})
	}
}

func TestExtractProtocolOnly(t *testing.T) {
	frame := buildFrame(t, layers.IPProtocolICMPv4,
		netip.MustParseAddrPort("10.0.0.1:0"), netip.MustParseAddrPort("10.0.0.2:0"))

	tuple, res := ExtractIPv4(frame, Outbound)
	assert.Equal(t, ProtocolOnly, res)
	assert.Equal(t, bpf.FiveTuple{V4: true, Protocol: uint8(layers.IPProtocolICMPv4)}, tuple)
}

func TestExtractTruncated(t *testing.T) {
	v4 := buildFrame(t, layers.IPProtocolTCP,
		netip.MustParseAddrPort("10.0.0.1:443"), netip.MustParseAddrPort("10.0.0.2:51000"))
	v6 := buildFrame(t, layers.IPProtocolUDP,
		netip.MustParseAddrPort("[2001:db8::1]:53"), netip.MustParseAddrPort("[2001:db8::2]:5300"))

	tests := []struct {
		name    string
		extract func([]byte, Direction) (bpf.FiveTuple, Result)
		frame   []byte
		header  int
		trailer int
	}{
		{name: "v4 tcp", extract: ExtractIPv4, frame: v4, header: IPv4HeaderLen, trailer: TCPHeaderLen},
		{name: "v6 udp", extract: ExtractIPv6, frame: v6, header: IPv6HeaderLen, trailer: UDPHeaderLen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for n := 0; n <= len(tt.frame); n++ {
				// a capped slice makes any read past n panic
				frame := tt.frame[:n:n]

				tuple, res := tt.extract(frame, Outbound)

				switch {
				case n < tt.header:
					assert.Equal(t, Truncated, res, "len %d", n)
					assert.Zero(t, tuple.Protocol, "len %d", n)
					assert.Zero(t, tuple.SourcePort, "len %d", n)
				case n < tt.header+tt.trailer:
					assert.Equal(t, ProtocolOnly, res, "len %d", n)
					assert.Zero(t, tuple.SourcePort, "len %d", n)
					assert.Equal(t, [16]byte{}, tuple.SourceIP, "len %d", n)
				default:
					assert.Equal(t, Parsed, res, "len %d", n)
				}
			}
		})
	}
}

func TestExtractShortIPv6(t *testing.T) {
	tuple, res := Extract(uint16(layers.EthernetTypeIPv6), make([]byte, IPv6HeaderLen-1), Inbound)

	assert.Equal(t, Truncated, res)
	assert.Equal(t, bpf.FiveTuple{}, tuple)
}

func TestExtractUnsupportedEtherType(t *testing.T) {
	tuple, res := Extract(uint16(layers.EthernetTypeARP), make([]byte, 64), Outbound)

	assert.Equal(t, Unsupported, res)
	assert.Equal(t, bpf.FiveTuple{}, tuple)
	assert.False(t, IsIPv4(uint16(layers.EthernetTypeARP)))
	assert.True(t, IsIPv4(uint16(layers.EthernetTypeIPv4)))
}
