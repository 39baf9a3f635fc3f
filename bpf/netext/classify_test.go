package netext

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcassar-diss/nethook/bpf"
	"github.com/tcassar-diss/nethook/wfp"
)

const testAppPath = `\Device\HarddiskVolume1\Windows\System32\foo.exe`

func appID(t *testing.T, path string) []byte {
	t.Helper()

	b, err := bpf.EncodeAppID(path)
	require.NoError(t, err)

	return b
}

func hostOrder(addr netip.Addr) uint32 {
	a := addr.As4()
	return binary.BigEndian.Uint32(a[:])
}

func bindRequest(t *testing.T, layer wfp.Layer, f bindFields, local netip.AddrPort, pid uint64) *wfp.ClassifyRequest {
	t.Helper()

	values := wfp.NewIncomingValues(layer, wfp.FieldResourceAssignmentV4Max).
		Set(f.appID, wfp.ByteBlobValue(appID(t, testAppPath))).
		Set(f.localAddress, wfp.Uint32Value(hostOrder(local.Addr()))).
		Set(f.localPort, wfp.Uint16Value(local.Port())).
		Set(f.protocol, wfp.Uint8Value(uint8(layers.IPProtocolTCP)))

	return &wfp.ClassifyRequest{
		Values: values,
		Metadata: &wfp.IncomingMetadata{
			Fields:    wfp.MetadataFieldProcessID,
			ProcessID: pid,
		},
	}
}

// ipFrame serialises an IP header plus transport header, which is what a MAC
// layer net buffer holds.
func ipFrame(t *testing.T, proto layers.IPProtocol, src, dst netip.AddrPort) []byte {
	t.Helper()

	var (
		network  gopacket.SerializableLayer
		netLayer gopacket.NetworkLayer
	)

	if src.Addr().Is4() {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: proto,
			SrcIP: net.IP(src.Addr().AsSlice()), DstIP: net.IP(dst.Addr().AsSlice())}
		network, netLayer = ip, ip
	} else {
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto,
			SrcIP: net.IP(src.Addr().AsSlice()), DstIP: net.IP(dst.Addr().AsSlice())}
		network, netLayer = ip, ip
	}

	tcp := &layers.TCP{SrcPort: layers.TCPPort(src.Port()), DstPort: layers.TCPPort(dst.Port()), ACK: true, Window: 512}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(netLayer))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, network, tcp, gopacket.Payload("hello")))

	return buf.Bytes()
}

func macRequest(t *testing.T, nbl *wfp.NetBufferList) *wfp.ClassifyRequest {
	t.Helper()

	return macRequestFor(nbl, layers.EthernetTypeIPv4)
}

func macRequestFor(nbl *wfp.NetBufferList, etherType layers.EthernetType) *wfp.ClassifyRequest {
	values := wfp.NewIncomingValues(wfp.LayerOutboundMACFrameEthernet, wfp.FieldMACFrameMax).
		Set(wfp.FieldMACFrameEtherType, wfp.Uint16Value(uint16(etherType)))

	req := &wfp.ClassifyRequest{Values: values, Metadata: &wfp.IncomingMetadata{}}
	if nbl != nil {
		req.LayerData = nbl
	}

	return req
}

func TestBindVerdict(t *testing.T) {
	local := netip.MustParseAddrPort("192.168.1.20:8080")

	tests := []struct {
		name     string
		attach   bool
		ret      bpf.BindAction
		err      error
		expected wfp.Action
	}{
		{name: "permit", attach: true, ret: bpf.BindPermit, expected: wfp.ActionPermit},
		{name: "redirect", attach: true, ret: bpf.BindRedirect, expected: wfp.ActionPermit},
		{name: "deny", attach: true, ret: bpf.BindDeny, expected: wfp.ActionBlock},
		{name: "program failure", attach: true, ret: bpf.BindDeny, err: errInjected, expected: wfp.ActionPermit},
		{name: "no program", expected: wfp.ActionPermit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startedHarness(t, DefaultConfig())

			rec := &recorder{ret: uint32(tt.ret), err: tt.err}
			if tt.attach {
				h.attach(t, bpf.ProgramTypeBind, rec)
			}

			req := bindRequest(t, wfp.LayerALEResourceAssignmentV4, resourceAssignmentFields, local, 4242)
			got := h.fw.Classify(wfp.LayerALEResourceAssignmentV4, req)

			if got != tt.expected {
				t.Errorf("Classify() = %s, expected %s", got, tt.expected)
			}

			if !tt.attach {
				assert.Equal(t, LayerStats{Classified: 1, Skipped: 1}, h.ext.Stats().Layers[LayerBind])
				return
			}

			calls := rec.calls()
			require.Len(t, calls, 1)

			md, ok := calls[0].(*bpf.BindMD)
			require.True(t, ok)
			assert.Equal(t, bpf.BindOperationBind, md.Operation)
			assert.Equal(t, uint64(4242), md.ProcessID)
			assert.Equal(t, local, md.SocketAddrPort())
			assert.Equal(t, uint8(16), md.SocketAddressLength)
			assert.Equal(t, uint8(layers.IPProtocolTCP), md.Protocol)

			name, err := bpf.DecodeAppID(md.AppID)
			require.NoError(t, err)
			assert.Equal(t, "foo.exe", name)
		})
	}
}

func TestUnbindAlwaysPermits(t *testing.T) {
	h := startedHarness(t, DefaultConfig())

	rec := &recorder{ret: uint32(bpf.BindDeny)}
	h.attach(t, bpf.ProgramTypeBind, rec)

	local := netip.MustParseAddrPort("0.0.0.0:53")
	req := bindRequest(t, wfp.LayerALEResourceReleaseV4, resourceReleaseFields, local, 7)

	assert.Equal(t, wfp.ActionPermit, h.fw.Classify(wfp.LayerALEResourceReleaseV4, req))

	calls := rec.calls()
	require.Len(t, calls, 1)

	md := calls[0].(*bpf.BindMD)
	assert.Equal(t, bpf.BindOperationUnbind, md.Operation)
	assert.Equal(t, local, md.SocketAddrPort())
	assert.Equal(t, LayerStats{Classified: 1}, h.ext.Stats().Layers[LayerUnbind])
}

func TestBindWithoutProcessID(t *testing.T) {
	h := startedHarness(t, DefaultConfig())

	rec := &recorder{}
	h.attach(t, bpf.ProgramTypeBind, rec)

	req := bindRequest(t, wfp.LayerALEResourceAssignmentV4, resourceAssignmentFields,
		netip.MustParseAddrPort("10.1.1.1:9000"), 99)
	req.Metadata.Fields = 0

	h.fw.Classify(wfp.LayerALEResourceAssignmentV4, req)

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.Zero(t, calls[0].(*bpf.BindMD).ProcessID)
}

func TestTruncateAppID(t *testing.T) {
	tests := []struct {
		name     string
		in       []byte
		expected []byte
	}{
		{
			name:     "full path",
			in:       appID(t, testAppPath),
			expected: appID(t, "foo.exe"),
		},
		{
			name:     "no separator",
			in:       appID(t, "System"),
			expected: appID(t, "System"),
		},
		{
			name:     "trailing separator",
			in:       appID(t, `\Device\`),
			expected: []byte{},
		},
		{
			name:     "empty",
			in:       []byte{},
			expected: []byte{},
		},
		{
			name: "backslash byte inside a wider unit",
			// U+5C00 has 0x5c as its high byte and is not a separator
			in:       []byte{'a', 0, 0x00, 0x5c, 'b', 0},
			expected: []byte{'a', 0, 0x00, 0x5c, 'b', 0},
		},
		{
			name:     "odd length ignores the trailing byte",
			in:       []byte{'a', 0, '\\', 0, 'b', 0, 'c'},
			expected: []byte{'b', 0, 'c'},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncateAppID(tt.in))
		})
	}
}

func TestMACOutbound(t *testing.T) {
	h := startedHarness(t, DefaultConfig())

	rec := &recorder{}
	h.attach(t, bpf.ProgramTypeMAC, rec)

	src := netip.MustParseAddrPort("10.0.0.1:443")
	dst := netip.MustParseAddrPort("10.0.0.2:51000")
	frame := ipFrame(t, layers.IPProtocolTCP, src, dst)

	// only the first segment is parsed but every segment is counted
	nbl := wfp.NewNetBufferList(frame, make([]byte, 100), make([]byte, 7))

	assert.Equal(t, wfp.ActionPermit, h.fw.Classify(wfp.LayerOutboundMACFrameEthernet, macRequest(t, nbl)))

	calls := rec.calls()
	require.Len(t, calls, 1)

	md := calls[0].(*bpf.MacMD)
	assert.True(t, md.V4)
	assert.Equal(t, uint64(len(frame)+107), md.PacketLength)
	assert.Equal(t, bpf.TupleFromAddrPorts(uint8(layers.IPProtocolTCP), src, dst), md.Tuple)
	assert.Equal(t, src, md.Tuple.Source())
	assert.Equal(t, dst, md.Tuple.Dest())
}

func TestMACInboundNormalisesDirection(t *testing.T) {
	h := startedHarness(t, DefaultConfig())

	rec := &recorder{}
	h.attach(t, bpf.ProgramTypeMAC, rec)

	local := netip.MustParseAddrPort("[2001:db8::1]:443")
	remote := netip.MustParseAddrPort("[2001:db8::2]:51000")

	out := ipFrame(t, layers.IPProtocolTCP, local, remote)
	reply := ipFrame(t, layers.IPProtocolTCP, remote, local)

	h.fw.Classify(wfp.LayerOutboundMACFrameEthernet,
		macRequestFor(wfp.NewNetBufferList(out), layers.EthernetTypeIPv6))
	h.fw.Classify(wfp.LayerInboundMACFrameEthernet,
		macRequestFor(wfp.NewNetBufferList(reply), layers.EthernetTypeIPv6))
	h.fw.Classify(wfp.LayerInboundMACFrameEthernet,
		macRequestFor(wfp.NewNetBufferList(out), layers.EthernetTypeIPv6))

	calls := rec.calls()
	require.Len(t, calls, 3)

	sent := calls[0].(*bpf.MacMD)
	received := calls[1].(*bpf.MacMD)
	swapped := calls[2].(*bpf.MacMD)

	assert.False(t, sent.V4)
	assert.False(t, sent.Tuple.V4)
	assert.Equal(t, sent.Tuple, received.Tuple)
	assert.Equal(t, sent.Tuple.Reverse(), swapped.Tuple)
}

func TestMACShortFrames(t *testing.T) {
	tests := []struct {
		name      string
		etherType layers.EthernetType
		frame     []byte
		v4        bool
	}{
		{name: "short ipv4", etherType: layers.EthernetTypeIPv4, frame: make([]byte, 12), v4: true},
		{name: "short ipv6", etherType: layers.EthernetTypeIPv6, frame: make([]byte, 10)},
		{name: "arp", etherType: layers.EthernetTypeARP, frame: make([]byte, 28)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startedHarness(t, DefaultConfig())

			rec := &recorder{}
			h.attach(t, bpf.ProgramTypeMAC, rec)

			req := macRequestFor(wfp.NewNetBufferList(tt.frame), tt.etherType)
			assert.Equal(t, wfp.ActionPermit, h.fw.Classify(wfp.LayerOutboundMACFrameEthernet, req))

			calls := rec.calls()
			require.Len(t, calls, 1)

			md := calls[0].(*bpf.MacMD)
			assert.Equal(t, tt.v4, md.V4)
			assert.Equal(t, uint64(len(tt.frame)), md.PacketLength)
			assert.Zero(t, md.Tuple.SourcePort)
			assert.Zero(t, md.Tuple.DestPort)
			assert.Zero(t, md.Tuple.Protocol)
		})
	}
}

func TestMACWithoutFrameSkips(t *testing.T) {
	h := startedHarness(t, DefaultConfig())

	rec := &recorder{}
	h.attach(t, bpf.ProgramTypeMAC, rec)

	assert.Equal(t, wfp.ActionPermit, h.fw.Classify(wfp.LayerOutboundMACFrameEthernet, macRequest(t, nil)))
	assert.Equal(t, wfp.ActionPermit, h.fw.Classify(wfp.LayerOutboundMACFrameEthernet, macRequest(t, &wfp.NetBufferList{})))

	assert.Empty(t, rec.calls())
	assert.Equal(t, LayerStats{Classified: 2, Skipped: 2}, h.ext.Stats().Layers[LayerMACOutbound])
}

func TestMACResultIgnored(t *testing.T) {
	h := startedHarness(t, DefaultConfig())

	h.attach(t, bpf.ProgramTypeMAC, &recorder{ret: uint32(bpf.XdpDrop)})

	frame := ipFrame(t, layers.IPProtocolTCP,
		netip.MustParseAddrPort("10.0.0.1:1"), netip.MustParseAddrPort("10.0.0.2:2"))

	assert.Equal(t, wfp.ActionPermit,
		h.fw.Classify(wfp.LayerInboundMACFrameEthernet, macRequest(t, wfp.NewNetBufferList(frame))))
}

func TestXDPVerdict(t *testing.T) {
	tests := []struct {
		name     string
		ret      bpf.XdpAction
		err      error
		expected wfp.Action
	}{
		{name: "pass", ret: bpf.XdpPass, expected: wfp.ActionPermit},
		{name: "drop", ret: bpf.XdpDrop, expected: wfp.ActionBlock},
		{name: "drop with failure", ret: bpf.XdpDrop, err: errInjected, expected: wfp.ActionPermit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startedHarness(t, &Config{EnableXDPLayer: true, MaxFlowContexts: 16})

			xdp := &recorder{ret: uint32(tt.ret), err: tt.err}
			mac := &recorder{}
			h.attach(t, bpf.ProgramTypeXDP, xdp)
			h.attach(t, bpf.ProgramTypeMAC, mac)

			frame := ipFrame(t, layers.IPProtocolTCP,
				netip.MustParseAddrPort("10.0.0.2:80"), netip.MustParseAddrPort("10.0.0.1:3000"))

			got := h.fw.Classify(wfp.LayerInboundMACFrameEthernet, macRequest(t, wfp.NewNetBufferList(frame)))
			assert.Equal(t, tt.expected, got)

			calls := xdp.calls()
			require.Len(t, calls, 1)
			assert.Equal(t, frame, calls[0].(*bpf.XdpMD).Data)

			// the MAC callout on the same layer sees the frame too
			assert.Len(t, mac.calls(), 1)
		})
	}
}

func TestClassifyAfterUnregisterProviders(t *testing.T) {
	h := startedHarness(t, DefaultConfig())

	rec := &recorder{ret: uint32(bpf.BindDeny)}
	h.attach(t, bpf.ProgramTypeBind, rec)

	require.NoError(t, h.ext.UnregisterProviders())

	d, ok := h.ext.Callout(wfp.LayerALEResourceAssignmentV4.Key)
	require.True(t, ok)

	req := bindRequest(t, wfp.LayerALEResourceAssignmentV4, resourceAssignmentFields,
		netip.MustParseAddrPort("10.0.0.1:80"), 1)
	out := &wfp.ClassifyOut{}
	d.Classify(req, out)

	assert.Equal(t, wfp.ActionPermit, out.Action)
	assert.Empty(t, rec.calls())
}
