package bpf

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiveTuple_AddrPorts(t *testing.T) {
	tests := []struct {
		name     string
		src, dst string
		wantSrc  [16]byte
	}{
		{
			name:    "v4 stored reversed in the low bytes",
			src:     "10.0.0.1:443",
			dst:     "10.0.0.2:51000",
			wantSrc: [16]byte{1, 0, 0, 10},
		},
		{
			name:    "v6 stored fully reversed",
			src:     "[2001:db8::1]:53",
			dst:     "[2001:db8::2]:5353",
			wantSrc: [16]byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xb8, 0x0d, 0x01, 0x20},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := netip.MustParseAddrPort(tt.src)
			dst := netip.MustParseAddrPort(tt.dst)

			tuple := TupleFromAddrPorts(6, src, dst)

			assert.Equal(t, src.Addr().Is4(), tuple.V4)
			assert.Equal(t, tt.wantSrc, tuple.SourceIP)
			assert.Equal(t, src, tuple.Source())
			assert.Equal(t, dst, tuple.Dest())

			rev := tuple.Reverse()
			assert.Equal(t, dst, rev.Source())
			assert.Equal(t, src, rev.Dest())
			assert.Equal(t, tuple, rev.Reverse())
		})
	}
}

func TestContext_MarshalBinary(t *testing.T) {
	appID := []byte("f\x00o\x00o\x00")

	tests := []struct {
		name     string
		ctx      Context
		size     int
		spanSize int
	}{
		{name: "xdp", ctx: &XdpMD{Data: make([]byte, 60)}, size: xdpMDSize, spanSize: 60},
		{name: "bind", ctx: &BindMD{AppID: appID}, size: bindMDSize, spanSize: len(appID)},
		{name: "flow", ctx: &FlowMD{AppName: appID, Established: true}, size: flowMDSize, spanSize: len(appID)},
		{name: "flow deleted", ctx: &FlowMD{}, size: flowMDSize},
		{name: "mac", ctx: &MacMD{PacketLength: 1500, V4: true}, size: macMDSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.ctx.MarshalBinary()
			require.NoError(t, err)
			assert.Len(t, b, tt.size+tt.spanSize)

			info, err := DefaultProgramInfo(tt.ctx.ProgramType())
			require.NoError(t, err)
			assert.Equal(t, tt.size, info.Context.Size)

			if info.Context.DataOffset < 0 {
				return
			}

			start := binary.LittleEndian.Uint64(b[info.Context.DataOffset:])
			end := binary.LittleEndian.Uint64(b[info.Context.EndOffset:])
			assert.LessOrEqual(t, start, end)
			assert.Equal(t, uint64(tt.spanSize), end-start)
		})
	}
}

func TestBindMD_SocketAddress(t *testing.T) {
	addr := netip.MustParseAddrPort("192.168.1.20:8080")

	var md BindMD
	md.SetSocketAddressV4(addr)

	assert.Equal(t, uint8(16), md.SocketAddressLength)
	assert.Equal(t, []byte{0x1f, 0x90}, md.SocketAddress[2:4])
	assert.Equal(t, []byte{192, 168, 1, 20}, md.SocketAddress[4:8])
	assert.Equal(t, addr, md.SocketAddrPort())
}

func TestParseProgramType(t *testing.T) {
	for _, name := range []string{"xdp", "bind", "flow", "mac"} {
		pt, err := ParseProgramType(name)
		require.NoError(t, err)
		assert.Equal(t, name, pt.String())
	}

	_, err := ParseProgramType("sock_ops")
	assert.Error(t, err)
}
