package netext

import (
	"encoding/binary"
	"net/netip"

	"github.com/gopacket/gopacket/layers"

	"github.com/tcassar-diss/nethook/bpf"
	"github.com/tcassar-diss/nethook/bpf/packet"
	"github.com/tcassar-diss/nethook/wfp"
)

// classifier builds the classify function of one callout. Every event gets
// permit unless the program ran and its result maps to something else. An
// event without incoming values is skipped before the provider is entered.
func (e *Extension) classifier(d *CalloutDescriptor, s layerStrategy) wfp.ClassifyFn {
	return func(req *wfp.ClassifyRequest, out *wfp.ClassifyOut) {
		out.Action = wfp.ActionPermit
		d.counters.classified.Add(1)

		if req == nil || req.Values == nil {
			d.counters.skipped.Add(1)
			e.logger.Debugw("skipping classify without incoming values", "callout", d.Name)

			return
		}

		reg := e.provider(s.hook)
		if !reg.Enter() {
			d.counters.skipped.Add(1)
			return
		}
		defer reg.Leave()

		ctx, ok := s.build(e, req)
		if !ok {
			d.counters.skipped.Add(1)
			return
		}

		result, err := reg.Invoke(ctx)
		if err != nil {
			e.logger.Debugw("program invocation failed", "callout", d.Name, "err", err)
		}

		out.Action = s.verdict(result, err)
		if out.Action == wfp.ActionBlock {
			d.counters.blocked.Add(1)
		}
	}
}

func permitVerdict(uint32, error) wfp.Action {
	return wfp.ActionPermit
}

func bindVerdict(result uint32, err error) wfp.Action {
	if err == nil && bpf.BindAction(result) == bpf.BindDeny {
		return wfp.ActionBlock
	}

	return wfp.ActionPermit
}

func xdpVerdict(result uint32, err error) wfp.Action {
	if err == nil && bpf.XdpAction(result) == bpf.XdpDrop {
		return wfp.ActionBlock
	}

	return wfp.ActionPermit
}

type bindFields struct {
	appID, localAddress, localPort, protocol int
}

var (
	resourceAssignmentFields = bindFields{
		appID:        wfp.FieldResourceAssignmentV4AppID,
		localAddress: wfp.FieldResourceAssignmentV4LocalAddress,
		localPort:    wfp.FieldResourceAssignmentV4LocalPort,
		protocol:     wfp.FieldResourceAssignmentV4Protocol,
	}
	resourceReleaseFields = bindFields{
		appID:        wfp.FieldResourceReleaseV4AppID,
		localAddress: wfp.FieldResourceReleaseV4LocalAddress,
		localPort:    wfp.FieldResourceReleaseV4LocalPort,
		protocol:     wfp.FieldResourceReleaseV4Protocol,
	}
)

func (e *Extension) buildResourceAllocation(req *wfp.ClassifyRequest) (bpf.Context, bool) {
	return buildBind(req, resourceAssignmentFields, bpf.BindOperationBind), true
}

func (e *Extension) buildResourceRelease(req *wfp.ClassifyRequest) (bpf.Context, bool) {
	return buildBind(req, resourceReleaseFields, bpf.BindOperationUnbind), true
}

// buildBind fills a bind context from the event. Missing fields are left
// zero.
func buildBind(req *wfp.ClassifyRequest, f bindFields, op bpf.BindOperation) *bpf.BindMD {
	iv := req.Values
	md := &bpf.BindMD{Operation: op}

	if req.Metadata.IsPresent(wfp.MetadataFieldProcessID) {
		md.ProcessID = req.Metadata.ProcessID
	}

	port, _ := iv.Uint16(f.localPort)
	addr, _ := iv.Uint32(f.localAddress)
	md.SetSocketAddressV4(netip.AddrPortFrom(addrFromHost(addr), port))

	md.Protocol, _ = iv.Uint8(f.protocol)

	appID, _ := iv.ByteBlob(f.appID)
	md.AppID = truncateAppID(appID)

	return md
}

func addrFromHost(v uint32) netip.Addr {
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], v)

	return netip.AddrFrom4(a)
}

type flowFields struct {
	appID, protocol           int
	localAddress, localPort   int
	remoteAddress, remotePort int
}

var (
	flowEstablishedV4Fields = flowFields{
		appID:         wfp.FieldFlowEstablishedV4AppID,
		protocol:      wfp.FieldFlowEstablishedV4Protocol,
		localAddress:  wfp.FieldFlowEstablishedV4LocalAddress,
		localPort:     wfp.FieldFlowEstablishedV4LocalPort,
		remoteAddress: wfp.FieldFlowEstablishedV4RemoteAddress,
		remotePort:    wfp.FieldFlowEstablishedV4RemotePort,
	}
	flowEstablishedV6Fields = flowFields{
		appID:         wfp.FieldFlowEstablishedV6AppID,
		protocol:      wfp.FieldFlowEstablishedV6Protocol,
		localAddress:  wfp.FieldFlowEstablishedV6LocalAddress,
		localPort:     wfp.FieldFlowEstablishedV6LocalPort,
		remoteAddress: wfp.FieldFlowEstablishedV6RemoteAddress,
		remotePort:    wfp.FieldFlowEstablishedV6RemotePort,
	}
)

func (e *Extension) buildFlowEstablishedV4(req *wfp.ClassifyRequest) (bpf.Context, bool) {
	return e.buildFlowEstablished(req, flowEstablishedV4Fields, true), true
}

func (e *Extension) buildFlowEstablishedV6(req *wfp.ClassifyRequest) (bpf.Context, bool) {
	return e.buildFlowEstablished(req, flowEstablishedV6Fields, false), true
}

// buildFlowEstablished reads the tuple from the event's connection fields,
// associates a flow context when the event carries a flow handle, and builds
// the flow context record. The tuple keeps the orientation of the MAC layers:
// source is the local end and addresses are stored reversed.
func (e *Extension) buildFlowEstablished(req *wfp.ClassifyRequest, f flowFields, v4 bool) *bpf.FlowMD {
	iv := req.Values
	tuple := bpf.FiveTuple{V4: v4}
	tuple.Protocol, _ = iv.Uint8(f.protocol)

	if isTransport(tuple.Protocol) {
		tuple.SourcePort, _ = iv.Uint16(f.localPort)
		tuple.DestPort, _ = iv.Uint16(f.remotePort)

		if v4 {
			local, _ := iv.Uint32(f.localAddress)
			remote, _ := iv.Uint32(f.remoteAddress)
			binary.LittleEndian.PutUint32(tuple.SourceIP[:4], local)
			binary.LittleEndian.PutUint32(tuple.DestIP[:4], remote)
		} else {
			local, _ := iv.ByteArray16(f.localAddress)
			remote, _ := iv.ByteArray16(f.remoteAddress)
			tuple.SourceIP = reverse16(local)
			tuple.DestIP = reverse16(remote)
		}
	}

	if req.Metadata.IsPresent(wfp.MetadataFieldFlowHandle) {
		e.associateFlow(req, tuple)
	}

	appName, _ := iv.ByteBlob(f.appID)

	return &bpf.FlowMD{
		AppName:     truncateAppID(appName),
		Established: true,
		Tuple:       tuple,
	}
}

func isTransport(protocol uint8) bool {
	p := layers.IPProtocol(protocol)
	return p == layers.IPProtocolTCP || p == layers.IPProtocolUDP
}

func reverse16(b [16]byte) [16]byte {
	for i, j := 0, 15; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}

	return b
}

func (e *Extension) buildInboundMAC(req *wfp.ClassifyRequest) (bpf.Context, bool) {
	return e.buildMAC(req, packet.Inbound)
}

func (e *Extension) buildOutboundMAC(req *wfp.ClassifyRequest) (bpf.Context, bool) {
	return e.buildMAC(req, packet.Outbound)
}

// buildMAC parses the first segment of the frame. A frame too short for its
// headers still produces a context, with whatever could be read; only a
// missing frame skips the invocation.
func (e *Extension) buildMAC(req *wfp.ClassifyRequest, dir packet.Direction) (bpf.Context, bool) {
	nbl, ok := req.LayerData.(*wfp.NetBufferList)
	if !ok || nbl == nil || nbl.First == nil {
		e.logger.Debugw("mac event without a frame", "direction", dir.String())
		return nil, false
	}

	etherType, _ := req.Values.Uint16(wfp.FieldMACFrameEtherType)

	tuple, res := packet.Extract(etherType, nbl.First.Data, dir)
	if res == packet.Truncated || res == packet.Unsupported {
		e.logger.Debugw("frame headers not parsed",
			"direction", dir.String(),
			"ether-type", etherType,
			"result", res.String(),
		)
	}

	return &bpf.MacMD{
		Tuple:        tuple,
		PacketLength: nbl.TotalLength(),
		V4:           packet.IsIPv4(etherType),
	}, true
}

func (e *Extension) buildXDP(req *wfp.ClassifyRequest) (bpf.Context, bool) {
	nbl, ok := req.LayerData.(*wfp.NetBufferList)
	if !ok || nbl == nil || nbl.First == nil {
		return nil, false
	}

	return &bpf.XdpMD{Data: nbl.First.Data}, true
}

// truncateAppID trims a UTF-16LE path to its last component. The result
// aliases appID. Input without a backslash is returned unchanged.
func truncateAppID(appID []byte) []byte {
	last := -1

	for i := 0; i+1 < len(appID); i += 2 {
		if binary.LittleEndian.Uint16(appID[i:]) == '\\' {
			last = i
		}
	}

	if last < 0 {
		return appID
	}

	return appID[last+2:]
}
