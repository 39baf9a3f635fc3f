package frontend

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tcassar-diss/nethook/bpf"
	"github.com/tcassar-diss/nethook/wfp"
	"github.com/tcassar-diss/nethook/wfp/sim"
)

var ErrUnsupportedLinkType = errors.New("unsupported link type")

// ReplayStats counts what a replay delivered to the framework.
type ReplayStats struct {
	Packets      uint64 `json:"packets"`
	Outbound     uint64 `json:"outbound"`
	Inbound      uint64 `json:"inbound"`
	Blocked      uint64 `json:"blocked"`
	Undecodable  uint64 `json:"undecodable"`
	Flows        uint64 `json:"flows"`
	FlowsClosed  uint64 `json:"flows_closed"`
	Binds        uint64 `json:"binds"`
	BindsBlocked uint64 `json:"binds_blocked"`
}

func (s *ReplayStats) add(o *ReplayStats) {
	s.Packets += o.Packets
	s.Outbound += o.Outbound
	s.Inbound += o.Inbound
	s.Blocked += o.Blocked
	s.Undecodable += o.Undecodable
	s.Flows += o.Flows
	s.FlowsClosed += o.FlowsClosed
	s.Binds += o.Binds
	s.BindsBlocked += o.BindsBlocked
}

// flowKey is a transport flow in local to remote orientation.
type flowKey struct {
	protocol layers.IPProtocol
	local    netip.AddrPort
	remote   netip.AddrPort
}

type replayFlow struct {
	handle uint64
	bound  bool
}

// Replayer feeds captured ethernet frames through the MAC layers of a
// framework. For every TCP or UDP flow it also synthesises the events the
// framework would raise around the frames: a port assignment and a flow
// establishment on the first packet, the flow deletion and port release on
// FIN, RST or the end of the capture.
//
// A Replayer is not safe for concurrent use; replay concurrently with one
// Replayer per capture.
type Replayer struct {
	logger   *zap.SugaredLogger
	fw       *sim.Framework
	prefixes []netip.Prefix
	appID    []byte

	// learned from the first IP packet when no prefixes are configured
	local netip.Addr
	flows map[flowKey]*replayFlow
	stats ReplayStats
}

func NewReplayer(logger *zap.SugaredLogger, fw *sim.Framework, cfg ReplayCfg) (*Replayer, error) {
	prefixes, err := cfg.prefixes()
	if err != nil {
		return nil, err
	}

	appID, err := bpf.EncodeAppID(cfg.AppID)
	if err != nil {
		return nil, err
	}

	return &Replayer{
		logger:   logger,
		fw:       fw,
		prefixes: prefixes,
		appID:    appID,
		flows:    make(map[flowKey]*replayFlow),
	}, nil
}

// Replay reads a pcap capture from src to its end. Flows still open at the
// end are deleted.
func (r *Replayer) Replay(ctx context.Context, src io.Reader) (*ReplayStats, error) {
	reader, err := pcapgo.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}

	if lt := reader.LinkType(); lt != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLinkType, lt)
	}

	err = r.readPackets(ctx, reader)

	// flows still open when the capture ends or the replay stops are deleted
	r.closeAll()

	if err != nil {
		return nil, err
	}

	stats := r.stats

	return &stats, nil
}

func (r *Replayer) readPackets(ctx context.Context, reader *pcapgo.Reader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, _, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}

		r.packet(data)
	}
}

func (r *Replayer) packet(data []byte) {
	r.stats.Packets++

	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		r.stats.Undecodable++
		r.logger.Debugw("skipping undecodable frame", "length", len(data))

		return
	}

	key, fin, isTransport := r.flowOf(pkt)

	outbound := true
	if src, ok := sourceAddr(pkt); ok {
		outbound = r.isLocal(src)
	}

	var f *replayFlow
	if isTransport {
		f = r.openFlow(key)
	}

	layer := wfp.LayerOutboundMACFrameEthernet
	if outbound {
		r.stats.Outbound++
	} else {
		layer = wfp.LayerInboundMACFrameEthernet
		r.stats.Inbound++
	}

	req := &wfp.ClassifyRequest{
		Values: wfp.NewIncomingValues(layer, wfp.FieldMACFrameMax).
			Set(wfp.FieldMACFrameEtherType, wfp.Uint16Value(uint16(eth.EthernetType))),
		Metadata:  &wfp.IncomingMetadata{},
		LayerData: wfp.NewNetBufferList(eth.Payload),
	}

	if r.fw.Classify(layer, req) == wfp.ActionBlock {
		r.stats.Blocked++
	}

	if f != nil && fin {
		r.closeFlow(key, f)
	}
}

func sourceAddr(pkt gopacket.Packet) (netip.Addr, bool) {
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		return netip.AddrFromSlice(ip.SrcIP.To4())
	case *layers.IPv6:
		return netip.AddrFromSlice(ip.SrcIP)
	default:
		return netip.Addr{}, false
	}
}

// flowOf returns the packet's flow in local to remote orientation, and
// whether the packet ends it.
func (r *Replayer) flowOf(pkt gopacket.Packet) (flowKey, bool, bool) {
	var (
		src, dst netip.Addr
		ok       bool
	)

	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		dst, ok = netip.AddrFromSlice(ip.DstIP.To4())
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, ok = netip.AddrFromSlice(ip.DstIP)
	}

	if !ok {
		return flowKey{}, false, false
	}

	var (
		key      flowKey
		sp, dp   uint16
		finished bool
	)

	switch t := pkt.TransportLayer().(type) {
	case *layers.TCP:
		key.protocol = layers.IPProtocolTCP
		sp, dp = uint16(t.SrcPort), uint16(t.DstPort)
		finished = t.FIN || t.RST
	case *layers.UDP:
		key.protocol = layers.IPProtocolUDP
		sp, dp = uint16(t.SrcPort), uint16(t.DstPort)
	default:
		return flowKey{}, false, false
	}

	key.local = netip.AddrPortFrom(src, sp)
	key.remote = netip.AddrPortFrom(dst, dp)

	if !r.isLocal(src) {
		key.local, key.remote = key.remote, key.local
	}

	return key, finished, true
}

func (r *Replayer) isLocal(addr netip.Addr) bool {
	if len(r.prefixes) > 0 {
		for _, p := range r.prefixes {
			if p.Contains(addr) {
				return true
			}
		}

		return false
	}

	if !r.local.IsValid() {
		r.local = addr
	}

	return addr == r.local
}

// openFlow returns the flow for key, raising the port assignment and flow
// establishment events when it is new.
func (r *Replayer) openFlow(key flowKey) *replayFlow {
	if f, ok := r.flows[key]; ok {
		return f
	}

	f := &replayFlow{}
	v4 := key.local.Addr().Is4()

	if v4 {
		r.stats.Binds++
		f.bound = true

		if r.fw.Classify(wfp.LayerALEResourceAssignmentV4, r.bindRequest(key, true)) == wfp.ActionBlock {
			r.stats.BindsBlocked++
			r.logger.Debugw("replayed bind blocked", "local", key.local.String())

			// the socket never got its port, so no flow follows
			f.bound = false
			r.flows[key] = f

			return f
		}
	}

	layer := wfp.LayerALEFlowEstablishedV4
	if !v4 {
		layer = wfp.LayerALEFlowEstablishedV6
	}

	f.handle = r.fw.OpenFlow(layer)
	r.flows[key] = f
	r.stats.Flows++

	r.fw.Classify(layer, r.flowRequest(layer, key, f.handle))

	return f
}

func (r *Replayer) closeFlow(key flowKey, f *replayFlow) {
	delete(r.flows, key)

	if f.handle != 0 {
		if err := r.fw.DeleteFlow(f.handle); err != nil {
			r.logger.Debugw("failed to delete replayed flow", "err", err)
		}

		r.stats.FlowsClosed++
	}

	if f.bound {
		r.fw.Classify(wfp.LayerALEResourceReleaseV4, r.bindRequest(key, false))
	}
}

func (r *Replayer) closeAll() {
	for key, f := range r.flows {
		r.closeFlow(key, f)
	}
}

func hostOrder(addr netip.Addr) uint32 {
	a := addr.As4()
	return binary.BigEndian.Uint32(a[:])
}

func (r *Replayer) bindRequest(key flowKey, assign bool) *wfp.ClassifyRequest {
	layer := wfp.LayerALEResourceAssignmentV4
	appID, addr, port, proto := wfp.FieldResourceAssignmentV4AppID, wfp.FieldResourceAssignmentV4LocalAddress,
		wfp.FieldResourceAssignmentV4LocalPort, wfp.FieldResourceAssignmentV4Protocol

	if !assign {
		layer = wfp.LayerALEResourceReleaseV4
		appID, addr, port, proto = wfp.FieldResourceReleaseV4AppID, wfp.FieldResourceReleaseV4LocalAddress,
			wfp.FieldResourceReleaseV4LocalPort, wfp.FieldResourceReleaseV4Protocol
	}

	values := wfp.NewIncomingValues(layer, wfp.FieldResourceAssignmentV4Max).
		Set(appID, wfp.ByteBlobValue(r.appID)).
		Set(addr, wfp.Uint32Value(hostOrder(key.local.Addr()))).
		Set(port, wfp.Uint16Value(key.local.Port())).
		Set(proto, wfp.Uint8Value(uint8(key.protocol)))

	return &wfp.ClassifyRequest{Values: values, Metadata: &wfp.IncomingMetadata{}}
}

func (r *Replayer) flowRequest(layer wfp.Layer, key flowKey, handle uint64) *wfp.ClassifyRequest {
	values := wfp.NewIncomingValues(layer, wfp.FieldFlowEstablishedV4Max)

	if layer == wfp.LayerALEFlowEstablishedV4 {
		values.Set(wfp.FieldFlowEstablishedV4AppID, wfp.ByteBlobValue(r.appID)).
			Set(wfp.FieldFlowEstablishedV4Protocol, wfp.Uint8Value(uint8(key.protocol))).
			Set(wfp.FieldFlowEstablishedV4LocalAddress, wfp.Uint32Value(hostOrder(key.local.Addr()))).
			Set(wfp.FieldFlowEstablishedV4LocalPort, wfp.Uint16Value(key.local.Port())).
			Set(wfp.FieldFlowEstablishedV4RemoteAddress, wfp.Uint32Value(hostOrder(key.remote.Addr()))).
			Set(wfp.FieldFlowEstablishedV4RemotePort, wfp.Uint16Value(key.remote.Port()))
	} else {
		values.Set(wfp.FieldFlowEstablishedV6AppID, wfp.ByteBlobValue(r.appID)).
			Set(wfp.FieldFlowEstablishedV6Protocol, wfp.Uint8Value(uint8(key.protocol))).
			Set(wfp.FieldFlowEstablishedV6LocalAddress, wfp.ByteArray16Value(key.local.Addr().As16())).
			Set(wfp.FieldFlowEstablishedV6LocalPort, wfp.Uint16Value(key.local.Port())).
			Set(wfp.FieldFlowEstablishedV6RemoteAddress, wfp.ByteArray16Value(key.remote.Addr().As16())).
			Set(wfp.FieldFlowEstablishedV6RemotePort, wfp.Uint16Value(key.remote.Port()))
	}

	return &wfp.ClassifyRequest{
		Values: values,
		Metadata: &wfp.IncomingMetadata{
			Fields:     wfp.MetadataFieldFlowHandle,
			FlowHandle: handle,
		},
	}
}

// ReplayFiles replays each capture concurrently into the runtime's framework
// and returns per-file stats in the order of paths.
func ReplayFiles(ctx context.Context, rt *Runtime, paths []string) ([]*ReplayStats, error) {
	results := make([]*ReplayStats, len(paths))

	eg, ctx := errgroup.WithContext(ctx)

	for i, path := range paths {
		eg.Go(func() error {
			r, err := NewReplayer(rt.logger.With("capture", path), rt.Framework, rt.cfg.Replay)
			if err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open capture: %w", err)
			}
			defer f.Close()

			stats, err := r.Replay(ctx, f)
			if err != nil {
				return fmt.Errorf("failed to replay %s: %w", path, err)
			}

			results[i] = stats

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// Replay starts a runtime, replays the captures through it and reports what
// happened.
func Replay(ctx context.Context, logger *zap.SugaredLogger, cfg *Config, paths []string) (err error) {
	logger.Infoln("=== Launching nethook **replay** ===")
	defer logger.Sync()

	profileDest, closeProfile, err := openProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}
	defer closeProfile()

	rt, err := NewRuntime(logger, cfg, profileDest)
	if err != nil {
		return err
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()

	var monitor errgroup.Group

	if rt.Profiler != nil {
		monitor.Go(func() error {
			return rt.Profiler.Monitor(monitorCtx)
		})
	}

	results, err := ReplayFiles(ctx, rt, paths)
	if err == nil {
		rt.LogStats()
	}

	err = multierr.Append(err, rt.Close())
	stopMonitor()
	err = multierr.Append(err, monitor.Wait())

	if err != nil {
		return err
	}

	var total ReplayStats
	for i, s := range results {
		logger.Infow("replayed capture", "capture", paths[i], "packets", s.Packets, "flows", s.Flows)
		total.add(s)
	}

	bts, err := json.Marshal(&total)
	if err != nil {
		return fmt.Errorf("failed to marshal replay stats: %w", err)
	}

	logger.Infoln(string(bts))

	return nil
}
