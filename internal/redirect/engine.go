package redirect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"socksbridge/internal/addressing"
	"socksbridge/internal/socks"
	"socksbridge/internal/status"
	"socksbridge/pkg/types"
)

// Handle is a link-layer capture and injection handle.
type Handle interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	WritePacketData(data []byte) error
	Close()
}

// ErrReadTimeout is returned by ReadPacketData when no frame arrived in time.
var ErrReadTimeout error = pcap.NextErrorTimeoutExpired

var errHandleClosed = errors.New("capture handle closed")

// Engine captures device traffic on an interface and relays it through a
// SOCKS5 proxy.
type Engine struct {
	opts Options
	open func(cfg Config, readTimeout time.Duration) (Handle, error)
	dial func(ctx context.Context, proxy netip.AddrPort, creds *types.Credentials) (PacketConn, error)
}

// NewEngine creates an engine backed by libpcap.
func NewEngine(opts Options) *Engine {
	return &Engine{
		opts: opts.withDefaults(),
		open: openLive,
		dial: func(ctx context.Context, proxy netip.AddrPort, creds *types.Credentials) (PacketConn, error) {
			return socks.DialUDP(ctx, proxy, creds)
		},
	}
}

// Filter returns the BPF expression selecting ARP and device IPv4 traffic.
func Filter(network *net.IPNet) string {
	return fmt.Sprintf("arp or (ip and src net %s)", addressing.FilterExpression(network))
}

func openLive(cfg Config, readTimeout time.Duration) (Handle, error) {
	handle, err := pcap.OpenLive(cfg.Interface.Name, int32(cfg.MTU+ethernetHeaderLen), true, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Interface.Name, err)
	}
	if err := handle.SetBPFFilter(Filter(cfg.Network)); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set capture filter: %w", err)
	}
	return handle, nil
}

// Start opens the capture and runs the redirection worker in the background
// until flag clears. Frames from devices are counted as upload, frames sent
// to devices as download.
func (e *Engine) Start(cfg Config, flag status.RunFlag, upload, download status.TrafficCounter) error {
	if cfg.Network == nil {
		return fmt.Errorf("device network is required")
	}
	if len(cfg.Interface.HardwareAddr) != 6 {
		return fmt.Errorf("interface %s has no Ethernet address", cfg.Interface.Name)
	}
	if cfg.Gateway() == nil {
		return fmt.Errorf("interface %s has no IPv4 address", cfg.Interface.Name)
	}
	if MaxUDPPayload(cfg.MTU) <= 0 {
		return fmt.Errorf("MTU %d too small", cfg.MTU)
	}

	handle, err := e.open(cfg, e.opts.ReadTimeout)
	if err != nil {
		return err
	}

	w := &worker{
		cfg:      cfg,
		opts:     e.opts,
		handle:   handle,
		flag:     flag,
		upload:   upload,
		download: download,
		gateway:  cfg.Gateway(),
		flows:    make(map[netip.AddrPort]*flow),
		dial: func(ctx context.Context) (PacketConn, error) {
			return e.dial(ctx, cfg.Proxy, cfg.Credentials)
		},
	}

	if e.opts.DumpFile != "" {
		if err := w.openDump(e.opts.DumpFile); err != nil {
			handle.Close()
			return err
		}
	}

	log.WithFields(log.Fields{
		"interface": cfg.Interface.Name,
		"filter":    Filter(cfg.Network),
		"gateway":   w.gateway.String(),
		"mtu":       cfg.MTU,
		"proxy":     cfg.Proxy.String(),
	}).Info("Redirection started")

	go w.run()
	return nil
}

type worker struct {
	cfg      Config
	opts     Options
	handle   Handle
	flag     status.RunFlag
	upload   status.TrafficCounter
	download status.TrafficCounter
	gateway  net.IP
	dial     func(ctx context.Context) (PacketConn, error)

	flows     map[netip.AddrPort]*flow // capture goroutine only
	lastSweep time.Time

	writeMu sync.Mutex
	closed  bool // guarded by writeMu
	dumpMu  sync.Mutex
	dump    *pcapgo.Writer
	dumpF   *os.File

	ipID atomic.Uint32
}

func (w *worker) openDump(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}
	dw := pcapgo.NewWriter(f)
	if err := dw.WriteFileHeader(uint32(w.cfg.MTU+ethernetHeaderLen), layers.LinkTypeEthernet); err != nil {
		f.Close()
		return fmt.Errorf("failed to write dump header: %w", err)
	}
	w.dump, w.dumpF = dw, f
	return nil
}

func (w *worker) record(data []byte, ts time.Time) {
	w.dumpMu.Lock()
	defer w.dumpMu.Unlock()
	if w.dump == nil {
		return
	}
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	if err := w.dump.WritePacket(ci, data); err != nil {
		log.WithError(err).Debug("Failed to write dump packet")
	}
}

func (w *worker) run() {
	defer w.shutdown()

	for w.flag.Running() {
		data, ci, err := w.handle.ReadPacketData()
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				w.sweep(time.Now())
				continue
			}
			log.WithError(err).Error("Capture failed, stopping session")
			w.flag.Halt()
			return
		}
		w.record(data, ci.Timestamp)
		w.handleFrame(data)
		w.sweep(time.Now())
	}
}

func (w *worker) shutdown() {
	for key, f := range w.flows {
		close(f.queue)
		delete(w.flows, key)
	}
	w.writeMu.Lock()
	w.closed = true
	w.handle.Close()
	w.writeMu.Unlock()

	w.dumpMu.Lock()
	if w.dumpF != nil {
		w.dumpF.Close()
		w.dump, w.dumpF = nil, nil
	}
	w.dumpMu.Unlock()

	log.Info("Redirection stopped")
}

// sweep expires flows idle for longer than the configured timeout. It runs
// at most once per read timeout.
func (w *worker) sweep(now time.Time) {
	if now.Sub(w.lastSweep) < w.opts.ReadTimeout {
		return
	}
	w.lastSweep = now
	for key, f := range w.flows {
		if f.dead.Load() || f.idleSince(now) > w.opts.UDPIdleTimeout {
			close(f.queue)
			delete(w.flows, key)
			log.WithField("device", key.String()).Debug("Relay flow expired")
		}
	}
}

func (w *worker) handleFrame(data []byte) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return
	}
	eth := ethLayer.(*layers.Ethernet)
	if bytes.Equal(eth.SrcMAC, w.cfg.Interface.HardwareAddr) {
		// our own injected frames
		return
	}

	if arpLayer := packet.Layer(layers.LayerTypeARP); arpLayer != nil {
		w.handleARP(arpLayer.(*layers.ARP))
		return
	}

	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return
	}
	ip := ipLayer.(*layers.IPv4)
	if !w.cfg.Network.Contains(ip.SrcIP) {
		return
	}
	w.upload.Add(len(data))

	switch ip.Protocol {
	case layers.IPProtocolUDP:
		if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
			w.handleUDP(eth, ip, udpLayer.(*layers.UDP))
		}
	case layers.IPProtocolICMPv4:
		if icmpLayer := packet.Layer(layers.LayerTypeICMPv4); icmpLayer != nil {
			w.handleICMP(eth, ip, icmpLayer.(*layers.ICMPv4))
		}
	default:
		log.WithFields(log.Fields{
			"src":      ip.SrcIP.String(),
			"dst":      ip.DstIP.String(),
			"protocol": ip.Protocol.String(),
		}).Debug("Dropping unsupported protocol")
	}
}

func (w *worker) handleARP(arp *layers.ARP) {
	if arp.Operation != layers.ARPRequest {
		return
	}
	if !net.IP(arp.DstProtAddress).Equal(w.gateway) {
		return
	}

	reply, err := ARPReply(w.cfg.Interface.HardwareAddr, w.gateway, arp)
	if err != nil {
		log.WithError(err).Warn("Failed to build ARP reply")
		return
	}
	if err := w.inject(reply); err != nil {
		log.WithError(err).Warn("Failed to send ARP reply")
		return
	}
	log.WithFields(log.Fields{
		"device":  net.IP(arp.SourceProtAddress).String(),
		"gateway": w.gateway.String(),
	}).Debug("Answered ARP request")
}

func (w *worker) handleICMP(eth *layers.Ethernet, ip *layers.IPv4, icmp *layers.ICMPv4) {
	if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest || !ip.DstIP.Equal(w.gateway) {
		return
	}
	reply, err := EchoReply(eth, ip, icmp)
	if err != nil {
		log.WithError(err).Warn("Failed to build echo reply")
		return
	}
	if err := w.inject(reply); err != nil {
		log.WithError(err).Warn("Failed to send echo reply")
		return
	}
	w.download.Add(len(reply))
}

func (w *worker) handleUDP(eth *layers.Ethernet, ip *layers.IPv4, udp *layers.UDP) {
	srcAddr, ok := netip.AddrFromSlice(ip.SrcIP.To4())
	if !ok {
		return
	}
	dstAddr, ok := netip.AddrFromSlice(ip.DstIP.To4())
	if !ok {
		return
	}
	key := netip.AddrPortFrom(srcAddr, uint16(udp.SrcPort))
	dst := netip.AddrPortFrom(dstAddr, uint16(udp.DstPort))

	f, ok := w.flows[key]
	if ok && f.dead.Load() {
		close(f.queue)
		delete(w.flows, key)
		ok = false
	}
	if !ok {
		f = newFlow(key, eth.SrcMAC)
		w.flows[key] = f
		go f.run(w.dial, w.deliver)
	}

	payload := append([]byte(nil), udp.Payload...)
	if !f.enqueue(datagram{dst: dst, payload: payload}) {
		log.WithField("device", key.String()).Debug("Relay queue full, dropping datagram")
	}
}

// deliver writes a datagram received from the proxy back to the device.
func (w *worker) deliver(f *flow, src netip.AddrPort, payload []byte) {
	if !w.flag.Running() {
		return
	}
	if len(payload) > MaxUDPPayload(w.cfg.MTU) {
		log.WithFields(log.Fields{
			"device": f.key.String(),
			"size":   len(payload),
			"mtu":    w.cfg.MTU,
		}).Warn("Dropping oversized datagram")
		return
	}
	if !src.Addr().Is4() {
		return
	}

	frame, err := UDPFrame{
		SrcMAC:  w.cfg.Interface.HardwareAddr,
		DstMAC:  f.mac,
		SrcIP:   net.IP(src.Addr().AsSlice()),
		DstIP:   net.IP(f.key.Addr().AsSlice()),
		SrcPort: src.Port(),
		DstPort: f.key.Port(),
		ID:      uint16(w.ipID.Inc()),
		Payload: payload,
	}.Serialize()
	if err != nil {
		log.WithError(err).Warn("Failed to build UDP frame")
		return
	}
	if err := w.inject(frame); err != nil {
		log.WithError(err).Debug("Failed to inject UDP frame")
		return
	}
	w.download.Add(len(frame))
}

func (w *worker) inject(frame []byte) error {
	w.writeMu.Lock()
	if w.closed {
		w.writeMu.Unlock()
		return errHandleClosed
	}
	err := w.handle.WritePacketData(frame)
	w.writeMu.Unlock()
	if err == nil {
		w.record(frame, time.Now())
	}
	return err
}
