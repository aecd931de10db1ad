package pcap

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

// Parser reads redirection dump files and summarises device traffic.
type Parser struct {
	network *net.IPNet
}

// NewParser creates a parser. Frames whose IPv4 source lies in network are
// counted as device upload, frames addressed into it as download.
func NewParser(network *net.IPNet) *Parser {
	return &Parser{network: network}
}

// FlowStats holds the traffic of one device ip:port.
type FlowStats struct {
	Device       netip.AddrPort
	Destinations []netip.AddrPort
	UpPackets    uint64
	UpBytes      uint64
	DownPackets  uint64
	DownBytes    uint64
	First, Last  time.Time

	seen map[netip.AddrPort]struct{}
}

// Report summarises a dump file.
type Report struct {
	Frames uint64
	ARP    uint64
	ICMP   uint64
	Other  uint64
	Flows  []*FlowStats // sorted by device
	Start  time.Time
	End    time.Time
}

// Parse reads filename and returns per-device UDP flow statistics.
func (p *Parser) Parse(filename string) (*Report, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump file %s: %w", filename, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump file %s: %w", filename, err)
	}

	linkType := r.LinkType()
	log.WithField("link_type", linkType.String()).Debug("Dump link type detected")

	packetSource := gopacket.NewPacketSource(r, linkType)
	packetSource.DecodeOptions.Lazy = true
	packetSource.DecodeOptions.NoCopy = true

	report := &Report{}
	flows := make(map[netip.AddrPort]*FlowStats)

	for packet := range packetSource.Packets() {
		report.Frames++
		ts := packet.Metadata().Timestamp
		if report.Start.IsZero() || ts.Before(report.Start) {
			report.Start = ts
		}
		if ts.After(report.End) {
			report.End = ts
		}

		if packet.Layer(layers.LayerTypeARP) != nil {
			report.ARP++
			continue
		}
		if packet.Layer(layers.LayerTypeICMPv4) != nil {
			report.ICMP++
			continue
		}

		ipLayer := packet.Layer(layers.LayerTypeIPv4)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if ipLayer == nil || udpLayer == nil {
			report.Other++
			continue
		}
		ip := ipLayer.(*layers.IPv4)
		udp := udpLayer.(*layers.UDP)

		src, ok1 := endpoint(ip.SrcIP, uint16(udp.SrcPort))
		dst, ok2 := endpoint(ip.DstIP, uint16(udp.DstPort))
		if !ok1 || !ok2 {
			report.Other++
			continue
		}

		size := uint64(len(packet.Data()))
		switch {
		case p.network.Contains(ip.SrcIP):
			fs := flowFor(flows, src, ts)
			fs.UpPackets++
			fs.UpBytes += size
			fs.addDestination(dst)
		case p.network.Contains(ip.DstIP):
			fs := flowFor(flows, dst, ts)
			fs.DownPackets++
			fs.DownBytes += size
		default:
			report.Other++
		}
	}

	for _, fs := range flows {
		sort.Slice(fs.Destinations, func(i, j int) bool {
			return fs.Destinations[i].Compare(fs.Destinations[j]) < 0
		})
		report.Flows = append(report.Flows, fs)
	}
	sort.Slice(report.Flows, func(i, j int) bool {
		return report.Flows[i].Device.Compare(report.Flows[j].Device) < 0
	})

	log.WithFields(log.Fields{
		"frames": report.Frames,
		"flows":  len(report.Flows),
		"arp":    report.ARP,
		"icmp":   report.ICMP,
	}).Info("Dump parsing complete")

	return report, nil
}

func endpoint(ip net.IP, port uint16) (netip.AddrPort, bool) {
	addr, ok := netip.AddrFromSlice(ip.To4())
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr, port), true
}

func flowFor(flows map[netip.AddrPort]*FlowStats, device netip.AddrPort, ts time.Time) *FlowStats {
	fs, ok := flows[device]
	if !ok {
		fs = &FlowStats{Device: device, First: ts, seen: make(map[netip.AddrPort]struct{})}
		flows[device] = fs
	}
	if ts.Before(fs.First) {
		fs.First = ts
	}
	if ts.After(fs.Last) {
		fs.Last = ts
	}
	return fs
}

func (fs *FlowStats) addDestination(dst netip.AddrPort) {
	if _, ok := fs.seen[dst]; ok {
		return
	}
	fs.seen[dst] = struct{}{}
	fs.Destinations = append(fs.Destinations, dst)
}
