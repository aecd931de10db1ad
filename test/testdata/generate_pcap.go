//go:build ignore

// This program generates a sample redirection dump for `socksbridge inspect`.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func main() {
	filename := "test/testdata/sample.pcap"
	if len(os.Args) > 1 {
		filename = os.Args[1]
	}

	f, err := os.Create(filename)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(1514, layers.LinkTypeEthernet); err != nil {
		panic(err)
	}

	deviceIP := net.IPv4(10, 6, 0, 1).To4()
	gatewayIP := net.IPv4(10, 6, 0, 2).To4()
	deviceMAC, _ := net.ParseMAC("7c:bb:8a:00:00:01")
	hostMAC, _ := net.ParseMAC("00:11:22:33:44:55")
	ts := time.Now()

	write := func(l ...gopacket.SerializableLayer) {
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		if err := gopacket.SerializeLayers(buf, opts, l...); err != nil {
			panic(fmt.Sprintf("failed to serialize: %v", err))
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     ts,
			CaptureLength: len(buf.Bytes()),
			Length:        len(buf.Bytes()),
		}
		if err := w.WritePacket(ci, buf.Bytes()); err != nil {
			panic(fmt.Sprintf("failed to write packet: %v", err))
		}
		ts = ts.Add(5 * time.Millisecond)
	}

	// Helper to write one UDP datagram between the device and a remote peer
	writeUDP := func(up bool, remote net.IP, devicePort, remotePort uint16, payload []byte) {
		eth := &layers.Ethernet{SrcMAC: deviceMAC, DstMAC: hostMAC, EthernetType: layers.EthernetTypeIPv4}
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: deviceIP, DstIP: remote}
		udp := &layers.UDP{SrcPort: layers.UDPPort(devicePort), DstPort: layers.UDPPort(remotePort)}
		if !up {
			eth.SrcMAC, eth.DstMAC = hostMAC, deviceMAC
			ip.SrcIP, ip.DstIP = remote, deviceIP
			udp.SrcPort, udp.DstPort = udp.DstPort, udp.SrcPort
		}
		udp.SetNetworkLayerForChecksum(ip)
		write(eth, ip, udp, gopacket.Payload(payload))
	}

	// === 1. Device resolves its gateway ===
	write(
		&layers.Ethernet{SrcMAC: deviceMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
			HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
			SourceHwAddress: deviceMAC, SourceProtAddress: deviceIP,
			DstHwAddress: make([]byte, 6), DstProtAddress: gatewayIP,
		},
	)
	write(
		&layers.Ethernet{SrcMAC: hostMAC, DstMAC: deviceMAC, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
			HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPReply,
			SourceHwAddress: hostMAC, SourceProtAddress: gatewayIP,
			DstHwAddress: deviceMAC, DstProtAddress: deviceIP,
		},
	)

	// === 2. DNS lookups ===
	dnsServer := net.IPv4(8, 8, 8, 8).To4()
	for i := 0; i < 3; i++ {
		writeUDP(true, dnsServer, 53000+uint16(i), 53, make([]byte, 40))
		writeUDP(false, dnsServer, 53000+uint16(i), 53, make([]byte, 120))
	}

	// === 3. Game traffic to several peers from one port ===
	peers := []net.IP{
		net.IPv4(203, 0, 113, 10).To4(),
		net.IPv4(203, 0, 113, 11).To4(),
		net.IPv4(198, 51, 100, 7).To4(),
	}
	for round := 0; round < 20; round++ {
		for _, p := range peers {
			writeUDP(true, p, 3074, 3074, make([]byte, 96))
			writeUDP(false, p, 3074, 3074, make([]byte, 112))
		}
	}

	fmt.Printf("Generated %s\n", filename)
}
