package redirect

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// ARPReply builds a reply telling the requester that ip is at hw.
func ARPReply(hw net.HardwareAddr, ip net.IP, req *layers.ARP) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       hw,
		DstMAC:       net.HardwareAddr(req.SourceHwAddress),
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   []byte(hw),
		SourceProtAddress: []byte(ip.To4()),
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, arp); err != nil {
		return nil, fmt.Errorf("failed to serialize ARP reply: %w", err)
	}
	return buf.Bytes(), nil
}

// UDPFrame describes one datagram delivered to a device.
type UDPFrame struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	ID               uint16
	Payload          []byte
}

// Serialize builds the Ethernet/IPv4/UDP frame.
func (f UDPFrame) Serialize() ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       f.SrcMAC,
		DstMAC:       f.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       f.ID,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    f.SrcIP.To4(),
		DstIP:    f.DstIP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(f.SrcPort),
		DstPort: layers.UDPPort(f.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, ip, udp, gopacket.Payload(f.Payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize UDP frame: %w", err)
	}
	return buf.Bytes(), nil
}

// EchoReply answers an ICMP echo request, swapping addresses and keeping the
// identifier, sequence number and payload.
func EchoReply(eth *layers.Ethernet, ip *layers.IPv4, icmp *layers.ICMPv4) ([]byte, error) {
	replyEth := &layers.Ethernet{
		SrcMAC:       eth.DstMAC,
		DstMAC:       eth.SrcMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	replyIP := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       ip.Id,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    ip.DstIP,
		DstIP:    ip.SrcIP,
	}
	replyICMP := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       icmp.Id,
		Seq:      icmp.Seq,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, replyEth, replyIP, replyICMP, gopacket.Payload(icmp.Payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize echo reply: %w", err)
	}
	return buf.Bytes(), nil
}

// MaxUDPPayload is the largest datagram that fits an unfragmented frame.
func MaxUDPPayload(mtu int) int {
	return mtu - ipv4HeaderLen - udpHeaderLen
}
