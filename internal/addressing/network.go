package addressing

import (
	"fmt"
	"net"
)

// ParseNetwork parses an IPv4 CIDR (e.g. "10.6.0.1/32") into a normalised network.
func ParseNetwork(cidr string) (*net.IPNet, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("CIDR %q is not IPv4", cidr)
	}
	ipnet.IP = ipnet.IP.To4()
	ipnet.Mask = ipv4Mask(ipnet.Mask)
	return ipnet, nil
}

// HostNetwork returns the /32 network of a single IPv4 address.
func HostNetwork(ip net.IP) *net.IPNet {
	return &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(32, 32)}
}

// ParseIPv4 parses a dotted-quad IPv4 literal.
func ParseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 address %q", s)
	}
	return ip.To4(), nil
}

// Size returns the number of addresses in the network.
func Size(n *net.IPNet) uint64 {
	ones, bits := n.Mask.Size()
	return 1 << uint(bits-ones)
}

// Broadcast returns the last address of the network.
func Broadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	mask := ipv4Mask(n.Mask)
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

// RangeString describes the device addresses: a single address for a /32,
// otherwise "network - broadcast".
func RangeString(n *net.IPNet) string {
	if Size(n) == 1 {
		return n.IP.String()
	}
	return fmt.Sprintf("%s - %s", n.IP, Broadcast(n))
}

// FilterExpression returns a BPF "net" expression matching the network.
func FilterExpression(n *net.IPNet) string {
	ones, _ := n.Mask.Size()
	return fmt.Sprintf("%s/%d", n.IP, ones)
}
