package addressing

import (
	"encoding/binary"
	"net"
)

// InferMask derives the effective subnet mask of a declared network as seen
// from the observed gateway.
//
// A bit survives only where the declared prefix marks it as a network bit and
// the network address and gateway agree on it. Octets are then scanned left
// to right and everything from the first octet that is not all-ones is
// cleared, so the result is always a contiguous prefix mask.
func InferMask(network *net.IPNet, gateway net.IP) net.IPMask {
	src, declared, gw := ipv4Octets(network, gateway)
	if src == nil || declared == nil || gw == nil {
		return net.IPv4Mask(0, 0, 0, 0)
	}

	var octets [4]byte
	for i := range octets {
		octets[i] = ^(src[i] ^ gw[i]) & declared[i]
	}

	growable := true
	for i := range octets {
		if !growable || octets[i] != 0xFF {
			octets[i] = 0
			growable = false
		}
	}

	mask := make(net.IPMask, 4)
	binary.BigEndian.PutUint32(mask, binary.BigEndian.Uint32(octets[:]))
	return mask
}

// ipv4Octets returns the 4-byte network address, declared mask and gateway.
func ipv4Octets(network *net.IPNet, gateway net.IP) (src, mask, gw []byte) {
	if network == nil {
		return nil, nil, nil
	}
	mask = ipv4Mask(network.Mask)
	if mask == nil {
		return nil, nil, nil
	}
	ip := network.IP.To4()
	if ip == nil {
		return nil, nil, nil
	}
	src = ip.Mask(net.IPMask(mask))
	return src, mask, gateway.To4()
}

func ipv4Mask(m net.IPMask) net.IPMask {
	switch len(m) {
	case net.IPv4len:
		return m
	case net.IPv6len:
		return m[12:]
	default:
		return nil
	}
}

// MaskString renders a mask in dotted-quad notation.
func MaskString(m net.IPMask) string {
	m4 := ipv4Mask(m)
	if m4 == nil {
		return m.String()
	}
	return net.IP(m4).String()
}
