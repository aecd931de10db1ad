package iface

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket/pcap"
	log "github.com/sirupsen/logrus"
)

// Info describes a capture-capable, up, non-loopback IPv4 interface.
type Info struct {
	Name         string           // capture device name
	Alias        string           // human-readable description, may be empty
	Label        string           // "name (alias)"
	IP           net.IP           // first IPv4 address
	Mask         net.IPMask       // netmask of IP
	HardwareAddr net.HardwareAddr // link-layer address
	MTU          int              // 0 when unknown
}

// Lister enumerates interfaces.
type Lister struct {
	findDevs   func() ([]pcap.Interface, error)
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

// NewLister creates a lister backed by libpcap and the OS interface table.
func NewLister() *Lister {
	return &Lister{
		findDevs:   pcap.FindAllDevs,
		interfaces: net.Interfaces,
		addrs:      func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

// List returns the usable interfaces. Capture devices are matched to OS
// interfaces by IPv4 address since device names differ per platform.
func (l *Lister) List() ([]Info, error) {
	devs, err := l.findDevs()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	osIfaces, err := l.interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate interfaces: %w", err)
	}

	byIP := make(map[string]net.Interface)
	for _, oi := range osIfaces {
		addrs, err := l.addrs(oi)
		if err != nil {
			log.WithError(err).WithField("interface", oi.Name).Debug("Failed to read interface addresses")
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				byIP[ipnet.IP.To4().String()] = oi
			}
		}
	}

	var result []Info
	for _, dev := range devs {
		info, ok := buildInfo(dev, byIP)
		if !ok {
			continue
		}
		result = append(result, info)
	}

	log.WithFields(log.Fields{
		"devices": len(devs),
		"usable":  len(result),
	}).Debug("Interface enumeration complete")

	return result, nil
}

func buildInfo(dev pcap.Interface, byIP map[string]net.Interface) (Info, bool) {
	for _, a := range dev.Addresses {
		ip := a.IP.To4()
		if ip == nil {
			continue
		}
		oi, ok := byIP[ip.String()]
		if !ok {
			continue
		}
		if oi.Flags&net.FlagUp == 0 || oi.Flags&net.FlagLoopback != 0 {
			return Info{}, false
		}

		label := dev.Name
		if desc := strings.TrimSpace(dev.Description); desc != "" {
			label = fmt.Sprintf("%s (%s)", dev.Name, desc)
		}
		d := ParseDescriptor(label)

		mask := a.Netmask
		if len(mask) == net.IPv6len {
			mask = mask[12:]
		}
		return Info{
			Name:         d.Name,
			Alias:        d.AliasOr(""),
			Label:        label,
			IP:           ip,
			Mask:         mask,
			HardwareAddr: oi.HardwareAddr,
			MTU:          oi.MTU,
		}, true
	}
	return Info{}, false
}

// Find selects an interface by name. The selector may be a bare name or a
// full "name (alias)" label.
func Find(list []Info, selector string) (Info, bool) {
	name := ParseDescriptor(strings.TrimSpace(selector)).Name
	for _, info := range list {
		if info.Name == name {
			return info, true
		}
	}
	return Info{}, false
}
