package addressing

import (
	"fmt"
	"net"
	"strings"

	"socksbridge/pkg/types"
)

// Device holds the addressing a device is expected to use behind the redirector.
type Device struct {
	Network *net.IPNet // declared source network
	Publish net.IP     // address the device appears as to the proxy, nil = interface address
	Gateway net.IP     // publish address if set, otherwise the interface address
	Mask    net.IPMask // inferred from Network and Gateway
}

// DeriveDevice computes device addressing for a preset. source and publish are
// only read for the custom preset; the built-in presets derive everything from
// the interface address.
func DeriveDevice(preset types.Preset, source, publish string, ifaceIP net.IP) (*Device, error) {
	local := ifaceIP.To4()
	if local == nil {
		return nil, fmt.Errorf("interface has no IPv4 address")
	}

	var (
		network *net.IPNet
		pub     net.IP
		err     error
	)

	switch preset {
	case types.PresetCustom:
		if strings.TrimSpace(source) == "" {
			return nil, fmt.Errorf("source network must be specified for the custom preset")
		}
		network, err = ParseNetwork(source)
		if err != nil {
			return nil, err
		}
		if p := strings.TrimSpace(publish); p != "" {
			pub, err = ParseIPv4(p)
			if err != nil {
				return nil, err
			}
		}
	case types.PresetBlock10:
		network = HostNetwork(net.IPv4(10, 6, 0, 1))
		pub = net.IPv4(10, 6, 0, 2).To4()
	case types.PresetBlock172:
		network = HostNetwork(net.IPv4(172, 24, local[2]+1, local[3]))
		pub = net.IPv4(172, 24, local[2], local[3]).To4()
	default:
		return nil, fmt.Errorf("unknown preset %s", preset)
	}

	gw := pub
	if gw == nil {
		gw = local
	}

	return &Device{
		Network: network,
		Publish: pub,
		Gateway: gw,
		Mask:    InferMask(network, gw),
	}, nil
}
