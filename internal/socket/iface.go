package socket

import (
	"fmt"
	"net"
)

// MaxInterfaces bounds the number of publish channels an agent opens.
const MaxInterfaces = 7

// Template describes one interface an agent can publish on.
type Template struct {
	Interface   string
	Address     net.IP
	Netmask     net.IPMask
	Destination net.IP
	Flags       net.Flags
}

// EnumerateInterfaces lists up, non-loopback IPv4 interfaces that can carry
// discovery traffic. For NetworkUDP the destination is the subnet broadcast
// address; for NetworkMulticast it is group.
func EnumerateInterfaces(network Network, group net.IP) ([]Template, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var out []Template
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if network == NetworkMulticast {
			if ifi.Flags&net.FlagMulticast == 0 {
				continue
			}
		} else if ifi.Flags&(net.FlagBroadcast|net.FlagPointToPoint) == 0 {
			continue
		}

		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			t := Template{
				Interface: ifi.Name,
				Address:   ip4,
				Netmask:   ipNet.Mask,
				Flags:     ifi.Flags,
			}
			if network == NetworkMulticast {
				t.Destination = group
			} else {
				t.Destination = BroadcastAddr(ip4, ipNet.Mask)
			}
			out = append(out, t)
			if len(out) == MaxInterfaces {
				return out, nil
			}
		}
	}
	return out, nil
}

// Loopback returns the template used when no other interface is usable.
// Broadcasts to 127.255.255.255 reach every socket bound to the port on
// this host.
func Loopback(network Network, group net.IP) Template {
	name := "lo"
	if ifaces, err := net.Interfaces(); err == nil {
		for _, ifi := range ifaces {
			if ifi.Flags&net.FlagLoopback != 0 && ifi.Flags&net.FlagUp != 0 {
				name = ifi.Name
				break
			}
		}
	}

	t := Template{
		Interface: name,
		Address:   net.IPv4(127, 0, 0, 1).To4(),
		Netmask:   net.CIDRMask(8, 32),
		Flags:     net.FlagUp | net.FlagLoopback,
	}
	if network == NetworkMulticast {
		t.Destination = group
	} else {
		t.Destination = BroadcastAddr(t.Address, t.Netmask)
	}
	return t
}

// BroadcastAddr computes ip | ^mask.
func BroadcastAddr(ip net.IP, mask net.IPMask) net.IP {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range ip4 {
		out[i] = ip4[i] | ^mask[i]
	}
	return out
}

// OpenPublish opens a jabber channel that sends to t's destination.
func OpenPublish(network Network, t Template, port int, opts Options) (*Channel, error) {
	opts.Local = t.Address
	if network == NetworkMulticast {
		opts.Interface = t.Interface
	}
	ch, err := Open(network, t.Destination.String(), port, RoleJabber, opts)
	if err != nil {
		return nil, err
	}
	ch.Interface = t.Interface
	return ch, nil
}
