// Package socket opens the UDP channels an agent uses for discovery
// broadcasts, multicast groups and unicast request/reply traffic.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"

	"agentnet/internal/agenterr"
)

// Network selects how discovery traffic is addressed.
type Network int

const (
	// NetworkUDP publishes to each interface's subnet broadcast address.
	NetworkUDP Network = iota
	// NetworkMulticast publishes to a multicast group.
	NetworkMulticast
)

func (n Network) String() string {
	if n == NetworkMulticast {
		return "multicast"
	}
	return "udp"
}

// ParseNetwork accepts "udp", "broadcast" or "multicast".
func ParseNetwork(s string) (Network, error) {
	switch s {
	case "", "udp", "broadcast":
		return NetworkUDP, nil
	case "multicast", "mcast":
		return NetworkMulticast, nil
	default:
		return NetworkUDP, fmt.Errorf("unknown network type %q", s)
	}
}

// Role determines how a channel is bound.
type Role int

const (
	// RoleTalk connects to a remote address before use.
	RoleTalk Role = iota
	// RoleListen binds INADDR_ANY with address reuse, joining the group for multicast.
	RoleListen
	// RoleCommunicate binds the given local address and port.
	RoleCommunicate
	// RoleJabber is broadcast capable and sends to a fixed destination.
	RoleJabber
)

func (r Role) String() string {
	switch r {
	case RoleTalk:
		return "talk"
	case RoleListen:
		return "listen"
	case RoleCommunicate:
		return "communicate"
	case RoleJabber:
		return "jabber"
	default:
		return "role(" + strconv.Itoa(int(r)) + ")"
	}
}

// Options tune a channel at open time.
type Options struct {
	// Blocking receives wait until Timeout (or forever when Timeout is zero).
	// Non-blocking receives return immediately when nothing is queued.
	Blocking bool
	Timeout  time.Duration
	RecvBuf  int
	SendBuf  int
	// Local is the source address a jabber channel binds to.
	Local net.IP
	// Interface restricts multicast membership and publishing.
	Interface string
}

// Channel is an open UDP endpoint.
type Channel struct {
	conn      *net.UDPConn
	pc        *ipv4.PacketConn
	Network   Network
	Role      Role
	Interface string
	Local     *net.UDPAddr
	Remote    *net.UDPAddr
	blocking  bool
	timeout   time.Duration
}

// Open creates a channel for the given role. For RoleTalk and RoleJabber the
// address and port name the destination; for RoleListen and RoleCommunicate
// they name the local binding (address is ignored for RoleListen except as the
// multicast group).
func Open(network Network, address string, port int, role Role, opts Options) (*Channel, error) {
	ch := &Channel{
		Network:   network,
		Role:      role,
		Interface: opts.Interface,
		blocking:  opts.Blocking,
		timeout:   opts.Timeout,
	}

	var err error
	switch role {
	case RoleTalk:
		err = ch.openTalk(address, port)
	case RoleListen:
		err = ch.openListen(address, port, opts)
	case RoleCommunicate:
		err = ch.openCommunicate(address, port)
	case RoleJabber:
		err = ch.openJabber(address, port, opts)
	default:
		err = fmt.Errorf("unsupported role %s", role)
	}
	if err != nil {
		if ch.conn != nil {
			ch.conn.Close()
		}
		return nil, agenterr.Wrap(agenterr.ErrSocket, "opening %s channel on %s:%d: %v", role, address, port, err)
	}

	if opts.RecvBuf > 0 {
		if err := ch.conn.SetReadBuffer(opts.RecvBuf); err != nil {
			ch.conn.Close()
			return nil, agenterr.Wrap(agenterr.ErrSocket, "setting receive buffer: %v", err)
		}
	}
	if opts.SendBuf > 0 {
		if err := ch.conn.SetWriteBuffer(opts.SendBuf); err != nil {
			ch.conn.Close()
			return nil, agenterr.Wrap(agenterr.ErrSocket, "setting send buffer: %v", err)
		}
	}

	ch.Local = ch.conn.LocalAddr().(*net.UDPAddr)
	return ch, nil
}

func (c *Channel) openTalk(address string, port int) error {
	raddr, err := resolve(address, port)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return err
	}
	c.conn = conn
	c.Remote = raddr
	return nil
}

func (c *Channel) openListen(address string, port int, opts Options) error {
	lc := net.ListenConfig{Control: listenControl}
	pconn, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	c.conn = pconn.(*net.UDPConn)

	if c.Network != NetworkMulticast {
		return nil
	}

	group := net.ParseIP(address).To4()
	if group == nil || !group.IsMulticast() {
		return fmt.Errorf("invalid multicast group %q", address)
	}
	c.pc = ipv4.NewPacketConn(c.conn)
	c.Remote = &net.UDPAddr{IP: group, Port: port}
	return joinGroup(c.pc, group, opts.Interface)
}

func (c *Channel) openCommunicate(address string, port int) error {
	laddr, err := resolve(address, port)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *Channel) openJabber(address string, port int, opts Options) error {
	raddr, err := resolve(address, port)
	if err != nil {
		return err
	}
	local := opts.Local
	if local == nil {
		local = net.IPv4zero
	}

	lc := net.ListenConfig{Control: jabberControl}
	pconn, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort(local.String(), "0"))
	if err != nil {
		return err
	}
	c.conn = pconn.(*net.UDPConn)
	c.Remote = raddr

	if c.Network != NetworkMulticast {
		return nil
	}

	c.pc = ipv4.NewPacketConn(c.conn)
	if opts.Interface != "" {
		ifi, err := net.InterfaceByName(opts.Interface)
		if err != nil {
			return fmt.Errorf("finding interface %s: %w", opts.Interface, err)
		}
		if err := c.pc.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("setting multicast interface: %w", err)
		}
	}
	if err := c.pc.SetMulticastTTL(1); err != nil {
		return fmt.Errorf("setting multicast TTL: %w", err)
	}
	if err := c.pc.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("setting multicast loopback: %w", err)
	}
	return nil
}

func joinGroup(pc *ipv4.PacketConn, group net.IP, ifaceName string) error {
	if err := pc.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("setting multicast loopback: %w", err)
	}
	gaddr := &net.UDPAddr{IP: group}

	if ifaceName != "" {
		ifi, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return fmt.Errorf("finding interface %s: %w", ifaceName, err)
		}
		return pc.JoinGroup(ifi, gaddr)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("listing interfaces: %w", err)
	}
	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(ifi, gaddr); err == nil {
			joined++
		}
	}
	if joined == 0 {
		// Let the kernel pick the interface from the routing table.
		return pc.JoinGroup(nil, gaddr)
	}
	return nil
}

func resolve(address string, port int) (*net.UDPAddr, error) {
	if address == "" {
		address = "0.0.0.0"
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolving %s:%d: %w", address, port, err)
	}
	return addr, nil
}

// Port returns the locally bound port.
func (c *Channel) Port() int {
	return c.Local.Port
}

// SetTimeout changes the receive timeout used by later Receive calls.
func (c *Channel) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Receive reads one datagram into buf. A timeout is not an error: it yields
// zero bytes so callers can re-check their loop condition.
func (c *Channel) Receive(buf []byte) (int, *net.UDPAddr, error) {
	switch {
	case c.timeout > 0:
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	case !c.blocking:
		c.conn.SetReadDeadline(time.Now())
	default:
		c.conn.SetReadDeadline(time.Time{})
	}

	n, src, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, nil, nil
		}
		return 0, nil, agenterr.Wrap(agenterr.ErrSocket, "receiving on %s: %v", c.Local, err)
	}
	return n, src, nil
}

// Send writes p to the channel's default destination.
func (c *Channel) Send(p []byte) (int, error) {
	if c.Role == RoleTalk {
		n, err := c.conn.Write(p)
		if err != nil {
			return n, agenterr.Wrap(agenterr.ErrSocket, "sending to %s: %v", c.Remote, err)
		}
		return n, nil
	}
	if c.Remote == nil {
		return 0, agenterr.Wrap(agenterr.ErrChannel, "no destination for %s channel", c.Role)
	}
	return c.SendTo(p, c.Remote)
}

// SendTo writes p to addr. It is used to answer requests.
func (c *Channel) SendTo(p []byte, addr *net.UDPAddr) (int, error) {
	n, err := c.conn.WriteToUDP(p, addr)
	if err != nil {
		return n, agenterr.Wrap(agenterr.ErrSocket, "sending to %s: %v", addr, err)
	}
	return n, nil
}

// Close releases the OS handle.
func (c *Channel) Close() error {
	if c.pc != nil && c.Role == RoleListen && c.Remote != nil {
		c.pc.LeaveGroup(nil, &net.UDPAddr{IP: c.Remote.IP})
	}
	if err := c.conn.Close(); err != nil {
		return agenterr.Wrap(agenterr.ErrSocket, "closing %s: %v", c.Local, err)
	}
	return nil
}
