package agent

import (
	"net"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"agentnet/internal/frame"
	"agentnet/internal/metrics"
	"agentnet/internal/ring"
	"agentnet/internal/socket"
)

const (
	DefaultDiscoveryPort   = 10020
	DefaultMulticastGroup  = "225.1.1.1"
	DefaultHeartbeatPeriod = time.Second
	DefaultReceiveTimeout  = 100 * time.Millisecond
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultNameWait        = 2 * time.Second

	// MinHeartbeatPeriod bounds the broadcast rate of every agent.
	MinHeartbeatPeriod = 10 * time.Millisecond
	// MaxInstances is the number of numeric suffixes tried in
	// multi-instance mode.
	MaxInstances = 100

	// InterfacesLoopback publishes on the loopback interface only.
	InterfacesLoopback = "loopback"
)

// NamespaceStore backs the getvalue, setvalue and listnames requests.
type NamespaceStore interface {
	Get(names []string) (string, error)
	SetJSON(text string) (int, error)
	ListNames() (string, error)
}

// ProcessMetrics samples the agent's own process in MONITOR state.
type ProcessMetrics interface {
	CPUPercent() (float64, error)
	VirtualMemory() (float64, error)
}

// Request is a handler registered at startup after the built-ins.
type Request struct {
	Token       string
	Synopsis    string
	Description string
	Handler     Handler
}

// Config describes one agent. A zero Name starts a client-only agent.
type Config struct {
	Node          string
	Name          string
	MultiInstance bool

	Network        socket.Network
	Interfaces     string
	DiscoveryPort  int
	MulticastGroup string
	RequestPort    int

	HeartbeatPeriod time.Duration
	BufferSize      int
	ReceiveTimeout  time.Duration
	PollInterval    time.Duration
	NameWait        time.Duration
	PeerTTL         time.Duration
	RingSize        int
	HeaderFormat    frame.Format
	UTCOffset       float64
	SOH             []string

	Requests []Request

	Logger    zerolog.Logger
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Namespace NamespaceStore
	Process   ProcessMetrics
}

func (c *Config) applyDefaults() {
	if c.Node == "" {
		c.Node, _ = os.Hostname()
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.MulticastGroup == "" {
		c.MulticastGroup = DefaultMulticastGroup
	}
	if c.HeartbeatPeriod == 0 {
		c.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if c.HeartbeatPeriod < MinHeartbeatPeriod {
		c.HeartbeatPeriod = MinHeartbeatPeriod
	}
	if c.BufferSize <= 0 || c.BufferSize > frame.MaxDatagram {
		c.BufferSize = frame.MaxDatagram
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.NameWait <= 0 {
		c.NameWait = DefaultNameWait
	}
	if c.RingSize <= 0 {
		c.RingSize = ring.DefaultCapacity
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(false)
	}
}

func (c *Config) group() net.IP {
	if c.Network != socket.NetworkMulticast {
		return nil
	}
	return net.ParseIP(c.MulticastGroup).To4()
}
