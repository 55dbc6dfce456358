// Package config provides TOML configuration loading for agentnet.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"agentnet/internal/agent"
	"agentnet/internal/frame"
	"agentnet/internal/socket"
)

// Config is the top-level configuration structure.
type Config struct {
	Agent   AgentConfig   `toml:"agent"`
	Client  ClientConfig  `toml:"client"`
	Archive ArchiveConfig `toml:"archive"`
}

// AgentConfig holds the settings of a server agent started by "node" and of
// the client agents used by the other commands.
type AgentConfig struct {
	Node            string   `toml:"node"`
	Name            string   `toml:"name"`
	MultiInstance   bool     `toml:"multi_instance"`
	Network         string   `toml:"network"`
	Interfaces      string   `toml:"interfaces"`
	DiscoveryPort   int      `toml:"discovery_port"`
	MulticastGroup  string   `toml:"multicast_group"`
	RequestPort     int      `toml:"request_port"`
	HeartbeatPeriod string   `toml:"heartbeat_period"`
	BufferSize      int      `toml:"buffer_size"`
	ReceiveTimeout  string   `toml:"receive_timeout"`
	PollInterval    string   `toml:"poll_interval"`
	NameWait        string   `toml:"name_wait"`
	PeerTTL         string   `toml:"peer_ttl"`
	RingSize        int      `toml:"ring_size"`
	HeaderFormat    string   `toml:"header_format"`
	UTCOffset       float64  `toml:"utc_offset"`
	SOH             []string `toml:"soh"`
	LogLevel        string   `toml:"log_level"`
	LogFormat       string   `toml:"log_format"`
	MetricsAddr     string   `toml:"metrics_addr"`
}

// ClientConfig holds the waits used by list, request and dump.
type ClientConfig struct {
	ServerWait  string `toml:"server_wait"`
	RequestWait string `toml:"request_wait"`
}

// ArchiveConfig holds settings for the frame archive written by dump.
type ArchiveConfig struct {
	Path      string `toml:"path"`
	Retention string `toml:"retention"`
}

// ParseHeartbeatPeriod parses the heartbeat period string to a time.Duration.
func (a *AgentConfig) ParseHeartbeatPeriod() (time.Duration, error) {
	return parseDuration(a.HeartbeatPeriod, agent.DefaultHeartbeatPeriod)
}

// ParseReceiveTimeout parses the socket receive timeout.
func (a *AgentConfig) ParseReceiveTimeout() (time.Duration, error) {
	return parseDuration(a.ReceiveTimeout, agent.DefaultReceiveTimeout)
}

// ParsePollInterval parses the discovery poll interval.
func (a *AgentConfig) ParsePollInterval() (time.Duration, error) {
	return parseDuration(a.PollInterval, agent.DefaultPollInterval)
}

// ParseNameWait parses how long name negotiation listens for other instances.
func (a *AgentConfig) ParseNameWait() (time.Duration, error) {
	return parseDuration(a.NameWait, agent.DefaultNameWait)
}

// ParsePeerTTL parses the peer expiry. Zero keeps peers until evicted by
// capacity.
func (a *AgentConfig) ParsePeerTTL() (time.Duration, error) {
	return parseDuration(a.PeerTTL, 0)
}

// ParseServerWait parses how long client commands wait for beacons.
func (c *ClientConfig) ParseServerWait() (time.Duration, error) {
	return parseDuration(c.ServerWait, 4*time.Second)
}

// ParseRequestWait parses how long client commands wait for a reply.
func (c *ClientConfig) ParseRequestWait() (time.Duration, error) {
	return parseDuration(c.RequestWait, 2*time.Second)
}

// ParseRetention parses the archive retention. Zero keeps records forever.
func (a *ArchiveConfig) ParseRetention() (time.Duration, error) {
	return parseDuration(a.Retention, 0)
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Runtime converts the file settings into an agent configuration. The
// logger is attached by the caller.
func (a *AgentConfig) Runtime(log zerolog.Logger) (agent.Config, error) {
	network, err := socket.ParseNetwork(a.Network)
	if err != nil {
		return agent.Config{}, err
	}
	format, err := frame.ParseFormat(a.HeaderFormat)
	if err != nil {
		return agent.Config{}, err
	}

	cfg := agent.Config{
		Node:           a.Node,
		Name:           a.Name,
		MultiInstance:  a.MultiInstance,
		Network:        network,
		Interfaces:     a.Interfaces,
		DiscoveryPort:  a.DiscoveryPort,
		MulticastGroup: a.MulticastGroup,
		RequestPort:    a.RequestPort,
		BufferSize:     a.BufferSize,
		RingSize:       a.RingSize,
		HeaderFormat:   format,
		UTCOffset:      a.UTCOffset,
		SOH:            a.SOH,
		Logger:         log,
	}

	durations := []struct {
		name  string
		parse func() (time.Duration, error)
		dst   *time.Duration
	}{
		{"heartbeat_period", a.ParseHeartbeatPeriod, &cfg.HeartbeatPeriod},
		{"receive_timeout", a.ParseReceiveTimeout, &cfg.ReceiveTimeout},
		{"poll_interval", a.ParsePollInterval, &cfg.PollInterval},
		{"name_wait", a.ParseNameWait, &cfg.NameWait},
		{"peer_ttl", a.ParsePeerTTL, &cfg.PeerTTL},
	}
	for _, d := range durations {
		v, err := d.parse()
		if err != nil {
			return agent.Config{}, fmt.Errorf("parsing %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

// Load reads and parses a TOML config file, applying defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg)
	cfg.expandPaths()
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.expandPaths()
	return cfg
}

func (cfg *Config) expandPaths() {
	cfg.Archive.Path = ExpandPath(cfg.Archive.Path)
}

// ExpandPath expands tilde (~) to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return usr.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}

func applyDefaults(cfg *Config) {

	// Agent defaults
	if cfg.Agent.Node == "" {
		cfg.Agent.Node, _ = os.Hostname()
	}
	if cfg.Agent.Network == "" {
		cfg.Agent.Network = "udp"
	}
	if cfg.Agent.DiscoveryPort == 0 {
		cfg.Agent.DiscoveryPort = agent.DefaultDiscoveryPort
	}
	if cfg.Agent.MulticastGroup == "" {
		cfg.Agent.MulticastGroup = agent.DefaultMulticastGroup
	}
	if cfg.Agent.HeartbeatPeriod == "" {
		cfg.Agent.HeartbeatPeriod = "1s"
	}
	if cfg.Agent.BufferSize == 0 {
		cfg.Agent.BufferSize = frame.MaxDatagram
	}
	if cfg.Agent.HeaderFormat == "" {
		cfg.Agent.HeaderFormat = "current"
	}
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = "info"
	}
	if cfg.Agent.LogFormat == "" {
		cfg.Agent.LogFormat = "console"
	}

	// Client defaults
	if cfg.Client.ServerWait == "" {
		cfg.Client.ServerWait = "4s"
	}
	if cfg.Client.RequestWait == "" {
		cfg.Client.RequestWait = "2s"
	}

	// Archive defaults
	if cfg.Archive.Path == "" {
		cfg.Archive.Path = "~/.agentnet/archive.db"
	}
	if cfg.Archive.Retention == "" {
		cfg.Archive.Retention = "168h"
	}
}
