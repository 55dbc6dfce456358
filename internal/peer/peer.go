// Package peer keeps the most recent beacon heard from every agent.
package peer

import (
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"agentnet/internal/frame"
	"agentnet/internal/socket"
)

// AnyNode matches every node in lookups.
const AnyNode = "any"

// DefaultCapacity is the number of distinct agents remembered.
const DefaultCapacity = 500

// Beacon is what an agent advertises about itself.
type Beacon struct {
	Node      string         `json:"agent_node"`
	Proc      string         `json:"agent_proc"`
	Network   socket.Network `json:"agent_ntype"`
	Addr      string         `json:"agent_addr"`
	Port      uint16         `json:"agent_port"`
	BufSize   uint32         `json:"agent_bsz"`
	Period    float64        `json:"agent_bprd"`
	Jitter    float64        `json:"agent_jitter"`
	CPU       float64        `json:"agent_cpu"`
	Memory    float64        `json:"agent_memory"`
	UTC       float64        `json:"agent_utc"`
	UTCOffset float64        `json:"node_utcoffset"`
	Seen      time.Time      `json:"-"`
}

// FromHeader builds a beacon from a received frame header.
func FromHeader(h frame.Header, network socket.Network, seen time.Time) Beacon {
	return Beacon{
		Node:      h.Node,
		Proc:      h.Proc,
		Network:   network,
		Addr:      h.Addr,
		Port:      h.Port,
		BufSize:   h.BufSize,
		Period:    h.Period,
		Jitter:    h.Jitter,
		CPU:       h.CPU,
		Memory:    h.Memory,
		UTC:       h.UTC,
		UTCOffset: h.UTCOffset,
		Seen:      seen,
	}
}

// IsZero reports whether b is the empty "not found" beacon.
func (b Beacon) IsZero() bool {
	return b.Node == "" && b.Proc == "" && b.Port == 0
}

// Key identifies an agent.
type Key struct {
	Node string
	Proc string
}

// Key returns the identity of the beacon.
func (b Beacon) Key() Key {
	return Key{Node: b.Node, Proc: b.Proc}
}

// Registry is safe for concurrent use. Writes normally come only from the
// message loop.
type Registry struct {
	cache *lru.Cache[Key, entry]
	ttl   time.Duration
	clock clock.Clock
}

type entry struct {
	beacon  Beacon
	updated time.Time
}

// NewRegistry creates a registry holding up to capacity agents. Entries not
// updated within ttl are ignored; ttl <= 0 keeps them until evicted by
// capacity. A nil clk uses the wall clock.
func NewRegistry(capacity int, ttl time.Duration, clk clock.Clock) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.New()
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[Key, entry](capacity)
	return &Registry{cache: cache, ttl: ttl, clock: clk}
}

func (r *Registry) live(e entry) bool {
	return r.ttl <= 0 || r.clock.Since(e.updated) < r.ttl
}

// Update replaces the entry for b's identity or adds a new one.
func (r *Registry) Update(b Beacon) {
	r.cache.Add(b.Key(), entry{beacon: b, updated: r.clock.Now()})
}

// Find looks up an agent. Node AnyNode matches the first agent with proc on
// any node.
func (r *Registry) Find(node, proc string) (Beacon, bool) {
	if node != AnyNode {
		e, ok := r.cache.Peek(Key{Node: node, Proc: proc})
		if !ok || !r.live(e) {
			return Beacon{}, false
		}
		return e.beacon, true
	}
	for _, b := range r.Snapshot() {
		if b.Proc == proc {
			return b, true
		}
	}
	return Beacon{}, false
}

// Snapshot returns every live entry, oldest update first.
func (r *Registry) Snapshot() []Beacon {
	entries := r.cache.Values()
	out := make([]Beacon, 0, len(entries))
	for _, e := range entries {
		if r.live(e) {
			out = append(out, e.beacon)
		}
	}
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	if r.ttl <= 0 {
		return r.cache.Len()
	}
	return len(r.Snapshot())
}

// Purge drops every entry.
func (r *Registry) Purge() {
	r.cache.Purge()
}
