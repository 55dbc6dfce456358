// Package agent implements the agent runtime: discovery over broadcast or
// multicast UDP, periodic heartbeats, and an unreliable request/reply
// service.
package agent

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"agentnet/internal/agenterr"
	"agentnet/internal/dispatch"
	"agentnet/internal/frame"
	"agentnet/internal/metrics"
	"agentnet/internal/namespace"
	"agentnet/internal/peer"
	"agentnet/internal/ring"
	"agentnet/internal/socket"
	"agentnet/internal/sysinfo"
)

// Handler serves one request for an agent.
type Handler = dispatch.Handler[*Agent]

// HandlerFunc is a free function handed the agent on every call.
type HandlerFunc = dispatch.Func[*Agent]

// BoundHandler is a closure that already holds whatever it needs.
type BoundHandler = dispatch.BoundFunc[*Agent]

// Message is a frame admitted by the message loop.
type Message struct {
	Frame    frame.Frame
	Source   *net.UDPAddr
	Received time.Time
}

type publisher struct {
	ch   *socket.Channel
	tmpl socket.Template
}

// Agent is one runtime instance. Create it with Start and release it with
// Shutdown.
type Agent struct {
	cfg     Config
	log     zerolog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	state   atomic.Int32
	done    chan struct{}
	doneOne sync.Once

	mu     sync.RWMutex
	beacon peer.Beacon
	soh    []string
	pubs   []publisher

	sub *socket.Channel
	req *socket.Channel

	requests  *dispatch.Table[*Agent]
	peers     *peer.Registry
	ring      *ring.Ring[Message]
	namespace NamespaceStore
	process   ProcessMetrics

	cursorMu sync.Mutex
	cursor   uint64

	serving   atomic.Bool
	workers   *errgroup.Group
	msgDone   chan struct{}
	closeOnce sync.Once
	closeErr  error
	started   time.Time
	pid       int
}

// Start builds an agent and runs its startup sequence. With an empty
// cfg.Name the agent is a client: it only listens. Any failure tears down
// what was opened and returns an error.
func Start(cfg Config) (*Agent, error) {
	cfg.applyDefaults()
	if !utf8.ValidString(cfg.Node) || !utf8.ValidString(cfg.Name) {
		return nil, agenterr.Wrap(agenterr.ErrEncode, "node %q and agent %q must be valid UTF-8", cfg.Node, cfg.Name)
	}
	if len(cfg.Node) > dispatch.MaxNameLength {
		return nil, agenterr.Wrap(agenterr.ErrNameLength, "node %q", cfg.Node)
	}
	suffix := 0
	if cfg.MultiInstance {
		suffix = 4
	}
	if len(cfg.Name)+suffix > dispatch.MaxNameLength {
		return nil, agenterr.Wrap(agenterr.ErrNameLength, "agent %q", cfg.Name)
	}

	a := &Agent{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "agent").Str("node", cfg.Node).Logger(),
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
		soh:       append([]string(nil), cfg.SOH...),
		peers:     peer.NewRegistry(peer.DefaultCapacity, cfg.PeerTTL, cfg.Clock),
		ring:      ring.New[Message](cfg.RingSize),
		namespace: cfg.Namespace,
		process:   cfg.Process,
		msgDone:   make(chan struct{}),
		pid:       os.Getpid(),
	}
	a.requests = dispatch.NewTable[*Agent](dispatch.DefaultMaxEntries, a.log)
	a.started = a.clock.Now()
	a.state.Store(int32(StateInit))
	a.beacon = peer.Beacon{
		Node:    cfg.Node,
		Network: cfg.Network,
		Period:  cfg.HeartbeatPeriod.Seconds(),
		BufSize: uint32(cfg.BufferSize),
	}

	if a.namespace == nil {
		a.namespace = namespace.New()
	}

	if err := a.start(); err != nil {
		a.Shutdown()
		return nil, err
	}
	return a, nil
}

func (a *Agent) start() error {
	sub, err := socket.Open(a.cfg.Network, a.cfg.MulticastGroup, a.cfg.DiscoveryPort, socket.RoleListen, socket.Options{
		Timeout: a.cfg.ReceiveTimeout,
		RecvBuf: 4 * frame.MaxDatagram,
	})
	if err != nil {
		close(a.msgDone)
		return fmt.Errorf("opening subscribe channel: %w", err)
	}
	a.sub = sub
	go a.messageLoop()

	if a.cfg.Name == "" {
		a.log.Debug().Int("port", a.cfg.DiscoveryPort).Msg("Client agent listening")
		return nil
	}

	name, err := a.negotiateName()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.beacon.Proc = name
	a.mu.Unlock()

	if err := a.openPublishers(); err != nil {
		return err
	}

	req, err := socket.Open(socket.NetworkUDP, "", a.cfg.RequestPort, socket.RoleCommunicate, socket.Options{
		Blocking: true,
		Timeout:  a.cfg.ReceiveTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening request channel: %w", err)
	}
	a.req = req
	a.mu.Lock()
	a.beacon.Port = uint16(req.Port())
	if len(a.pubs) > 0 {
		a.beacon.Addr = a.pubs[0].tmpl.Address.String()
	}
	a.mu.Unlock()

	if a.process == nil {
		if p, err := sysinfo.Self(); err == nil {
			a.process = p
		} else {
			a.log.Warn().Err(err).Msg("Process sampling unavailable")
		}
	}
	a.bindNamespace()

	a.workers = &errgroup.Group{}
	a.workers.Go(a.heartbeatLoop)
	a.workers.Go(a.requestLoop)

	if err := a.registerBuiltins(); err != nil {
		return err
	}
	for _, r := range a.cfg.Requests {
		if err := a.AddRequest(r.Token, r.Handler, r.Synopsis, r.Description); err != nil {
			return err
		}
	}

	a.serving.Store(true)
	a.SetState(StateRun)
	b := a.Beacon()
	a.log.Info().
		Str("agent", b.Proc).
		Str("addr", b.Addr).
		Int("request_port", req.Port()).
		Int("publishers", len(a.pubs)).
		Dur("period", a.cfg.HeartbeatPeriod).
		Msg("Agent started")
	return nil
}

// negotiateName makes sure no other agent on this node uses our name. In
// multi-instance mode it picks the first free numeric suffix instead.
func (a *Agent) negotiateName() (string, error) {
	node, name := a.cfg.Node, a.cfg.Name

	if !a.cfg.MultiInstance {
		if b, ok := a.GetServer(node, name, a.cfg.NameWait); ok {
			return "", agenterr.Wrap(agenterr.ErrNameConflict, "%s:%s already served from %s:%d", node, name, b.Addr, b.Port)
		}
		return name, nil
	}

	// Listen for a full window so every running instance has beaconed.
	a.sleep(a.cfg.NameWait)
	for i := 0; i < MaxInstances; i++ {
		candidate := fmt.Sprintf("%s_%03d", name, i)
		if _, ok := a.peers.Find(node, candidate); !ok {
			return candidate, nil
		}
	}
	return "", agenterr.Wrap(agenterr.ErrNameConflict, "all %d instances of %s:%s are running", MaxInstances, node, name)
}

func (a *Agent) templates() []socket.Template {
	group := a.cfg.group()
	if a.cfg.Interfaces == InterfacesLoopback {
		return []socket.Template{socket.Loopback(a.cfg.Network, group)}
	}

	tmpls, err := socket.EnumerateInterfaces(a.cfg.Network, group)
	if err != nil {
		a.log.Warn().Err(err).Msg("Interface enumeration failed")
	}
	if a.cfg.Interfaces != "" {
		allowed := make(map[string]bool)
		for _, name := range strings.Split(a.cfg.Interfaces, ",") {
			allowed[strings.TrimSpace(name)] = true
		}
		var kept []socket.Template
		for _, t := range tmpls {
			if allowed[t.Interface] {
				kept = append(kept, t)
			}
		}
		tmpls = kept
	}
	if len(tmpls) == 0 {
		a.log.Info().Msg("No broadcast interfaces, publishing on loopback")
		tmpls = []socket.Template{socket.Loopback(a.cfg.Network, group)}
	}
	return tmpls
}

// openPublishers opens one channel per interface. It is a no-op once
// channels exist.
func (a *Agent) openPublishers() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Shutdown sets the state before it takes mu to close the channels.
	if !a.running() {
		return agenterr.ErrNotRunning
	}
	if len(a.pubs) > 0 {
		return nil
	}

	for _, t := range a.templates() {
		ch, err := socket.OpenPublish(a.cfg.Network, t, a.cfg.DiscoveryPort, socket.Options{SendBuf: 4 * frame.MaxDatagram})
		if err != nil {
			a.log.Warn().Err(err).Str("interface", t.Interface).Msg("Failed to open publish channel")
			continue
		}
		a.pubs = append(a.pubs, publisher{ch: ch, tmpl: t})
		a.log.Debug().
			Str("interface", t.Interface).
			Str("address", t.Address.String()).
			Str("destination", t.Destination.String()).
			Msg("Publish channel open")
	}
	if len(a.pubs) == 0 {
		return agenterr.Wrap(agenterr.ErrChannel, "no publish channel could be opened")
	}
	return nil
}

func (a *Agent) bindNamespace() {
	ns, ok := a.namespace.(interface{ Bind(string, func() any) })
	if !ok {
		return
	}
	field := func(get func(b peer.Beacon) any) func() any {
		return func() any { return get(a.Beacon()) }
	}
	ns.Bind("agent_node", field(func(b peer.Beacon) any { return b.Node }))
	ns.Bind("agent_proc", field(func(b peer.Beacon) any { return b.Proc }))
	ns.Bind("agent_addr", field(func(b peer.Beacon) any { return b.Addr }))
	ns.Bind("agent_port", field(func(b peer.Beacon) any { return b.Port }))
	ns.Bind("agent_bprd", field(func(b peer.Beacon) any { return b.Period }))
	ns.Bind("agent_bsz", field(func(b peer.Beacon) any { return b.BufSize }))
	ns.Bind("agent_cpu", field(func(b peer.Beacon) any { return b.CPU }))
	ns.Bind("agent_memory", field(func(b peer.Beacon) any { return b.Memory }))
	ns.Bind("agent_jitter", field(func(b peer.Beacon) any { return b.Jitter }))
	ns.Bind("agent_utc", func() any { return frame.MJD(a.clock.Now()) })
	ns.Bind("agent_pid", func() any { return a.pid })
	ns.Bind("agent_state", func() any { return a.State().String() })
}

// AddRequest registers a request handler. Handlers may be added while the
// agent runs.
func (a *Agent) AddRequest(token string, h Handler, synopsis, description string) error {
	return a.requests.Register(token, h, synopsis, description)
}

// Requests lists the registered requests in order.
func (a *Agent) Requests() []dispatch.Entry[*Agent] {
	return a.requests.Entries()
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// SetState changes the lifecycle state. SHUTDOWN is terminal.
func (a *Agent) SetState(s State) {
	if s == StateShutdown {
		a.state.Store(int32(StateShutdown))
		a.doneOne.Do(func() { close(a.done) })
		return
	}
	for {
		cur := a.state.Load()
		if State(cur) == StateShutdown {
			return
		}
		if a.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (a *Agent) running() bool {
	return a.State() != StateShutdown
}

// Done is closed once the agent enters SHUTDOWN, for example through a
// shutdown request.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the agent reaches state or wait elapses.
func (a *Agent) Wait(state State, wait time.Duration) error {
	deadline := a.clock.Now().Add(wait)
	for a.State() != state {
		if !a.clock.Now().Before(deadline) {
			return agenterr.Wrap(agenterr.ErrTimeout, "waiting for state %s", state)
		}
		if state != StateShutdown && !a.running() {
			return agenterr.Wrap(agenterr.ErrNotRunning, "waiting for state %s", state)
		}
		a.sleep(a.cfg.PollInterval)
	}
	return nil
}

// sleep waits for d or until the agent shuts down.
func (a *Agent) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := a.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-a.done:
	}
}

// Beacon returns a copy of what this agent advertises.
func (a *Agent) Beacon() peer.Beacon {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.beacon
}

// Name returns the negotiated agent name, empty for clients.
func (a *Agent) Name() string {
	return a.Beacon().Proc
}

// IsServer reports whether the agent serves requests.
func (a *Agent) IsServer() bool {
	return a.serving.Load()
}

// Logger returns the agent's logger.
func (a *Agent) Logger() zerolog.Logger {
	return a.log
}

// Namespace returns the store behind getvalue and setvalue.
func (a *Agent) Namespace() NamespaceStore {
	return a.namespace
}

// Metrics returns the agent's collectors.
func (a *Agent) Metrics() *metrics.Metrics {
	return a.metrics
}

// SetSOH sets the namespace names sent as the heartbeat payload.
func (a *Agent) SetSOH(names []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.soh = append([]string(nil), names...)
}

// SOH returns the heartbeat field list.
func (a *Agent) SOH() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.soh...)
}

// SetHeartbeatPeriod changes the heartbeat period, clamped to
// MinHeartbeatPeriod.
func (a *Agent) SetHeartbeatPeriod(d time.Duration) {
	if d < MinHeartbeatPeriod {
		d = MinHeartbeatPeriod
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.beacon.Period = d.Seconds()
}

func (a *Agent) period() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d := time.Duration(a.beacon.Period * float64(time.Second))
	if d < MinHeartbeatPeriod {
		d = MinHeartbeatPeriod
	}
	return d
}

// Shutdown stops the loops and closes every channel: heartbeat and request
// loops first, then publish channels, then the message loop and the
// subscribe channel. It is safe to call more than once.
func (a *Agent) Shutdown() error {
	a.closeOnce.Do(func() {
		a.SetState(StateShutdown)
		var errs error

		if a.workers != nil {
			errs = multierr.Append(errs, a.workers.Wait())
		}
		if a.req != nil {
			errs = multierr.Append(errs, a.req.Close())
		}

		a.mu.Lock()
		for _, p := range a.pubs {
			errs = multierr.Append(errs, p.ch.Close())
		}
		a.pubs = nil
		a.mu.Unlock()

		<-a.msgDone
		if a.sub != nil {
			errs = multierr.Append(errs, a.sub.Close())
		}

		a.closeErr = errs
		a.log.Info().Msg("Agent shut down")
	})
	return a.closeErr
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
