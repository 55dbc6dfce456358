package agent

import (
	"net"

	"agentnet/internal/agenterr"
	"agentnet/internal/dispatch"
	"agentnet/internal/frame"
	"agentnet/internal/peer"
)

// heartbeatLoop publishes a BEAT frame every period until SHUTDOWN.
func (a *Agent) heartbeatLoop() error {
	last := a.clock.Now()
	first := true

	for a.running() {
		period := a.period()
		cycle := a.clock.Now()
		jitter := 0.0
		if !first {
			jitter = (cycle.Sub(last) - period).Seconds()
		}
		first = false
		last = cycle

		a.mu.Lock()
		a.beacon.Jitter = jitter
		a.mu.Unlock()
		a.metrics.Jitter.Set(jitter)

		state := a.State()
		if err := a.beat(); err != nil {
			a.log.Debug().Err(err).Msg("Heartbeat not sent")
		}

		switch state {
		case StateMonitor:
			a.sampleProcess()
		case StateShutdown:
			a.zeroLoad()
		}

		a.sleep(period - a.clock.Since(cycle))
	}

	a.zeroLoad()
	return nil
}

// beat posts one BEAT frame. The payload carries the SOH fields unless
// the agent is IDLE.
func (a *Agent) beat() error {
	soh := a.SOH()
	var payload []byte
	if a.State() != StateIdle && len(soh) > 0 {
		text, err := a.namespace.Get(soh)
		if err != nil {
			a.log.Warn().Err(err).Msg("Failed to build heartbeat payload")
		} else {
			payload = []byte(text)
		}
	}
	return a.Post(frame.TypeBeat, payload)
}

func (a *Agent) sampleProcess() {
	if a.process == nil {
		return
	}
	cpu, err := a.process.CPUPercent()
	if err != nil {
		a.log.Debug().Err(err).Msg("CPU sample failed")
	}
	mem, err := a.process.VirtualMemory()
	if err != nil {
		a.log.Debug().Err(err).Msg("Memory sample failed")
	}
	a.mu.Lock()
	a.beacon.CPU = cpu
	a.beacon.Memory = mem
	a.mu.Unlock()
}

func (a *Agent) zeroLoad() {
	a.mu.Lock()
	a.beacon.CPU = 0
	a.beacon.Memory = 0
	a.mu.Unlock()
}

// requestLoop serves requests on the agent's own port, one at a time.
func (a *Agent) requestLoop() error {
	buf := make([]byte, a.cfg.BufferSize)

	for a.running() {
		n, src, err := a.req.Receive(buf)
		if err != nil {
			if isClosed(err) {
				return nil
			}
			a.log.Error().Err(err).Msg("Request receive failed")
			continue
		}
		if n == 0 {
			continue
		}

		reply := a.serveRequest(buf[:n])
		if _, err := a.req.SendTo(reply, src); err != nil {
			a.log.Warn().Err(err).Str("client", src.String()).Msg("Failed to send reply")
		}
	}
	return nil
}

// serveRequest dispatches one request and returns the reply, trimmed to
// the agent's buffer size.
func (a *Agent) serveRequest(raw []byte) []byte {
	start := a.clock.Now()
	reply, res := a.requests.Dispatch(raw, a)
	a.metrics.RequestDuration.Observe(a.clock.Since(start).Seconds())

	result := "ok"
	if res.Err != nil {
		result = "nok"
	}
	a.metrics.Requests.WithLabelValues(result).Inc()

	if limit := a.cfg.BufferSize; len(reply) > limit {
		reply = reply[:limit]
	}

	if a.State() == StateDebug {
		a.log.Info().
			Str("request", string(raw)).
			Str("reply", string(reply)).
			Err(res.Err).
			Msg("Request served")
	} else {
		a.log.Trace().
			Str("token", res.Token).
			Int("status", res.Status).
			Err(res.Err).
			Msg("Request served")
	}
	return reply
}

// messageLoop admits frames from the discovery channel into the peer
// registry and the ring, and answers broadcast requests.
func (a *Agent) messageLoop() {
	defer close(a.msgDone)
	buf := make([]byte, frame.MaxDatagram)

	for a.running() {
		n, src, err := a.sub.Receive(buf)
		if err != nil {
			if isClosed(err) {
				return
			}
			a.log.Error().Err(err).Msg("Discovery receive failed")
			a.sleep(a.cfg.ReceiveTimeout)
			continue
		}
		if n == 0 {
			continue
		}
		a.admit(buf[:n], src)
	}
}

func (a *Agent) admit(b []byte, src *net.UDPAddr) {
	if a.isSelf(src) {
		a.metrics.FramesDropped.WithLabelValues("self").Inc()
		return
	}

	f, err := frame.Decode(b)
	if err != nil {
		a.metrics.FramesDropped.WithLabelValues("malformed").Inc()
		a.log.Debug().Err(err).Str("source", src.String()).Msg("Dropping malformed frame")
		return
	}

	now := a.clock.Now()
	if f.Header.Port != 0 {
		a.peers.Update(peer.FromHeader(f.Header, a.cfg.Network, now))
		a.metrics.Peers.Set(float64(a.peers.Len()))
	}
	a.ring.Push(Message{Frame: f, Source: src, Received: now})
	a.metrics.FramesReceived.WithLabelValues(f.Type.String()).Inc()

	if f.Type == frame.TypeRequest && a.IsServer() && a.running() {
		reply := a.serveRequest(f.Payload)
		if err := a.Post(frame.TypeResponse, reply); err != nil {
			a.log.Debug().Err(err).Msg("Broadcast response not sent")
		}
	}
}

// isSelf reports whether src is one of our own publish channels.
func (a *Agent) isSelf(src *net.UDPAddr) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, p := range a.pubs {
		local := p.ch.Local
		if local.Port == src.Port && local.IP.Equal(src.IP) {
			return true
		}
	}
	return false
}

// Post broadcasts a frame of type t on every publish channel. Client
// agents open their publish channels on first use.
func (a *Agent) Post(t frame.MessageType, payload []byte) error {
	if len(payload) > a.cfg.BufferSize {
		return agenterr.Wrap(agenterr.ErrBufferOverflow, "payload of %d bytes, limit %d", len(payload), a.cfg.BufferSize)
	}
	if !a.running() {
		return agenterr.ErrNotRunning
	}
	if err := a.openPublishers(); err != nil {
		return err
	}

	a.mu.RLock()
	pubs := a.pubs
	b := a.beacon
	a.mu.RUnlock()

	var sent int
	var lastErr error
	for _, p := range pubs {
		data, err := frame.Encode(t, a.header(b, p.tmpl.Address.String()), payload, a.cfg.HeaderFormat)
		if err != nil {
			return err
		}
		if _, err := p.ch.Send(data); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return lastErr
	}
	a.metrics.FramesSent.WithLabelValues(t.String()).Inc()
	return nil
}

func (a *Agent) header(b peer.Beacon, addr string) frame.Header {
	return frame.Header{
		UTC:       frame.MJD(a.clock.Now()),
		Node:      b.Node,
		Proc:      b.Proc,
		Addr:      addr,
		Port:      b.Port,
		Period:    b.Period,
		BufSize:   b.BufSize,
		CPU:       b.CPU,
		Memory:    b.Memory,
		Jitter:    b.Jitter,
		UTCOffset: a.cfg.UTCOffset,
	}
}

// forward broadcasts raw bytes without framing.
func (a *Agent) forward(packet []byte) (int, error) {
	if err := a.openPublishers(); err != nil {
		return 0, err
	}
	a.mu.RLock()
	pubs := a.pubs
	a.mu.RUnlock()

	total := 0
	for _, p := range pubs {
		n, err := p.ch.Send(packet)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func trimToken(request string) string {
	tok := dispatch.Token(request)
	if len(request) <= len(tok) {
		return ""
	}
	return request[len(tok)+1:]
}
