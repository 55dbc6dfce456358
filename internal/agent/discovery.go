package agent

import (
	"context"
	"time"

	"agentnet/internal/agenterr"
	"agentnet/internal/frame"
	"agentnet/internal/peer"
	"agentnet/internal/socket"
)

// FindAgent looks up the most recent beacon of node:proc without waiting.
// Node peer.AnyNode matches every node.
func (a *Agent) FindAgent(node, proc string) (peer.Beacon, bool) {
	return a.peers.Find(node, proc)
}

// GetServer waits up to wait for node:proc to beacon. It first asks every
// server for an immediate heartbeat.
func (a *Agent) GetServer(node, proc string, wait time.Duration) (peer.Beacon, bool) {
	if b, ok := a.peers.Find(node, proc); ok {
		return b, true
	}
	if err := a.Post(frame.TypeRequest, []byte("heartbeat")); err != nil {
		a.log.Debug().Err(err).Msg("Heartbeat solicitation not sent")
	}

	deadline := a.clock.Now().Add(wait)
	for a.clock.Now().Before(deadline) {
		a.sleep(a.cfg.PollInterval)
		if b, ok := a.peers.Find(node, proc); ok {
			return b, true
		}
		if !a.running() {
			break
		}
	}
	return peer.Beacon{}, false
}

// FindServer is GetServer returning the empty beacon when nothing answers.
func (a *Agent) FindServer(node, proc string, wait time.Duration) peer.Beacon {
	b, _ := a.GetServer(node, proc, wait)
	return b
}

// FindServers collects every agent heard during wait, ordered by request
// port.
func (a *Agent) FindServers(wait time.Duration) []peer.Beacon {
	if err := a.Post(frame.TypeRequest, []byte("heartbeat")); err != nil {
		a.log.Debug().Err(err).Msg("Heartbeat solicitation not sent")
	}

	seen := make(map[peer.Key]peer.Beacon)
	collect := func() {
		for _, b := range a.peers.Snapshot() {
			seen[b.Key()] = b
		}
	}

	deadline := a.clock.Now().Add(wait)
	collect()
	for a.clock.Now().Before(deadline) && a.running() {
		a.sleep(a.cfg.PollInterval)
		collect()
	}

	out := make([]peer.Beacon, 0, len(seen))
	for _, b := range seen {
		// Insertion sort keeps equal ports in arrival order.
		i := len(out)
		out = append(out, b)
		for i > 0 && out[i-1].Port > b.Port {
			out[i] = out[i-1]
			i--
		}
		out[i] = b
	}
	return out
}

// Peers returns the registry contents.
func (a *Agent) Peers() []peer.Beacon {
	return a.peers.Snapshot()
}

// SendRequest sends request to the agent described by b and waits up to
// wait for its reply.
func (a *Agent) SendRequest(b peer.Beacon, request string, wait time.Duration) (string, error) {
	return SendRequest(b, request, wait)
}

// SendRequest is the client half of the request protocol. The request is
// truncated to the server's advertised buffer size. There is no retry, and a
// non-positive wait times out without sending.
func SendRequest(b peer.Beacon, request string, wait time.Duration) (string, error) {
	if b.IsZero() || b.Port == 0 {
		return "", agenterr.Wrap(agenterr.ErrDiscovery, "no address for %s:%s", b.Node, b.Proc)
	}
	if wait <= 0 {
		return "", agenterr.Wrap(agenterr.ErrTimeout, "no wait for reply from %s:%s", b.Node, b.Proc)
	}
	if b.BufSize > 0 && len(request) > int(b.BufSize) {
		request = request[:b.BufSize]
	}

	ch, err := socket.Open(socket.NetworkUDP, b.Addr, int(b.Port), socket.RoleTalk, socket.Options{
		Blocking: true,
		Timeout:  wait,
	})
	if err != nil {
		return "", err
	}
	defer ch.Close()

	if _, err := ch.Send([]byte(request)); err != nil {
		return "", err
	}

	buf := make([]byte, frame.MaxDatagram+8)
	n, _, err := ch.Receive(buf)
	if err != nil {
		return "", agenterr.Wrap(agenterr.ErrRequest, "%s:%s: %v", b.Node, b.Proc, err)
	}
	if n == 0 {
		return "", agenterr.Wrap(agenterr.ErrTimeout, "no reply from %s:%s within %s", b.Node, b.Proc, wait)
	}
	return string(buf[:n]), nil
}

// Filter selects messages for PollFilter. Zero fields match everything;
// Node also accepts peer.AnyNode.
type Filter struct {
	Type frame.MessageType
	Node string
	Proc string
}

func (f Filter) match(m Message) bool {
	if f.Type != 0 && f.Type != frame.TypeAll && m.Frame.Type != f.Type {
		return false
	}
	if f.Node != "" && f.Node != peer.AnyNode && m.Frame.Header.Node != f.Node {
		return false
	}
	return f.Proc == "" || m.Frame.Header.Proc == f.Proc
}

// Poll returns the next unread message of type t (frame.TypeAll for any),
// waiting up to wait. Each agent keeps one read cursor.
func (a *Agent) Poll(t frame.MessageType, wait time.Duration) (Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	return a.PollFilter(ctx, Filter{Type: t})
}

// PollFilter returns the next unread message accepted by f, waiting until
// ctx is done.
func (a *Agent) PollFilter(ctx context.Context, f Filter) (Message, error) {
	a.cursorMu.Lock()
	defer a.cursorMu.Unlock()

	m, next, err := a.ring.Next(ctx, a.cursor, f.match)
	a.cursor = next
	if err != nil {
		return Message{}, agenterr.Wrap(agenterr.ErrTimeout, "polling for %s", f.Type)
	}
	return m, nil
}

// ReadRing returns every retained message, oldest first.
func (a *Agent) ReadRing() []Message {
	return a.ring.Snapshot()
}

// ClearRing drops the retained messages and moves the read cursor past them.
func (a *Agent) ClearRing() {
	a.cursorMu.Lock()
	defer a.cursorMu.Unlock()
	a.ring.Clear()
	a.cursor = a.ring.Head()
}

// ResizeRing changes how many messages are retained.
func (a *Agent) ResizeRing(n int) {
	a.ring.Resize(n)
}
