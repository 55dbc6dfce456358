package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agentnet/internal/agenterr"
	"agentnet/internal/frame"
	"agentnet/internal/namespace"
	"agentnet/internal/sysinfo"
)

type builtin struct {
	token       string
	fn          func(args string, out *bytes.Buffer) (int, error)
	synopsis    string
	description string
}

func (a *Agent) builtins() []builtin {
	return []builtin{
		{"help", a.reqHelp, "", "list available requests"},
		{"help_json", a.reqHelpJSON, "", "list available requests as JSON"},
		{"shutdown", a.reqState(StateShutdown), "", "request the agent to shut down"},
		{"init", a.reqState(StateInit), "", "set state to INIT"},
		{"idle", a.reqState(StateIdle), "", "set state to IDLE"},
		{"run", a.reqState(StateRun), "", "set state to RUN"},
		{"monitor", a.reqState(StateMonitor), "", "set state to MONITOR"},
		{"safe", a.reqState(StateSafe), "", "set state to SAFE"},
		{"debug", a.reqState(StateDebug), "", "set state to DEBUG"},
		{"status", a.reqStatus, "", "return the agent beacon as JSON"},
		{"debug_level", a.reqDebugLevel, "[level]", "get or set the log level"},
		{"getvalue", a.reqGetValue, "{\"name1\",\"name2\",...}", "return the named values as JSON"},
		{"setvalue", a.reqSetValue, "{\"name1\":value},{\"name2\":value},...", "set values from JSON"},
		{"listnames", a.reqListNames, "", "list every name in the namespace"},
		{"forward", a.reqForward, "nbytes packet", "broadcast the trailing nbytes of the request unframed"},
		{"echo", a.reqEcho, "utc crc nbytes bytes", "echo bytes back with local time and checksum"},
		{"heartbeat", a.reqHeartbeat, "", "post a heartbeat now"},
		{"utc", a.reqUTC, "", "return the local time as a Modified Julian Date"},
		{"soh", a.reqSOH, "[name1,name2,...]", "get or set the heartbeat field list"},
		{"nodejson", a.reqNodeJSON, "", "describe the host"},
		{"statejson", a.reqStateJSON, "", "describe the runtime state"},
		{"portsjson", a.reqPortsJSON, "", "list the publish channels"},
	}
}

func (a *Agent) registerBuiltins() error {
	for _, b := range a.builtins() {
		fn := b.fn
		h := BoundHandler(func(request string, out *bytes.Buffer) (int, error) {
			return fn(trimToken(request), out)
		})
		if err := a.AddRequest(b.token, h, b.synopsis, b.description); err != nil {
			return fmt.Errorf("registering %s: %w", b.token, err)
		}
	}
	return nil
}

func (a *Agent) reqHelp(_ string, out *bytes.Buffer) (int, error) {
	for _, e := range a.Requests() {
		fmt.Fprintf(out, "%-16s %s\n", e.Token, e.Synopsis)
		if e.Description != "" {
			fmt.Fprintf(out, "%16s %s\n", "", e.Description)
		}
	}
	return 0, nil
}

func (a *Agent) reqHelpJSON(_ string, out *bytes.Buffer) (int, error) {
	return writeJSON(out, a.Requests())
}

func (a *Agent) reqState(s State) func(string, *bytes.Buffer) (int, error) {
	return func(string, *bytes.Buffer) (int, error) {
		a.SetState(s)
		return 0, nil
	}
}

func (a *Agent) reqStatus(_ string, out *bytes.Buffer) (int, error) {
	b := a.Beacon()
	b.UTC = frame.MJD(a.clock.Now())
	b.UTCOffset = a.cfg.UTCOffset
	return writeJSON(out, b)
}

func (a *Agent) reqDebugLevel(args string, out *bytes.Buffer) (int, error) {
	if args = strings.TrimSpace(args); args != "" {
		lvl, err := zerolog.ParseLevel(args)
		if err != nil {
			return -1, agenterr.Wrap(agenterr.ErrRequest, "debug_level %q", args)
		}
		zerolog.SetGlobalLevel(lvl)
	}
	out.WriteString(zerolog.GlobalLevel().String())
	return 0, nil
}

func (a *Agent) reqGetValue(args string, out *bytes.Buffer) (int, error) {
	text, err := a.namespace.Get(namespace.ParseNames(args))
	if err != nil {
		return -1, err
	}
	out.WriteString(text)
	return 0, nil
}

func (a *Agent) reqSetValue(args string, out *bytes.Buffer) (int, error) {
	n, err := a.namespace.SetJSON(args)
	if err != nil {
		return -1, err
	}
	out.WriteString(strconv.Itoa(n))
	return n, nil
}

func (a *Agent) reqListNames(_ string, out *bytes.Buffer) (int, error) {
	text, err := a.namespace.ListNames()
	if err != nil {
		return -1, err
	}
	out.WriteString(text)
	return 0, nil
}

// trailing splits "n rest" and returns the last n bytes of rest.
func trailing(args string) (int, []byte, error) {
	f, rest, _ := strings.Cut(args, " ")
	n, err := strconv.Atoi(f)
	if err != nil || n < 0 {
		return 0, nil, agenterr.Wrap(agenterr.ErrRequest, "invalid byte count %q", f)
	}
	if n > len(rest) {
		n = len(rest)
	}
	return n, []byte(rest[len(rest)-n:]), nil
}

func (a *Agent) reqForward(args string, out *bytes.Buffer) (int, error) {
	_, packet, err := trailing(args)
	if err != nil {
		return -1, err
	}
	sent, err := a.forward(packet)
	if err != nil {
		return -1, err
	}
	fmt.Fprintf(out, "%.15g %d", frame.MJD(a.clock.Now()), sent)
	return sent, nil
}

func (a *Agent) reqEcho(args string, out *bytes.Buffer) (int, error) {
	// The caller's utc and crc are informational; only nbytes is used.
	f := strings.SplitN(args, " ", 3)
	if len(f) < 3 {
		return -1, agenterr.Wrap(agenterr.ErrRequest, "echo needs utc crc nbytes bytes")
	}
	n, data, err := trailing(f[2])
	if err != nil {
		return -1, err
	}
	fmt.Fprintf(out, "%.17g %x %d ", frame.MJD(a.clock.Now()), crc16(data), n)
	out.Write(data)
	return n, nil
}

func (a *Agent) reqHeartbeat(_ string, _ *bytes.Buffer) (int, error) {
	if err := a.beat(); err != nil {
		return -1, err
	}
	return 0, nil
}

func (a *Agent) reqUTC(_ string, out *bytes.Buffer) (int, error) {
	fmt.Fprintf(out, "%.15g %.15g", frame.MJD(a.clock.Now()), a.cfg.UTCOffset)
	return 0, nil
}

func (a *Agent) reqSOH(args string, out *bytes.Buffer) (int, error) {
	if strings.TrimSpace(args) != "" {
		a.SetSOH(namespace.ParseNames(args))
	}
	return writeJSON(out, a.SOH())
}

func (a *Agent) reqNodeJSON(_ string, out *bytes.Buffer) (int, error) {
	return writeJSON(out, sysinfo.Describe())
}

type stateReport struct {
	State    string   `json:"state"`
	PID      int      `json:"pid"`
	Uptime   float64  `json:"uptime"`
	Requests int      `json:"requests"`
	Peers    int      `json:"peers"`
	Ring     int      `json:"ring"`
	RingCap  int      `json:"ring_capacity"`
	SOH      []string `json:"soh"`
}

func (a *Agent) reqStateJSON(_ string, out *bytes.Buffer) (int, error) {
	return writeJSON(out, stateReport{
		State:    a.State().String(),
		PID:      a.pid,
		Uptime:   a.clock.Since(a.started).Round(time.Millisecond).Seconds(),
		Requests: a.requests.Len(),
		Peers:    a.peers.Len(),
		Ring:     a.ring.Len(),
		RingCap:  a.ring.Cap(),
		SOH:      a.SOH(),
	})
}

type portReport struct {
	Interface   string `json:"interface"`
	Address     string `json:"address"`
	Destination string `json:"destination"`
	Port        int    `json:"port"`
}

func (a *Agent) reqPortsJSON(_ string, out *bytes.Buffer) (int, error) {
	a.mu.RLock()
	ports := make([]portReport, 0, len(a.pubs))
	for _, p := range a.pubs {
		ports = append(ports, portReport{
			Interface:   p.tmpl.Interface,
			Address:     p.tmpl.Address.String(),
			Destination: p.tmpl.Destination.String(),
			Port:        p.ch.Port(),
		})
	}
	a.mu.RUnlock()
	return writeJSON(out, ports)
}

func writeJSON(out *bytes.Buffer, v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return -1, agenterr.Wrap(agenterr.ErrEncode, "%v", err)
	}
	out.Write(b)
	return 0, nil
}

// crc16 is the reflected CCITT checksum (polynomial 0x8408, initial value
// 0xffff, no final xor) used on serial links.
func crc16(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, c := range data {
		crc ^= uint16(c)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
