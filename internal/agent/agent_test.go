package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentnet/internal/agenterr"
	"agentnet/internal/frame"
	"agentnet/internal/peer"
)

type fakeProcess struct{}

func (fakeProcess) CPUPercent() (float64, error)    { return 12.5, nil }
func (fakeProcess) VirtualMemory() (float64, error) { return 4096, nil }

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func testConfig(port int, name string) Config {
	return Config{
		Node:            "n1",
		Name:            name,
		Interfaces:      InterfacesLoopback,
		DiscoveryPort:   port,
		HeartbeatPeriod: 50 * time.Millisecond,
		ReceiveTimeout:  20 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		NameWait:        300 * time.Millisecond,
		Logger:          zerolog.Nop(),
		Process:         fakeProcess{},
	}
}

func startAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	a, err := Start(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown() })
	return a
}

var double = HandlerFunc(func(request string, out *bytes.Buffer, _ *Agent) (int, error) {
	f := strings.Fields(request)
	if len(f) != 2 {
		return -1, errors.New("usage: double n")
	}
	n, err := strconv.Atoi(f[1])
	if err != nil {
		return -1, err
	}
	fmt.Fprintf(out, "%d", 2*n)
	return 0, nil
})

func TestRequestRoundTrip(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(port, "svc")
	cfg.Requests = []Request{{Token: "double", Synopsis: "n", Description: "twice n", Handler: double}}
	server := startAgent(t, cfg)
	require.Equal(t, "svc", server.Name())
	require.True(t, server.IsServer())
	require.Equal(t, StateRun, server.State())

	client := startAgent(t, testConfig(port, ""))
	assert.False(t, client.IsServer())

	b := client.FindServer("n1", "svc", 4*time.Second)
	require.False(t, b.IsZero(), "server not discovered")
	assert.Equal(t, "127.0.0.1", b.Addr)
	assert.Equal(t, server.Beacon().Port, b.Port)

	reply, err := client.SendRequest(b, "double 21", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "42[OK]", reply)

	reply, err = client.SendRequest(b, "double x", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "[NOK]", reply)

	reply, err = client.SendRequest(b, "triple 3", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "[NOK]", reply)
}

func TestSingleInstanceNameConflict(t *testing.T) {
	port := freePort(t)
	startAgent(t, testConfig(port, "svc"))

	_, err := Start(testConfig(port, "svc"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterr.ErrNameConflict), "got %v", err)
	assert.Equal(t, agenterr.ErrNameConflict.Code, agenterr.Code(err))
}

func TestMultiInstanceSuffix(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(port, "svc")
	cfg.MultiInstance = true

	first := startAgent(t, cfg)
	assert.Equal(t, "svc_000", first.Name())

	second := startAgent(t, cfg)
	assert.Equal(t, "svc_001", second.Name())
}

func TestNameTooLong(t *testing.T) {
	_, err := Start(testConfig(freePort(t), strings.Repeat("x", 41)))
	assert.True(t, errors.Is(err, agenterr.ErrNameLength))
}

func TestNameInvalidUTF8(t *testing.T) {
	_, err := Start(testConfig(freePort(t), "svc\xff"))
	assert.True(t, errors.Is(err, agenterr.ErrEncode), "got %v", err)
}

func TestOwnFramesSuppressed(t *testing.T) {
	a := startAgent(t, testConfig(freePort(t), "svc"))

	// Several heartbeat periods.
	time.Sleep(300 * time.Millisecond)

	_, ok := a.FindAgent("n1", "svc")
	assert.False(t, ok)
	for _, m := range a.ReadRing() {
		assert.NotEqual(t, "svc", m.Frame.Header.Proc)
	}
}

func TestHeartbeatPeriodFloor(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(port, "fast")
	cfg.HeartbeatPeriod = time.Millisecond
	startAgent(t, cfg)

	client := startAgent(t, testConfig(port, ""))
	m, err := client.Poll(frame.TypeBeat, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fast", m.Frame.Header.Proc)
	assert.InDelta(t, MinHeartbeatPeriod.Seconds(), m.Frame.Header.Period, 1e-9)
}

func TestHeartbeatCarriesSOH(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(port, "svc")
	cfg.SOH = []string{"agent_proc", "agent_state"}
	startAgent(t, cfg)

	client := startAgent(t, testConfig(port, ""))
	m, err := client.Poll(frame.TypeBeat, 2*time.Second)
	require.NoError(t, err)

	var soh map[string]any
	require.NoError(t, json.Unmarshal(m.Frame.Payload, &soh))
	assert.Equal(t, "svc", soh["agent_proc"])
	assert.Equal(t, "run", soh["agent_state"])
}

// waitBeat polls BEAT frames from proc until ok accepts one.
func waitBeat(t *testing.T, client *Agent, proc string, ok func(frame.Frame) bool) frame.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		m, err := client.PollFilter(ctx, Filter{Type: frame.TypeBeat, Proc: proc})
		require.NoError(t, err, "no matching heartbeat from %s", proc)
		if ok(m.Frame) {
			return m.Frame
		}
	}
}

func TestHeartbeatFollowsState(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(port, "svc")
	cfg.SOH = []string{"agent_proc"}
	server := startAgent(t, cfg)
	client := startAgent(t, testConfig(port, ""))

	waitBeat(t, client, "svc", func(f frame.Frame) bool { return len(f.Payload) > 0 })

	server.SetState(StateIdle)
	f := waitBeat(t, client, "svc", func(f frame.Frame) bool { return len(f.Payload) == 0 })
	assert.Empty(t, f.Payload)

	server.SetState(StateMonitor)
	f = waitBeat(t, client, "svc", func(f frame.Frame) bool { return f.Header.CPU != 0 })
	assert.Equal(t, 12.5, f.Header.CPU)
	assert.Equal(t, 4096.0, f.Header.Memory)
	assert.NotEmpty(t, f.Payload)
}

func TestBuiltinRequests(t *testing.T) {
	port := freePort(t)
	server := startAgent(t, testConfig(port, "svc"))
	client := startAgent(t, testConfig(port, ""))

	b := client.FindServer("n1", "svc", 4*time.Second)
	require.False(t, b.IsZero())

	send := func(req string) string {
		t.Helper()
		reply, err := SendRequest(b, req, 2*time.Second)
		require.NoError(t, err)
		return reply
	}

	var status peer.Beacon
	reply := send("status")
	require.True(t, strings.HasSuffix(reply, "[OK]"), reply)
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(reply, "[OK]")), &status))
	assert.Equal(t, "svc", status.Proc)
	assert.Equal(t, b.Port, status.Port)

	assert.Equal(t, "1[OK]", send(`setvalue {"answer":42}`))
	assert.Equal(t, `{"answer":42}[OK]`, send(`getvalue {"answer"}`))
	assert.Contains(t, send("listnames"), `"answer"`)
	assert.Equal(t, "[NOK]", send(`setvalue {"agent_proc":"x"}`))

	assert.Equal(t, "[OK]", send("monitor"))
	assert.Equal(t, StateMonitor, server.State())
	assert.Equal(t, "[OK]", send("idle"))
	assert.Equal(t, StateIdle, server.State())
	assert.Equal(t, "[OK]", send("run"))
	assert.Equal(t, StateRun, server.State())

	want := fmt.Sprintf(" %x 5 hello[OK]", crc16([]byte("hello")))
	assert.True(t, strings.HasSuffix(send("echo 60000.5 0 5 hello"), want))
	assert.Equal(t, "[NOK]", send("echo 1"))

	assert.Contains(t, send("help"), "getvalue")
	assert.Equal(t, `["agent_utc"][OK]`, send("soh agent_utc"))
	assert.Equal(t, []string{"agent_utc"}, server.SOH())

	var ports []map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(send("portsjson"), "[OK]")), &ports))
	require.Len(t, ports, 1)
	assert.Equal(t, "127.0.0.1", ports[0]["address"])
}

func TestShutdownRequest(t *testing.T) {
	port := freePort(t)
	server := startAgent(t, testConfig(port, "svc"))
	client := startAgent(t, testConfig(port, ""))

	b := client.FindServer("n1", "svc", 4*time.Second)
	require.False(t, b.IsZero())

	reply, err := client.SendRequest(b, "shutdown", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "[OK]", reply)

	select {
	case <-server.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not enter SHUTDOWN")
	}
	assert.Equal(t, StateShutdown, server.State())
	assert.NoError(t, server.Shutdown())

	// SHUTDOWN is terminal.
	server.SetState(StateRun)
	assert.Equal(t, StateShutdown, server.State())
}

func TestFindServersSortedByPort(t *testing.T) {
	port := freePort(t)
	startAgent(t, testConfig(port, "a"))
	startAgent(t, testConfig(port, "b"))
	client := startAgent(t, testConfig(port, ""))

	found := client.FindServers(500 * time.Millisecond)
	require.Len(t, found, 2)
	assert.Less(t, found[0].Port, found[1].Port)
}

func TestSendRequestErrors(t *testing.T) {
	_, err := SendRequest(peer.Beacon{}, "status", 100*time.Millisecond)
	assert.True(t, errors.Is(err, agenterr.ErrDiscovery))

	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	b := peer.Beacon{Node: "n1", Proc: "mute", Addr: "127.0.0.1", Port: uint16(silent.LocalAddr().(*net.UDPAddr).Port)}
	_, err = SendRequest(b, "status", 100*time.Millisecond)
	assert.True(t, errors.Is(err, agenterr.ErrTimeout), "got %v", err)

	for _, wait := range []time.Duration{0, -time.Second} {
		done := make(chan error, 1)
		go func() {
			_, err := SendRequest(b, "status", wait)
			done <- err
		}()
		select {
		case err := <-done:
			assert.True(t, errors.Is(err, agenterr.ErrTimeout), "wait %s: got %v", wait, err)
		case <-time.After(time.Second):
			t.Fatalf("SendRequest with wait %s did not return", wait)
		}
	}
}

func TestPostRejectsOversizedPayload(t *testing.T) {
	cfg := testConfig(freePort(t), "")
	cfg.BufferSize = 16
	client := startAgent(t, cfg)

	err := client.Post(frame.TypeGeneric, make([]byte, 17))
	assert.True(t, errors.Is(err, agenterr.ErrBufferOverflow))
	assert.NoError(t, client.Post(frame.TypeGeneric, make([]byte, 16)))
}

func TestNoPublishersAfterShutdown(t *testing.T) {
	client := startAgent(t, testConfig(freePort(t), ""))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				client.Post(frame.TypeGeneric, []byte("x"))
			}
		}()
	}
	require.NoError(t, client.Shutdown())
	wg.Wait()

	assert.True(t, errors.Is(client.openPublishers(), agenterr.ErrNotRunning))
	assert.True(t, errors.Is(client.Post(frame.TypeGeneric, nil), agenterr.ErrNotRunning))
	client.mu.RLock()
	defer client.mu.RUnlock()
	assert.Empty(t, client.pubs)
}

func TestPollTimesOut(t *testing.T) {
	client := startAgent(t, testConfig(freePort(t), ""))
	_, err := client.Poll(frame.TypeEvent, 50*time.Millisecond)
	assert.True(t, errors.Is(err, agenterr.ErrTimeout))
}

func TestCRC16(t *testing.T) {
	assert.Equal(t, uint16(0x6f91), crc16([]byte("123456789")))
	assert.Equal(t, uint16(0xffff), crc16(nil))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{HeartbeatPeriod: time.Microsecond}
	cfg.applyDefaults()
	assert.Equal(t, MinHeartbeatPeriod, cfg.HeartbeatPeriod)
	assert.Equal(t, DefaultDiscoveryPort, cfg.DiscoveryPort)
	assert.Equal(t, frame.MaxDatagram, cfg.BufferSize)
	assert.NotEmpty(t, cfg.Node)
	assert.NotNil(t, cfg.Clock)
	assert.NotNil(t, cfg.Metrics)
}

func TestParseState(t *testing.T) {
	for s := StateShutdown; s <= StateDebug; s++ {
		got, err := ParseState(strings.ToUpper(s.String()))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("sleeping")
	assert.Error(t, err)
}

func TestFilterMatch(t *testing.T) {
	m := Message{Frame: frame.Frame{Type: frame.TypeBeat, Header: frame.Header{Node: "n1", Proc: "svc"}}}

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"zero", Filter{}, true},
		{"all", Filter{Type: frame.TypeAll}, true},
		{"type", Filter{Type: frame.TypeBeat}, true},
		{"other type", Filter{Type: frame.TypeSOH}, false},
		{"node", Filter{Node: "n1"}, true},
		{"any node", Filter{Node: peer.AnyNode, Proc: "svc"}, true},
		{"other node", Filter{Node: "n2"}, false},
		{"other proc", Filter{Proc: "cam"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.match(m))
		})
	}
}

func TestRingOperations(t *testing.T) {
	port := freePort(t)
	startAgent(t, testConfig(port, "svc"))
	client := startAgent(t, testConfig(port, ""))

	_, err := client.Poll(frame.TypeBeat, 2*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, client.ReadRing())

	client.ClearRing()
	client.ResizeRing(5)
	time.Sleep(400 * time.Millisecond)
	assert.LessOrEqual(t, len(client.ReadRing()), 5)
	assert.NotEmpty(t, client.Peers())
}
