package peer

import (
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentnet/internal/frame"
	"agentnet/internal/socket"
)

func TestUpdateIsIdempotentPerIdentity(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	var last Beacon
	for i := 0; i < 20; i++ {
		last = Beacon{Node: "n1", Proc: "svc", Addr: "10.0.0.1", Port: 4000, Jitter: float64(i)}
		r.Update(last)
	}

	require.Equal(t, 1, r.Len())
	got, ok := r.Find("n1", "svc")
	require.True(t, ok)
	assert.Equal(t, last, got)
}

func TestFindAnyNode(t *testing.T) {
	r := NewRegistry(0, 0, nil)
	r.Update(Beacon{Node: "n1", Proc: "cam", Port: 1})
	r.Update(Beacon{Node: "n2", Proc: "svc", Port: 2})

	b, ok := r.Find(AnyNode, "svc")
	require.True(t, ok)
	assert.Equal(t, "n2", b.Node)

	_, ok = r.Find("n1", "svc")
	assert.False(t, ok)
	_, ok = r.Find(AnyNode, "missing")
	assert.False(t, ok)
}

func TestCapacityEvictsOldest(t *testing.T) {
	r := NewRegistry(3, 0, nil)
	for i := 0; i < 5; i++ {
		r.Update(Beacon{Node: "n", Proc: fmt.Sprintf("p%d", i), Port: uint16(i + 1)})
	}
	assert.Equal(t, 3, r.Len())
	_, ok := r.Find("n", "p0")
	assert.False(t, ok)
	_, ok = r.Find("n", "p4")
	assert.True(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	clk := clock.NewMock()
	r := NewRegistry(0, time.Second, clk)
	r.Update(Beacon{Node: "n", Proc: "gone", Port: 1})
	require.Equal(t, 1, r.Len())

	clk.Add(500 * time.Millisecond)
	r.Update(Beacon{Node: "n", Proc: "kept", Port: 2})
	clk.Add(600 * time.Millisecond)

	_, ok := r.Find("n", "gone")
	assert.False(t, ok)
	_, ok = r.Find(AnyNode, "gone")
	assert.False(t, ok)
	_, ok = r.Find("n", "kept")
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())
	require.Len(t, r.Snapshot(), 1)
	assert.Equal(t, "kept", r.Snapshot()[0].Proc)

	// A fresh beacon revives the entry.
	r.Update(Beacon{Node: "n", Proc: "gone", Port: 1})
	_, ok = r.Find("n", "gone")
	assert.True(t, ok)
}

func TestRegistryStartsNoGoroutine(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		NewRegistry(0, time.Second, nil)
	}
	assert.Less(t, runtime.NumGoroutine()-before, 5)
}

func TestFromHeader(t *testing.T) {
	seen := time.Now()
	h := frame.Header{Node: "n1", Proc: "svc", Addr: "127.0.0.1", Port: 9, BufSize: 100, Period: 1}
	b := FromHeader(h, socket.NetworkMulticast, seen)
	assert.Equal(t, Key{"n1", "svc"}, b.Key())
	assert.Equal(t, socket.NetworkMulticast, b.Network)
	assert.Equal(t, seen, b.Seen)
	assert.False(t, b.IsZero())
	assert.True(t, Beacon{}.IsZero())
}
