package list

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"agentnet/internal/peer"
)

func TestWriteTable(t *testing.T) {
	color.NoColor = true
	now := time.Now()
	beacons := []peer.Beacon{
		{Node: "n1", Proc: "svc", Addr: "10.0.0.1", Port: 4000, Period: 1, Seen: now},
		{Node: "n2", Proc: "a-very-long-agent-name-indeed", Addr: "10.0.0.2", Port: 4001, Period: 1, Seen: now.Add(-10 * time.Second)},
	}

	var buf bytes.Buffer
	writeTable(&buf, beacons, 0, now)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")

	if len(lines) != 4 {
		t.Fatalf("lines: got %d, want 4\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "Agent") || !strings.Contains(lines[0], "Age") {
		t.Errorf("header: got %q", lines[0])
	}
	if !strings.Contains(lines[2], "svc") || !strings.Contains(lines[2], "now") {
		t.Errorf("row 1: got %q", lines[2])
	}
	if !strings.Contains(lines[3], "…") || !strings.Contains(lines[3], "10s") {
		t.Errorf("row 2: got %q", lines[3])
	}
}

func TestWriteTableNarrowTerminal(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	writeTable(&buf, []peer.Beacon{{Node: "n1", Proc: "svc", Port: 1}}, 50, time.Now())

	header := strings.Split(buf.String(), "\n")[0]
	if strings.Contains(header, "Port") {
		t.Errorf("header should be cut before Port: got %q", header)
	}
	if !strings.Contains(header, "Agent") {
		t.Errorf("header should keep Agent: got %q", header)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short: got %s", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate long: got %s, want abcd…", got)
	}
}
