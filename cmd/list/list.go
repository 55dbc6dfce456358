// Package list implements the agentnet list command: listen for beacons and
// print every agent heard.
package list

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"agentnet/internal/agent"
	"agentnet/internal/frame"
	"agentnet/internal/peer"
	"agentnet/pkg/config"
	"agentnet/pkg/logger"
)

// Run starts a client agent, collects beacons for wait (the configured
// server_wait when zero) and prints them sorted by request port.
func Run(configPath string, wait time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logger.Init(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

	if wait == 0 {
		if wait, err = cfg.Client.ParseServerWait(); err != nil {
			return fmt.Errorf("parsing server_wait: %w", err)
		}
	}

	rt, err := cfg.Agent.Runtime(log)
	if err != nil {
		return fmt.Errorf("parsing agent config: %w", err)
	}
	rt.Name = ""

	a, err := agent.Start(rt)
	if err != nil {
		return fmt.Errorf("starting client agent: %w", err)
	}
	defer a.Shutdown()

	found := a.FindServers(wait)
	if len(found) == 0 {
		fmt.Println("No agents heard. Make sure a node is running on this network.")
		return nil
	}

	width := 0
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}
	}

	fmt.Printf("\n  Agents (%d found)\n\n", len(found))
	writeTable(os.Stdout, found, width, time.Now())
	return nil
}

var columns = []struct {
	title string
	width int
}{
	{"#", 4},
	{"Node", 20},
	{"Agent", 20},
	{"Address", 16},
	{"Port", 6},
	{"Period", 8},
	{"CPU%", 6},
	{"Memory", 10},
	{"Age", 8},
}

// writeTable prints one row per beacon. Columns that would overflow width
// are dropped from the right; width 0 prints every column.
func writeTable(w io.Writer, beacons []peer.Beacon, width int, now time.Time) {
	n := len(columns)
	if width > 0 {
		used := 2
		for i, c := range columns {
			used += c.width + 1
			if used > width && i > 0 {
				n = i
				break
			}
		}
	}

	header := color.New(color.FgCyan, color.Bold)
	var titles, rules []string
	for _, c := range columns[:n] {
		titles = append(titles, fmt.Sprintf("%-*s", c.width, c.title))
		rules = append(rules, strings.Repeat("─", c.width))
	}
	header.Fprintf(w, "  %s\n", strings.Join(titles, " "))
	fmt.Fprintf(w, "  %s\n", strings.Join(rules, " "))

	stale := color.New(color.FgYellow)
	for i, b := range beacons {
		age := ageOf(b, now)
		cells := []string{
			fmt.Sprintf("%d", i+1),
			truncate(b.Node, columns[1].width),
			truncate(b.Proc, columns[2].width),
			b.Addr,
			fmt.Sprintf("%d", b.Port),
			fmt.Sprintf("%.3g", b.Period),
			fmt.Sprintf("%.1f", b.CPU),
			fmt.Sprintf("%.0f", b.Memory),
			formatAge(age),
		}
		var row []string
		for j, c := range columns[:n] {
			row = append(row, fmt.Sprintf("%-*s", c.width, cells[j]))
		}
		line := "  " + strings.Join(row, " ") + "\n"

		// Three missed heartbeats.
		if b.Period > 0 && age > 3*time.Duration(b.Period*float64(time.Second)) {
			stale.Fprint(w, line)
			continue
		}
		fmt.Fprint(w, line)
	}
}

func ageOf(b peer.Beacon, now time.Time) time.Duration {
	if !b.Seen.IsZero() {
		return now.Sub(b.Seen)
	}
	if b.UTC > 0 {
		return now.Sub(frame.TimeFromMJD(b.UTC))
	}
	return 0
}

func formatAge(d time.Duration) string {
	if d < time.Second {
		return "now"
	}
	return d.Truncate(time.Second).String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}
