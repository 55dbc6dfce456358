// Package dump implements the agentnet dump command: print frames heard on
// the discovery channel and optionally archive them.
package dump

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"agentnet/internal/agent"
	"agentnet/internal/archive"
	"agentnet/internal/frame"
	"agentnet/pkg/config"
	"agentnet/pkg/logger"
)

// Options select what dump prints.
type Options struct {
	// Type is a message type name or number; empty means all.
	Type    string
	Node    string
	Proc    string
	Count   int
	Archive bool
}

// Run prints frames until interrupted or Count frames have been shown.
func Run(configPath string, opts Options) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logger.Init(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

	filter := agent.Filter{Node: opts.Node, Proc: opts.Proc}
	if opts.Type != "" {
		if filter.Type, err = frame.ParseMessageType(opts.Type); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var arc *archive.Archive
	if opts.Archive {
		if arc, err = openArchive(ctx, cfg, log); err != nil {
			return err
		}
		defer arc.Close()
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

	width := 0
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}
	}

	for shown := 0; opts.Count == 0 || shown < opts.Count; {
		m, err := a.PollFilter(ctx, filter)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Fprintln(os.Stdout, formatMessage(m, width))
		shown++

		if arc != nil {
			h := m.Frame.Header
			if err := arc.Write(h.Node, m.Frame.Type.String(), h.UTC, payloadText(m.Frame)); err != nil {
				log.Warn().Err(err).Msg("Failed to archive frame")
			}
		}
	}
	return nil
}

func openArchive(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*archive.Archive, error) {
	retention, err := cfg.Archive.ParseRetention()
	if err != nil {
		return nil, fmt.Errorf("parsing retention: %w", err)
	}

	// Ensure archive directory exists
	dir := filepath.Dir(cfg.Archive.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating archive directory %s: %w", dir, err)
	}

	arc, err := archive.Open(cfg.Archive.Path, log)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	if retention > 0 {
		arc.RunExpiry(ctx, time.Minute, retention)
	}
	log.Info().Str("path", cfg.Archive.Path).Dur("retention", retention).Msg("Archiving frames")
	return arc, nil
}

// formatMessage renders one frame on a line, cut to width when width > 0.
func formatMessage(m agent.Message, width int) string {
	h := m.Frame.Header
	line := fmt.Sprintf("%s %-8s %s:%s %s",
		frame.TimeFromMJD(h.UTC).Format("15:04:05.000"),
		m.Frame.Type,
		h.Node,
		h.Proc,
		strings.ReplaceAll(payloadText(m.Frame), "\n", " "),
	)
	if width > 0 && utf8.RuneCountInString(line) > width {
		line = string([]rune(line)[:width-1]) + "…"
	}
	return line
}

func payloadText(f frame.Frame) string {
	if f.Type.IsBinary() {
		return hex.EncodeToString(f.Payload)
	}
	return f.Text()
}
