// Package request implements the agentnet request command: find one agent
// and send it a single request.
package request

import (
	"fmt"
	"io"
	"os"
	"strings"

	"agentnet/internal/agent"
	"agentnet/internal/dispatch"
	"agentnet/pkg/config"
	"agentnet/pkg/logger"
)

// Run sends request to node:proc and prints the reply.
func Run(configPath, node, proc, request string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logger.Init(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

	serverWait, err := cfg.Client.ParseServerWait()
	if err != nil {
		return fmt.Errorf("parsing server_wait: %w", err)
	}
	requestWait, err := cfg.Client.ParseRequestWait()
	if err != nil {
		return fmt.Errorf("parsing request_wait: %w", err)
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

	b, ok := a.GetServer(node, proc, serverWait)
	if !ok {
		return fmt.Errorf("no agent %s:%s heard within %s", node, proc, serverWait)
	}
	log.Debug().
		Str("addr", b.Addr).
		Uint16("port", b.Port).
		Msg("Found agent")

	reply, err := a.SendRequest(b, request, requestWait)
	if err != nil {
		return err
	}
	return printReply(os.Stdout, reply)
}

// printReply writes the reply without its status suffix. A failed request
// is returned as an error.
func printReply(w io.Writer, reply string) error {
	if reply == dispatch.ReplyNOK || !strings.HasSuffix(reply, dispatch.ReplyOK) {
		return fmt.Errorf("request failed: %s", reply)
	}
	out := strings.TrimSuffix(reply, dispatch.ReplyOK)
	if out == "" {
		return nil
	}
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	_, err := io.WriteString(w, out)
	return err
}
