package node

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const defaultConfigTemplate = `[agent]
  node             = ""          # defaults to the hostname
  name             = "CHANGE_ME"
  multi_instance   = false
  network          = "udp"       # udp (broadcast) or multicast
  interfaces       = ""          # comma separated, "loopback", or empty for all
  discovery_port   = 10020
  multicast_group  = "225.1.1.1"
  request_port     = 0
  heartbeat_period = "1s"
  buffer_size      = 60000
  name_wait        = "2s"
  peer_ttl         = "0s"
  header_format    = "current"   # current, legacy or compact
  soh              = []
  log_level        = "info"
  log_format       = "console"
  metrics_addr     = ""

[client]
  server_wait  = "4s"
  request_wait = "2s"

[archive]
  path      = "~/.agentnet/archive.db"
  retention = "168h"
`

// EditConfig opens the configuration file in the system editor.
// If the file does not exist, it creates it with default values.
func EditConfig(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create file if it doesn't exist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("Creating new config file at %s...\n", path)
		if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}

	// Determine editor
	editor := os.Getenv("EDITOR")
	if editor == "" {
		// Fallback to vi or nano
		for _, e := range []string{"vi", "nano", "vim"} {
			if _, err := exec.LookPath(e); err == nil {
				editor = e
				break
			}
		}
	}

	if editor == "" {
		return fmt.Errorf("no editor found ($EDITOR environment variable not set, and vi/nano/vim not in PATH)")
	}

	// Run editor
	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
