// agentnet — distributed agent runtime over UDP broadcast and multicast
//
// Usage:
//
//	agentnet node    — run a server agent from the config file
//	agentnet list    — list agents heard on the network
//	agentnet request — send one request to an agent
//	agentnet dump    — print frames heard on the discovery channel
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentnet/cmd/dump"
	"agentnet/cmd/list"
	"agentnet/cmd/node"
	"agentnet/cmd/request"
)

const (
	defaultSystemPath = "/etc/agentnet/config.toml"
	defaultLocalPath  = "config.toml"
	version           = "1.0.0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentnet",
	Short: "Distributed agent runtime over UDP broadcast and multicast",
	Long: `agentnet runs agents that announce themselves with periodic heartbeats,
discover each other on the local network and answer plain-text requests.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Auto-discover config if not specified
		if configPath != "" {
			return
		}
		if _, err := os.Stat(defaultLocalPath); err == nil {
			configPath = defaultLocalPath
		} else {
			configPath = defaultSystemPath
		}
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a server agent (beacons and answers requests)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return node.Run(configPath)
	},
}

var listWait time.Duration

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents heard on the network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return list.Run(configPath, listWait)
	},
}

var requestCmd = &cobra.Command{
	Use:   "request <node> <agent> <request>",
	Short: "Send one request to an agent and print the reply",
	Long: `Send one request to an agent and print the reply.
Use "any" as node to match the agent on every node.`,
	Example: `  agentnet request n1 svc "getvalue {\"agent_cpu\"}"
  agentnet request any svc status`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return request.Run(configPath, args[0], args[1], strings.Join(args[2:], " "))
	},
}

var dumpOpts dump.Options

var dumpCmd = &cobra.Command{
	Use:   "dump [type]",
	Short: "Print frames heard on the discovery channel",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			dumpOpts.Type = args[0]
		}
		return dump.Run(configPath, dumpOpts)
	},
}

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit the configuration file in your system editor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return node.EditConfig(configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentnet v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		fmt.Sprintf("path to config file (default: ./%s, then %s)", defaultLocalPath, defaultSystemPath))

	listCmd.Flags().DurationVar(&listWait, "wait", 0, "how long to listen for beacons (default: client.server_wait)")

	dumpCmd.Flags().StringVar(&dumpOpts.Node, "node", "", "only frames from this node")
	dumpCmd.Flags().StringVar(&dumpOpts.Proc, "agent", "", "only frames from this agent")
	dumpCmd.Flags().IntVarP(&dumpOpts.Count, "count", "n", 0, "stop after this many frames")
	dumpCmd.Flags().BoolVar(&dumpOpts.Archive, "archive", false, "also write frames to the archive")

	rootCmd.AddCommand(nodeCmd, listCmd, requestCmd, dumpCmd, editCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
