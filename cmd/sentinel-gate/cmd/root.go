// Package cmd provides the CLI commands for Sentinel Gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Sentinelgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sentinel-gate",
	Short: "Sentinel Gate - governance runtime for MCP tool calls",
	Long: `Sentinel Gate sits in front of a single upstream Model Context Protocol
(MCP) server and governs which tools a client may call: a tri-state mode
(read_only / permission / bypass), scoped leases with TTL and call budgets,
approval elicitation, and an append-only audit log.

Quick start:
  1. Create a config file: sentinel-gate.yaml
  2. Run: sentinel-gate serve

Configuration:
  Config is loaded from sentinel-gate.yaml in the current directory,
  $HOME/.sentinel-gate/, or /etc/sentinel-gate/.

  Environment variables can override config values with the SENTINEL_GATE_ prefix.
  Example: SENTINEL_GATE_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the governance runtime (tri-state mode, leases, elicitation)
  reset       Reset to clean state (remove persisted audit/artifact state)
  registry    Validate and inspect the tool registry
  governance  Read or set the governance mode directly in the store
  hash-key    Generate SHA256 hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sentinel-gate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
