// Command lattice hosts minion conversations and their task trees behind an
// MCP server.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/lattice/internal/config"
	"github.com/HyphaGroup/lattice/internal/logger"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

var (
	configDir string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "Streaming event aggregation and task orchestration for agent minions",
	Long: `Lattice folds the protocol event streams of AI agent minions into
authoritative conversation state, tracks the tasks they spawn, and gates
a task's report until its descendants resolve.

Config precedence:
  1. --config-dir flag
  2. ./config/lattice.jsonc
  3. ~/.lattice/config/lattice.jsonc
  4. built-in defaults`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Directory containing lattice.jsonc")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the configuration selected by --config-dir
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// initStderrLogger is used by commands that do not write log files
func initStderrLogger() {
	logger.UseWriter(os.Stderr, false, logLevel())
}
