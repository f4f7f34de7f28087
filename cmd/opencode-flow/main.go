// Package main provides the CLI entry point for opencode-flow.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tannht/opencode-flow-sub009/cmd/opencode-flow/commands"
)

var (
	version = "0.3.0"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "opencode-flow",
	Short: "SONA continual-learning adaptation engine",
	Long: `opencode-flow runs the SONA (Self-Optimizing Neural Architecture)
continual-learning engine for agent runtimes.

It provides:
  - Five adaptation modes trading off latency, quality and memory
  - LoRA-style low-rank embedding adaptation
  - Trajectory-based learning with EWC regularization
  - SQLite-backed pattern and trajectory memory`,
	Version: version,
}

func init() {
	rootCmd.AddCommand(commands.SonaCmd)
	rootCmd.AddCommand(commands.BenchmarkCmd)
}
