// Package commands provides CLI command implementations.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tannht/opencode-flow-sub009/internal/application/sona"
	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
	"github.com/tannht/opencode-flow-sub009/internal/infrastructure/memory"
)

// Sona command flags
var (
	sonaSimulateMode     string
	sonaSimulatePatterns int
	sonaSimulateQueries  int
	sonaSimulateDim      int
	sonaSimulateDBPath   string
	sonaSimulateVerbose  bool
)

// SonaCmd is the parent command for SONA engine operations.
var SonaCmd = &cobra.Command{
	Use:   "sona",
	Short: "SONA adaptation engine commands",
	Long:  `Commands for inspecting and exercising the SONA adaptation modes.`,
}

// sonaModesCmd lists the available modes and their configurations.
var sonaModesCmd = &cobra.Command{
	Use:   "modes",
	Short: "List SONA modes and their default configurations",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODE\tRANK\tALPHA\tLR\tBATCH\tLATENCY(MS)\tMEMORY(MB)\tQUALITY\tCLUSTERS")
		for _, mode := range domainNeural.AllSONAModes() {
			c := domainNeural.DefaultModeConfig(mode)
			fmt.Fprintf(w, "%s\t%d\t%.2f\t%.3f\t%d\t%.0f\t%d\t%.2f\t%d\n",
				c.Mode, c.LoRARank, c.LoRAAlpha, c.LearningRate, c.BatchSize,
				c.MaxLatencyMs, c.MemoryBudgetMB, c.QualityThreshold, c.PatternClusters)
		}
		return w.Flush()
	},
}

// sonaSimulateCmd drives a mode through a synthetic workload and prints
// its telemetry.
var sonaSimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a synthetic workload through one SONA mode",
	Long: `Generate synthetic patterns and trajectories, run retrieval,
adaptation and learning through the chosen mode, and print its stats.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := zap.NewNop()
		if sonaSimulateVerbose {
			var err error
			logger, err = zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()
		}

		store, err := memory.NewStore(memory.StoreConfig{DBPath: sonaSimulateDBPath})
		if err != nil {
			return err
		}

		service := sona.NewService(store, logger)
		defer service.Close()

		const sessionID = "simulate"
		mode := domainNeural.SONAMode(sonaSimulateMode)
		if _, err := service.StartSession(sessionID, mode); err != nil {
			return err
		}

		for i := 0; i < sonaSimulatePatterns; i++ {
			p := domainNeural.NewPattern(syntheticEmbedding(sonaSimulateDim, i), float64(i%10)/10.0)
			if err := service.RecordPattern(p); err != nil {
				return err
			}
		}

		for i := 0; i < sonaSimulateQueries; i++ {
			query := syntheticEmbedding(sonaSimulateDim, i*7)
			if _, err := service.FindPatterns(sessionID, query, 5); err != nil {
				return err
			}
			if _, err := service.Adapt(sessionID, query); err != nil {
				return err
			}

			traj := domainNeural.NewTrajectory(domainNeural.DomainGeneral)
			traj.AddStep(domainNeural.TrajectoryStep{
				StateBefore: query,
				StateAfter:  syntheticEmbedding(sonaSimulateDim, i*7+1),
				Reward:      float64(i%10) / 10.0,
			})
			if err := service.RecordTrajectory(sessionID, traj); err != nil {
				return err
			}
		}

		if _, err := service.Learn(sessionID, domainNeural.DomainGeneral, sonaSimulateQueries); err != nil {
			return err
		}

		stats, err := service.Stats(sessionID)
		if err != nil {
			return err
		}

		output, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(output))
		return nil
	},
}

// syntheticEmbedding generates a deterministic pseudo-embedding from a seed.
func syntheticEmbedding(dim, seed int) []float32 {
	emb := make([]float32, dim)
	x := uint32(seed*2654435761 + 1)
	for i := range emb {
		x = x*1664525 + 1013904223
		emb[i] = float32(x%2000)/1000.0 - 1.0
	}
	return emb
}

func init() {
	sonaSimulateCmd.Flags().StringVarP(&sonaSimulateMode, "mode", "m", "balanced", "SONA mode (real-time, balanced, research, edge, batch)")
	sonaSimulateCmd.Flags().IntVarP(&sonaSimulatePatterns, "patterns", "p", 200, "Synthetic patterns to store")
	sonaSimulateCmd.Flags().IntVarP(&sonaSimulateQueries, "queries", "q", 50, "Queries to run")
	sonaSimulateCmd.Flags().IntVarP(&sonaSimulateDim, "dim", "d", 128, "Embedding dimension")
	sonaSimulateCmd.Flags().StringVar(&sonaSimulateDBPath, "db", ":memory:", "SQLite database path")
	sonaSimulateCmd.Flags().BoolVarP(&sonaSimulateVerbose, "verbose", "v", false, "Verbose logging")

	SonaCmd.AddCommand(sonaModesCmd)
	SonaCmd.AddCommand(sonaSimulateCmd)
}
