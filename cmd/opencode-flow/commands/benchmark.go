package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
	infraNeural "github.com/tannht/opencode-flow-sub009/internal/infrastructure/neural"
)

// Benchmark command flags
var (
	benchmarkIterations int
	benchmarkPatterns   int
	benchmarkDim        int
)

// BenchmarkCmd measures per-mode retrieval and adaptation latency.
var BenchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Benchmark the SONA modes",
	Long: `Run a synthetic retrieval and adaptation workload through every
SONA mode and report average latencies against each mode's target.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		patterns := make([]*domainNeural.Pattern, benchmarkPatterns)
		for i := range patterns {
			patterns[i] = domainNeural.NewPattern(syntheticEmbedding(benchmarkDim, i), float64(i%10)/10.0)
		}
		query := syntheticEmbedding(benchmarkDim, 42)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODE\tRETRIEVAL(MS)\tADAPT(MS)\tTARGET(MS)\tOK")

		for _, mode := range domainNeural.AllSONAModes() {
			config := domainNeural.DefaultModeConfig(mode)
			impl := infraNeural.NewModeImplementation(config, nil)
			if err := impl.Initialize(); err != nil {
				return err
			}

			start := time.Now()
			for i := 0; i < benchmarkIterations; i++ {
				if _, err := impl.FindPatterns(query, 5, patterns); err != nil {
					return err
				}
			}
			retrievalMs := float64(time.Since(start).Microseconds()) / 1000.0 / float64(benchmarkIterations)

			start = time.Now()
			for i := 0; i < benchmarkIterations; i++ {
				if _, err := impl.ApplyLoRA(query, nil); err != nil {
					return err
				}
			}
			adaptMs := float64(time.Since(start).Microseconds()) / 1000.0 / float64(benchmarkIterations)

			ok := "yes"
			if adaptMs > config.MaxLatencyMs {
				ok = "no"
			}
			fmt.Fprintf(w, "%s\t%.3f\t%.3f\t%.0f\t%s\n", mode, retrievalMs, adaptMs, config.MaxLatencyMs, ok)

			if err := impl.Cleanup(); err != nil {
				return err
			}
		}
		return w.Flush()
	},
}

func init() {
	BenchmarkCmd.Flags().IntVarP(&benchmarkIterations, "iterations", "n", 100, "Iterations per mode")
	BenchmarkCmd.Flags().IntVarP(&benchmarkPatterns, "patterns", "p", 500, "Synthetic pattern count")
	BenchmarkCmd.Flags().IntVarP(&benchmarkDim, "dim", "d", 128, "Embedding dimension")
}
