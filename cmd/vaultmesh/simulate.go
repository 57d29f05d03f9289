package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/benchmark"
	"github.com/vaultmesh/vaultmesh/pkg/bytesize"
)

var (
	simNodes       int
	simReplicas    int
	simChunks      int
	simChunkSize   string
	simConcurrency int
	simJoins       int
	simDepartures  int
	simSilence     int
	simHop         time.Duration
	simSettle      time.Duration
	simTimeout     time.Duration
	simOutput      string
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-process vault network under load and churn",
		Long: `Start a network of vaults in this process, store chunks through them,
apply membership churn, then read every chunk back through a different vault.

The run reports put/get latency, failed and corrupt reads, and chunks left
with fewer holders than the replica count.

Examples:
  # Default run: 8 vaults, 50 chunks of 4KB
  vaultmesh simulate

  # Add 4 vaults after storing, then check records followed their owners
  vaultmesh simulate --nodes 8 --joins 4

  # Lose 2 vaults abruptly and silence another
  vaultmesh simulate --nodes 12 --departures 2 --silence 1 --settle 5s

  # Save results to JSON
  vaultmesh simulate --output results.json`,
		Args: cobra.NoArgs,
		RunE: runSimulate,
	}

	cmd.Flags().IntVar(&simNodes, "nodes", 8, "vaults at start")
	cmd.Flags().IntVar(&simReplicas, "replicas", 3, "holders per chunk")
	cmd.Flags().IntVar(&simChunks, "chunks", 50, "chunks to store")
	cmd.Flags().StringVar(&simChunkSize, "chunk-size", "4KB", "size of each chunk")
	cmd.Flags().IntVar(&simConcurrency, "concurrency", 8, "parallel clients")
	cmd.Flags().IntVar(&simJoins, "joins", 0, "vaults added after the puts")
	cmd.Flags().IntVar(&simDepartures, "departures", 0, "vaults that leave abruptly after the puts")
	cmd.Flags().IntVar(&simSilence, "silence", 0, "vaults that stop answering after the puts")
	cmd.Flags().DurationVar(&simHop, "hop-timeout", 200*time.Millisecond, "per-hop reply timeout")
	cmd.Flags().DurationVar(&simSettle, "settle", 2*time.Second, "time allowed for repair before reading back")
	cmd.Flags().DurationVar(&simTimeout, "timeout", 5*time.Minute, "overall run timeout")
	cmd.Flags().StringVarP(&simOutput, "output", "o", "", "JSON output file path")

	return cmd
}

func runSimulate(cmd *cobra.Command, args []string) error {
	setupLogging("")

	chunkSize, err := bytesize.Parse(simChunkSize)
	if err != nil {
		return fmt.Errorf("invalid chunk size: %w", err)
	}

	sim, err := benchmark.New(benchmark.Options{
		Nodes:       simNodes,
		Replicas:    simReplicas,
		Chunks:      simChunks,
		ChunkSize:   int(chunkSize),
		Concurrency: simConcurrency,
		Joins:       simJoins,
		Departures:  simDepartures,
		Silence:     simSilence,
		HopTimeout:  simHop,
		Settle:      simSettle,
		Logger:      log.Logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sim.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to clean up simulation")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, simTimeout)
	defer cancel()

	fmt.Printf("Simulating %d vaults, %d chunks of %s...\n", simNodes, simChunks, bytesize.Format(chunkSize))
	res, err := sim.Run(ctx)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	printSimulationResult(res)

	if simOutput != "" {
		if err := writeSimulationJSON(res, simOutput); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		fmt.Printf("\nResults written to %s\n", simOutput)
	}
	if res.Corrupt > 0 {
		return fmt.Errorf("%d chunks read back corrupt", res.Corrupt)
	}
	return nil
}

func printSimulationResult(r *benchmark.Result) {
	fmt.Println()
	fmt.Println("=== Simulation Results ===")
	fmt.Printf("  Vaults:       %d (+%d joined, -%d departed, %d silenced)\n", r.Nodes, r.Joined, r.Departed, r.Silenced)
	fmt.Printf("  Puts:         %d (%d failed)\n", r.Puts, r.PutErrors)
	fmt.Printf("  Gets:         %d (%d failed, %d corrupt)\n", r.Gets, r.GetErrors, r.Corrupt)
	fmt.Printf("  Under-replicated: %d\n", r.UnderReplicated)
	fmt.Printf("  Messages:     %d delivered, %d dropped\n", r.Delivered, r.Dropped)
	fmt.Printf("  Duration:     %s\n", r.Duration.Round(time.Millisecond))

	fmt.Println()
	fmt.Println("  Put latency:")
	printLatency(r.PutLatency)
	fmt.Println("  Get latency:")
	printLatency(r.GetLatency)
}

func printLatency(l benchmark.Latency) {
	fmt.Printf("    Min:        %s\n", l.Min.Round(time.Microsecond))
	fmt.Printf("    P50:        %s\n", l.P50.Round(time.Microsecond))
	fmt.Printf("    P99:        %s\n", l.P99.Round(time.Microsecond))
	fmt.Printf("    Max:        %s\n", l.Max.Round(time.Microsecond))
}

func writeSimulationJSON(r *benchmark.Result, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
