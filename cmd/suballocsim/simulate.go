package main

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/vam"
)

var (
	simulateSeed     int64
	simulateSteps    int
	simulateStrategy string
	simulateDetailed bool
)

func init() {
	cmd := newSimulateCmd()
	cmd.Flags().Int64Var(&simulateSeed, "seed", 0, "Override the workload's random seed")
	cmd.Flags().IntVar(&simulateSteps, "steps", 0, "Override the workload's number of steps")
	cmd.Flags().StringVar(&simulateStrategy, "strategy", "", "Override the workload's strategy (pooled or naive)")
	cmd.Flags().BoolVar(&simulateDetailed, "detailed", false, "Include every pool's free ranges and allocations in JSON output")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <workload.yaml>",
		Short: "Run a workload against an allocator",
		Long: `The simulate command reads a workload document, replays it against the
requested allocation strategy, and reports device memory usage.

Example:
  suballocsim simulate workload.yaml
  suballocsim simulate workload.yaml --strategy naive
  suballocsim simulate workload.yaml --json --detailed`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, args)
		},
	}
	return cmd
}

func runSimulate(cmd *cobra.Command, args []string) error {
	workload, err := loadWorkload(args[0])
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("seed") {
		workload.Seed = simulateSeed
	}
	if simulateSteps > 0 {
		workload.Steps = simulateSteps
	}
	if simulateStrategy != "" {
		workload.Strategy = vam.Strategy(simulateStrategy)
	}

	result, err := runSimulation(newLogger(cmd.ErrOrStderr()), workload, simulateDetailed)
	if err != nil {
		return errors.Wrapf(err, "simulation of %s failed", args[0])
	}

	if jsonOut {
		return printResultJSON(cmd.OutOrStdout(), result)
	}

	printResult(cmd.OutOrStdout(), result)
	return nil
}

func utilization(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) * 100 / float64(total)
}

func printStatisticsLine(out io.Writer, label string, stats *memutils.DetailedStatistics) {
	fmt.Fprintf(out, "  %-14s %s blocks (%s), %s allocations (%s), %s free ranges\n",
		label,
		humanize.Comma(int64(stats.BlockCount)), humanize.IBytes(stats.BlockBytes),
		humanize.Comma(int64(stats.AllocationCount)), humanize.IBytes(stats.AllocationBytes),
		humanize.Comma(int64(stats.UnusedRangeCount)),
	)
}

func printResult(out io.Writer, result *SimulationResult) {
	fmt.Fprintf(out, "Strategy:           %s\n", result.Strategy)
	fmt.Fprintf(out, "Steps:              %s\n", humanize.Comma(int64(result.Steps)))
	fmt.Fprintf(out, "Allocations:        %s (%s failed)\n",
		humanize.Comma(int64(result.Allocations)), humanize.Comma(int64(result.FailedAllocations)))
	fmt.Fprintf(out, "Deallocations:      %s\n", humanize.Comma(int64(result.Deallocations)))
	fmt.Fprintf(out, "Device allocations: %s\n", humanize.Comma(int64(result.DeviceAllocations)))
	fmt.Fprintf(out, "Peak live memory:   %s\n", humanize.IBytes(result.PeakLiveBytes))
	fmt.Fprintf(out, "Peak device memory: %s (%.1f%% used)\n",
		humanize.IBytes(result.PeakDeviceBytes), utilization(result.PeakLiveBytes, result.PeakDeviceBytes))

	fmt.Fprintf(out, "\nFinal state:\n")
	printStatisticsLine(out, "Total", &result.Statistics.Total)
	for heapIndex := range result.Statistics.MemoryHeaps {
		printStatisticsLine(out, fmt.Sprintf("Heap %d", heapIndex), &result.Statistics.MemoryHeaps[heapIndex])
	}
	for typeIndex := range result.Statistics.MemoryTypes {
		printStatisticsLine(out, fmt.Sprintf("Memory type %d", typeIndex), &result.Statistics.MemoryTypes[typeIndex])
	}
}

func printResultJSON(out io.Writer, result *SimulationResult) error {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Strategy").String(string(result.Strategy))
	obj.Name("Steps").Int(result.Steps)
	obj.Name("Allocations").Int(result.Allocations)
	obj.Name("FailedAllocations").Int(result.FailedAllocations)
	obj.Name("Deallocations").Int(result.Deallocations)
	obj.Name("DeviceAllocations").Int(result.DeviceAllocations)
	obj.Name("DeviceFrees").Int(result.DeviceFrees)
	obj.Name("PeakLiveBytes").Float64(float64(result.PeakLiveBytes))
	obj.Name("PeakDeviceBytes").Float64(float64(result.PeakDeviceBytes))
	obj.Name("Allocator").Raw([]byte(result.StatsString))
	obj.End()

	if writer.Error() != nil {
		return writer.Error()
	}

	_, err := fmt.Fprintln(out, string(writer.Bytes()))
	return err
}
