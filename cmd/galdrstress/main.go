// Command galdrstress drives concurrent transactional load against a
// galdrdb database file, for exercising the commit path, write-conflict
// retries, and GC/vacuum under contention outside of unit tests.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/galdrdb/galdrdb/internal/stress"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		workers int
		timeout time.Duration
		limit   int
		retries int
		seed    int64
		initial int
		keep    bool
		verbose bool
		path    string
	)

	root := &cobra.Command{
		Use:   "galdrstress [workload]",
		Short: "Stress a galdrdb database with concurrent transactional load",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workload := stress.WorkloadType(args[0])
			switch workload {
			case stress.WorkloadBalanced, stress.WorkloadWriteHeavy, stress.WorkloadReadHeavy, stress.WorkloadHighChurn:
			default:
				return fmt.Errorf("unknown workload %q (want balanced|write-heavy|read-heavy|high-churn)", args[0])
			}

			cfg := stress.Config{
				Path:     path,
				Workload: workload,
				Workers:  workers,
				Timeout:  timeout,
				Limit:    limit,
				Retries:  retries,
				Seed:     seed,
				Initial:  initial,
				Keep:     keep,
				Verbose:  verbose,
			}

			result, err := stress.Run(cfg)
			if err != nil {
				cmd.PrintErrln("fatal:", err)
				os.Exit(2)
			}

			printResult(cmd, result)
			if result.Errors > 0 {
				os.Exit(1)
			}
			return nil
		},
	}

	root.Flags().IntVarP(&workers, "workers", "w", 4, "concurrent workers")
	root.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "how long to run the timed phase")
	root.Flags().IntVarP(&limit, "limit", "l", 0, "total op budget across all workers (0 = unbounded)")
	root.Flags().IntVarP(&retries, "retries", "r", 3, "write-conflict retries before an op counts as an error")
	root.Flags().Int64VarP(&seed, "seed", "s", 1, "random seed")
	root.Flags().IntVarP(&initial, "initial", "i", 1000, "documents preloaded before the timed run starts")
	root.Flags().BoolVarP(&keep, "keep", "k", false, "keep the database file after the run")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "print extra detail and run a final vacuum pass")
	root.Flags().StringVarP(&path, "path", "p", "galdrstress.db", "database file path")

	if err := root.Execute(); err != nil {
		return 2
	}
	return 0
}

func printResult(cmd *cobra.Command, r *stress.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workload=%s duration=%s ops=%d ops/sec=%.1f\n", r.Config.Workload, r.Duration, r.TotalOps, r.OpsPerSec)
	fmt.Fprintf(out, "  inserts=%d updates=%d deletes=%d reads=%d\n", r.Inserts, r.Updates, r.Deletes, r.Reads)
	fmt.Fprintf(out, "  conflicts=%d errors=%d\n", r.Conflicts, r.Errors)
	fmt.Fprintf(out, "  write latency: p50=%s p95=%s p99=%s max=%s\n", r.WriteLatency.P50, r.WriteLatency.P95, r.WriteLatency.P99, r.WriteLatency.Max)
	fmt.Fprintf(out, "  read  latency: p50=%s p95=%s p99=%s max=%s\n", r.ReadLatency.P50, r.ReadLatency.P95, r.ReadLatency.P99, r.ReadLatency.Max)
	if r.VacuumStatsString != "" {
		fmt.Fprintf(out, "  vacuum: %s\n", r.VacuumStatsString)
	}
}
