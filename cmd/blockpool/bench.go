package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/holmberd/go-blockpool"
)

type benchOptions struct {
	pool    poolFlags
	mode    string
	ops     int
	workers int
	hold    int
}

type benchResult struct {
	Mode      string          `json:"mode"`
	Workers   int             `json:"workers"`
	Ops       int             `json:"ops"`
	Hold      int             `json:"hold"`
	Duration  time.Duration   `json:"duration_ns"`
	OpsPerSec float64         `json:"ops_per_sec"`
	Stats     blockpool.Stats `json:"stats"`
}

func newBenchCmd() *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run an allocate/deallocate workload against a pool",
		Long: `The bench command runs an allocate/deallocate workload and reports
throughput and pool stats. Each worker keeps up to --hold blocks allocated and
returns the oldest one before allocating past that.

Under --growth fixed, allocations that find the pool exhausted are counted as
failures and the workload continues.

Example:
  blockpool bench --mode atomic --workers 8 --ops 1000000
  blockpool bench --growth fixed --blocks-per-chunk 64 --hold 128
  blockpool bench --debug --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, opts)
		},
	}
	opts.pool.register(cmd, false)
	cmd.Flags().StringVar(&opts.mode, "mode", "single", "Pool to run: single, locked or atomic")
	cmd.Flags().IntVar(&opts.ops, "ops", 100_000, "Total number of allocations across all workers")
	cmd.Flags().IntVar(&opts.workers, "workers", 1, "Number of concurrent workers")
	cmd.Flags().IntVar(&opts.hold, "hold", 16, "Blocks each worker keeps allocated")
	return cmd
}

func newAllocator(mode string, config blockpool.Config) (blockpool.Allocator, error) {
	switch mode {
	case "single":
		return blockpool.New(config)
	case "locked":
		return blockpool.NewLocked(config)
	case "atomic":
		return blockpool.NewAtomic(config)
	default:
		return nil, fmt.Errorf("unknown mode %q (want single, locked or atomic)", mode)
	}
}

func runBench(cmd *cobra.Command, opts benchOptions) error {
	switch {
	case opts.ops < 0:
		return fmt.Errorf("--ops must not be negative, got %d", opts.ops)
	case opts.workers < 1:
		return fmt.Errorf("--workers must be at least 1, got %d", opts.workers)
	case opts.hold < 1:
		return fmt.Errorf("--hold must be at least 1, got %d", opts.hold)
	case opts.mode == "single" && opts.workers > 1:
		return fmt.Errorf("mode single is not safe for concurrent use, use locked or atomic with %d workers", opts.workers)
	}
	config, err := opts.pool.config(cmd)
	if err != nil {
		return err
	}
	a, err := newAllocator(opts.mode, config)
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := time.Now()
	for w := range opts.workers {
		ops := opts.ops / opts.workers
		if w == 0 {
			ops += opts.ops % opts.workers
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := churn(a, ops, opts.hold); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("worker %d: %w", w, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	if err := errors.Join(errs...); err != nil {
		return err
	}

	result := benchResult{
		Mode:     opts.mode,
		Workers:  opts.workers,
		Ops:      opts.ops,
		Hold:     opts.hold,
		Duration: elapsed,
		Stats:    a.Stats(),
	}
	if elapsed > 0 {
		result.OpsPerSec = float64(opts.ops) / elapsed.Seconds()
	}

	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, result)
	}
	printTitle(w, fmt.Sprintf("Bench: %s pool, %d worker(s)", result.Mode, result.Workers))
	printField(w, "Operations", "%d (hold %d)", result.Ops, result.Hold)
	printField(w, "Duration", "%s", result.Duration.Round(time.Microsecond))
	printField(w, "Throughput", "%.0f ops/s", result.OpsPerSec)
	fmt.Fprintln(w)
	printStats(w, result.Stats)
	return nil
}

// churn performs ops allocations, keeping at most hold blocks allocated in a
// ring and returning the oldest before reusing its slot. Exhaustion is not an
// error; anything else is.
func churn(a blockpool.Allocator, ops, hold int) error {
	held := make([][]byte, hold)
	for i := range ops {
		slot := i % hold
		if held[slot] != nil {
			if err := a.Deallocate(held[slot]); err != nil {
				return err
			}
			held[slot] = nil
		}
		b, err := a.Allocate()
		if errors.Is(err, blockpool.ErrOutOfBlocks) {
			continue
		}
		if err != nil {
			return err
		}
		b[0], b[len(b)-1] = byte(i), byte(i)
		held[slot] = b
	}
	for _, b := range held {
		if b == nil {
			continue
		}
		if err := a.Deallocate(b); err != nil {
			return err
		}
	}
	return nil
}
