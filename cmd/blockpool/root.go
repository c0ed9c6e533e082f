package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/holmberd/go-blockpool"
)

var (
	// Global flags
	verbose bool
	jsonOut bool
	noColor bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blockpool",
		Short: "Exercise and inspect fixed-size block pools",
		Long: `blockpool drives the fixed-size block allocators of go-blockpool.
It runs allocate/deallocate workloads against the single-threaded, locked and
lock-free pools, and inspects the chunk layout and free list of a pool.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setStyles(!noColor)
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(newBenchCmd(), newInspectCmd(), newVersionCmd())
	return cmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// poolFlags are the pool construction flags shared by bench and inspect.
type poolFlags struct {
	blockSize      int
	blocksPerChunk int
	growth         string
	maxChunks      int
	debug          bool
	heap           bool
}

func (f *poolFlags) register(cmd *cobra.Command, debug bool) {
	def := blockpool.DefaultConfig()
	cmd.Flags().IntVar(&f.blockSize, "block-size", def.BlockSize, "Usable bytes per block")
	cmd.Flags().IntVar(&f.blocksPerChunk, "blocks-per-chunk", def.BlocksPerChunk, "Blocks carved out of each chunk")
	cmd.Flags().StringVar(&f.growth, "growth", def.Growth.String(), "Behaviour on exhaustion: grow or fixed")
	cmd.Flags().IntVar(&f.maxChunks, "max-chunks", 0, "Maximum number of chunks (0 for the pool default)")
	cmd.Flags().BoolVar(&f.debug, "debug", debug, "Validate deallocations and guard free blocks")
	cmd.Flags().BoolVar(&f.heap, "heap", false, "Allocate chunks on the Go heap instead of mapping them")
}

func (f *poolFlags) config(cmd *cobra.Command) (blockpool.Config, error) {
	growth, err := blockpool.ParseGrowthPolicy(f.growth)
	if err != nil {
		return blockpool.Config{}, err
	}
	config := blockpool.Config{
		BlockSize:      f.blockSize,
		BlocksPerChunk: f.blocksPerChunk,
		Growth:         growth,
		MaxChunks:      f.maxChunks,
		Debug:          f.debug,
		Logger:         newLogger(cmd.ErrOrStderr()),
	}
	if f.heap {
		config.Source = blockpool.HeapChunkSource()
	}
	return config, config.Validate()
}
