package main

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/spf13/cobra"

	"github.com/holmberd/go-blockpool"
)

const maxListedBlocks = 8

type inspectOptions struct {
	pool   poolFlags
	allocs int
	free   int
}

type blockInfo struct {
	Chunk   int    `json:"chunk"`
	Index   int    `json:"index"`
	Address string `json:"address"`
}

type inspectReport struct {
	Stats       blockpool.Stats `json:"stats"`
	Blocks      []blockInfo     `json:"blocks"`
	Exhausted   bool            `json:"exhausted"`
	Verified    bool            `json:"verified"`
	VerifyError string          `json:"verify_error,omitempty"`
}

func newInspectCmd() *cobra.Command {
	var opts inspectOptions
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the layout of a pool after a number of allocations",
		Long: `The inspect command builds a pool, allocates --allocs blocks, returns
the first --free of them and then walks the free list to verify it. It prints
the pool stats and where the first allocated blocks live.

Example:
  blockpool inspect --block-size 16 --blocks-per-chunk 4 --allocs 6
  blockpool inspect --allocs 100 --free 50 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, opts)
		},
	}
	opts.pool.register(cmd, true)
	cmd.Flags().IntVar(&opts.allocs, "allocs", 8, "Number of blocks to allocate")
	cmd.Flags().IntVar(&opts.free, "free", 0, "Number of the allocated blocks to deallocate again")
	return cmd
}

func runInspect(cmd *cobra.Command, opts inspectOptions) error {
	if opts.allocs < 0 || opts.free < 0 {
		return fmt.Errorf("--allocs and --free must not be negative")
	}
	config, err := opts.pool.config(cmd)
	if err != nil {
		return err
	}
	p, err := blockpool.New(config)
	if err != nil {
		return err
	}
	defer p.Close()

	var report inspectReport
	blocks := make([][]byte, 0, opts.allocs)
	for range opts.allocs {
		b, err := p.Allocate()
		if errors.Is(err, blockpool.ErrOutOfBlocks) {
			report.Exhausted = true
			break
		}
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
	}
	for _, b := range blocks[:min(len(blocks), maxListedBlocks)] {
		ci, bi, _ := p.BlockIndex(b)
		report.Blocks = append(report.Blocks, blockInfo{
			Chunk:   ci,
			Index:   bi,
			Address: fmt.Sprintf("%#x", uintptr(unsafe.Pointer(unsafe.SliceData(b)))),
		})
	}
	for _, b := range blocks[:min(len(blocks), opts.free)] {
		if err := p.Deallocate(b); err != nil {
			return err
		}
	}

	if err := p.Verify(); err != nil {
		report.VerifyError = err.Error()
	} else {
		report.Verified = true
	}
	report.Stats = p.Stats()

	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, report)
	}
	printTitle(w, "Pool layout")
	printStats(w, report.Stats)
	if report.Exhausted {
		printField(w, "Exhausted", "after %d of %d allocations", len(blocks), opts.allocs)
	}
	fmt.Fprintln(w)
	for _, b := range report.Blocks {
		printField(w, fmt.Sprintf("Block %d/%d", b.Chunk, b.Index), "%s", b.Address)
	}
	if n := len(blocks) - len(report.Blocks); n > 0 {
		fmt.Fprintf(w, "... (%d more blocks)\n", n)
	}
	fmt.Fprintln(w)
	if report.Verified {
		printField(w, "Free list", "%s", okStyle.Render("OK"))
	} else {
		printField(w, "Free list", "%s %s", failStyle.Render("CORRUPTED"), report.VerifyError)
	}
	return nil
}
