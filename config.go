package blockpool

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// GrowthPolicy decides what a pool does when its free list is exhausted.
type GrowthPolicy int

const (
	GrowOnDemand  GrowthPolicy = iota // Acquire a new chunk and retry.
	FixedCapacity                     // Fail with ErrOutOfBlocks.
)

func (g GrowthPolicy) String() string {
	switch g {
	case GrowOnDemand:
		return "grow"
	case FixedCapacity:
		return "fixed"
	default:
		return fmt.Sprintf("GrowthPolicy(%d)", int(g))
	}
}

// ParseGrowthPolicy parses the names returned by GrowthPolicy.String.
func ParseGrowthPolicy(s string) (GrowthPolicy, error) {
	switch strings.ToLower(s) {
	case "grow":
		return GrowOnDemand, nil
	case "fixed":
		return FixedCapacity, nil
	default:
		return 0, fmt.Errorf("unknown growth policy %q (want grow or fixed)", s)
	}
}

type Config struct {
	BlockSize      int          // Usable bytes per block.
	BlocksPerChunk int          // Number of blocks carved out of each chunk.
	Growth         GrowthPolicy // Behaviour on exhaustion.

	// MaxChunks caps the number of chunks a pool may own. A value of 0 means no
	// limit for Pool and DefaultAtomicMaxChunks for AtomicPool.
	MaxChunks int

	// Debug enables validation of every deallocation (ownership, alignment and
	// double free) and guard words on free blocks. Without it those violations
	// are undefined behaviour.
	Debug bool

	// PanicOnCorruption panics instead of returning ErrCorruptedPool.
	PanicOnCorruption bool

	Source ChunkSource  // Chunk memory source. Defaults to a shared mmap-backed pool.
	Logger *slog.Logger // Defaults to slog.Default().
}

func (c Config) Validate() error {
	var errs []error
	if c.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: block size %d must be greater than zero", ErrInvalidConfig, c.BlockSize))
	}
	if c.BlocksPerChunk <= 0 {
		errs = append(
			errs,
			fmt.Errorf("%w: blocks per chunk %d must be greater than zero", ErrInvalidConfig, c.BlocksPerChunk),
		)
	}
	if c.Growth != GrowOnDemand && c.Growth != FixedCapacity {
		errs = append(errs, fmt.Errorf("%w: unknown growth policy %v", ErrInvalidConfig, c.Growth))
	}
	if c.MaxChunks < 0 {
		errs = append(errs, fmt.Errorf("%w: max chunks %d must not be negative", ErrInvalidConfig, c.MaxChunks))
	}
	if c.BlockSize > 0 && c.BlocksPerChunk > 0 {
		if stride := blockStride(c.BlockSize, c.Debug); c.BlocksPerChunk > math.MaxInt/stride {
			errs = append(
				errs,
				fmt.Errorf("%w: chunk of %d blocks of %d bytes overflows", ErrInvalidConfig, c.BlocksPerChunk, stride),
			)
		}
	}
	return errors.Join(errs...)
}

func DefaultConfig() Config {
	return Config{
		BlockSize:      64,           // One cache line.
		BlocksPerChunk: 1024,         // 64KB chunks.
		Growth:         GrowOnDemand, // Grow rather than fail.
	}
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) source() ChunkSource {
	if c.Source != nil {
		return c.Source
	}
	return defaultChunkPool
}
