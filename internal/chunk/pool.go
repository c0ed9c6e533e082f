// Package chunk provides sources of raw memory chunks for block pools.
package chunk

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const chunksPerAlloc = 1

var ErrInvalidSize = errors.New("chunk size must be greater than zero")

// Source hands out raw memory chunks of an exact size and takes them back.
type Source interface {
	Get(size int) ([]byte, error) // Get returns a chunk of exactly size bytes.
	Put(c []byte)                 // Put returns a chunk obtained from Get.
}

type Config struct {
	// Number of free chunks for each chunk size the pool can hold before starting to release memory.
	// A value <= 0 keeps every returned chunk.
	FreeThreshold int

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		FreeThreshold: 64,
	}
}

// Pool is a thread-safe source of memory chunks mapped outside the Go heap.
//
// Chunks returned with Put are kept on a free list for their size and handed
// out again by Get, so pools that are repeatedly created and closed do not
// hit the operating system each time.
type Pool struct {
	mu     sync.Mutex
	logger *slog.Logger
	free   map[int][][]byte // Free chunks by size.

	// freeThreshold represents the number of free chunks for each size the pool
	// can hold before starting to release memory.
	freeThreshold int
}

// NewPool creates a new, empty chunk pool.
func NewPool(config Config) *Pool {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger:        logger,
		free:          make(map[int][][]byte),
		freeThreshold: config.FreeThreshold,
	}
}

// Get retrieves a chunk of the specified size, mapping a new one if none is free.
// The contents of a reused chunk are whatever its previous owner left in it.
func (p *Pool) Get(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free[size]) == 0 {
		if err := p.alloc(size, chunksPerAlloc); err != nil {
			return nil, err
		}
	}
	list := p.free[size]
	n := len(list) - 1
	c := list[n]
	list[n] = nil
	p.free[size] = list[:n]
	return c, nil
}

// Put returns a chunk to the pool.
// It does nothing if the chunk is nil.
func (p *Pool) Put(c []byte) {
	if c == nil {
		return
	}
	size := cap(c)
	c = c[:size] // Ensure the chunk is reset to its full capacity before returning.

	p.mu.Lock()
	list, chunksToUnmap := releaseChunks(append(p.free[size], c), p.freeThreshold)
	p.free[size] = list
	p.mu.Unlock()

	// Perform unmap outside of the lock to avoid blocking other operations.
	for _, c := range chunksToUnmap {
		p.unmap(c)
	}
}

// Allocate ensures that at least numChunks are available in the pool for the
// specified size. This is useful for pre-warming a pool to a specific capacity.
func (p *Pool) Allocate(size int, numChunks int) error {
	if numChunks <= 0 {
		return nil
	}
	if size <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := numChunks - len(p.free[size]); n > 0 {
		return p.alloc(size, n)
	}
	return nil
}

// Release unmaps every free chunk held by the pool.
func (p *Pool) Release() {
	p.mu.Lock()
	free := p.free
	p.free = make(map[int][][]byte)
	p.mu.Unlock()

	for _, list := range free {
		for _, c := range list {
			p.unmap(c)
		}
	}
}

// unmap releases the memory of a chunk back to the operating system.
func (p *Pool) unmap(c []byte) {
	if err := unmapChunk(c); err != nil {
		p.logger.Error("failed to unmap chunk", "size", len(c), "error", err)
	}
}

// alloc maps the specified number of free chunks of the given size.
// It assumes the caller holds the mutex.
func (p *Pool) alloc(size int, numChunks int) error {
	for range numChunks {
		c, err := mapChunk(size)
		if err != nil {
			return err
		}
		p.free[size] = append(p.free[size], c)
	}
	return nil
}

// numFree returns the number of available chunks for a given chunk size.
// It is primarily intended as helper method in tests.
func (p *Pool) numFree(size int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[size])
}

// releaseChunks is a generic helper that trims the free list if it exceeds the given threshold.
// It returns the updated list and a list of any chunks that were removed and should be unmapped.
func releaseChunks[P any](freeList []P, threshold int) (newList []P, toUnmap []P) {
	if threshold > 0 && len(freeList) > threshold {
		// Release half of the free chunks to prevent thrashing around the threshold.
		freeCount := len(freeList) / 2
		toUnmap = append([]P(nil), freeList[:freeCount]...)
		newList = append(freeList[:0], freeList[freeCount:]...)
		return newList, toUnmap
	}
	return freeList, nil
}
