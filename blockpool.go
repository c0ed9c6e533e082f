// Package blockpool implements fixed-size block memory pools.
//
// A pool preallocates chunks of raw memory, slices each chunk into equal-sized
// blocks and serves Allocate and Deallocate in constant time from an intrusive
// free list: the link to the next free block is stored inside the free block
// itself, so no bookkeeping memory is needed per block.
//
// Blocks are handed out as byte slices with len and cap equal to the block
// size. Their contents are unspecified. A block must be returned with the slice
// it was handed out as, or a reslice of it that starts at the same address.
//
// Pool is not safe for concurrent use. LockedPool serializes access with a
// mutex and AtomicPool is a lock-free variant.
package blockpool

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"unsafe"

	"github.com/willf/bitset"
)

const (
	wordSize    = int(unsafe.Sizeof(uintptr(0)))
	blockAlign  = 8 // Alignment of every block.
	guardOffset = 8 // Offset of the guard word in a free block.
	guardSize   = 8
)

// Allocator is the interface shared by Pool, LockedPool and AtomicPool.
type Allocator interface {
	Allocate() ([]byte, error)
	Deallocate(b []byte) error
	BlockSize() int
	Stats() Stats
	Close() error
}

var (
	_ Allocator = (*Pool)(nil)
	_ Allocator = (*LockedPool)(nil)
	_ Allocator = (*AtomicPool)(nil)
)

// Stats represents pool stats.
type Stats struct {
	BlockSize      int    // Usable bytes per block.
	BlockStride    int    // Distance in bytes between consecutive blocks of a chunk.
	BlocksPerChunk int    // Blocks carved out of each chunk.
	Chunks         int    // Chunks owned by the pool.
	TotalBlocks    int    // Blocks across all chunks.
	InUseBlocks    int    // Blocks currently handed out.
	Allocs         uint64 // Successful allocations.
	Deallocs       uint64 // Successful deallocations.
	Grows          uint64 // Chunks acquired, including the first.
	Failures       uint64 // Allocations that failed with ErrOutOfBlocks.
}

// FreeBlocks returns the number of blocks on the free list.
func (s Stats) FreeBlocks() int {
	return s.TotalBlocks - s.InUseBlocks
}

type poolState int

const (
	stateActive poolState = iota

	// stateCorrupted indicates a detected invariant violation.
	// All operations except Reset and Close are disabled.
	stateCorrupted

	stateClosed
)

func (s poolState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateCorrupted:
		return "corrupted"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("poolState(%d)", s)
	}
}

// poolChunk is one contiguous memory region owned by a pool.
type poolChunk struct {
	mem   []byte
	base  uintptr
	inUse *bitset.BitSet // Set bits mark blocks handed out. Nil unless debugging.
}

func (c *poolChunk) contains(addr uintptr) bool {
	return addr >= c.base && addr < c.base+uintptr(len(c.mem))
}

// Pool is a fixed-size block allocator.
type Pool struct {
	logger            *slog.Logger
	source            ChunkSource
	blockSize         int
	stride            int
	blocksPerChunk    int
	growth            GrowthPolicy
	maxChunks         int
	debug             bool
	panicOnCorruption bool
	seed              uint64 // Guard word seed.

	chunks []*poolChunk   // Owned chunks in acquisition order.
	head   unsafe.Pointer // First free block; nil when the free list is empty.
	state  poolState
	inUse  int
	stats  Stats
}

// New creates a pool and acquires its first chunk.
func New(config Config) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		logger:            config.logger(),
		source:            config.source(),
		blockSize:         config.BlockSize,
		stride:            blockStride(config.BlockSize, config.Debug),
		blocksPerChunk:    config.BlocksPerChunk,
		growth:            config.Growth,
		maxChunks:         config.MaxChunks,
		debug:             config.Debug,
		panicOnCorruption: config.PanicOnCorruption,
		seed:              rand.Uint64(),
	}
	if err := p.addChunk(); err != nil {
		return nil, fmt.Errorf("cannot acquire first chunk: %w", err)
	}
	return p, nil
}

// blockStride returns the distance between blocks: the block size rounded up
// so a free block can hold its link, and its guard word in debug mode.
func blockStride(blockSize int, debug bool) int {
	n := max(blockSize, wordSize)
	if debug {
		n = max(n, guardOffset+guardSize)
	}
	return alignUp(n, blockAlign)
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// BlockSize returns the usable size of every block.
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// Allocate removes a block from the free list and returns it.
// The block's contents are unspecified.
//
// When the free list is empty the pool grows by one chunk under GrowOnDemand,
// and ErrOutOfBlocks is returned under FixedCapacity, once MaxChunks is reached,
// or when the chunk source fails.
func (p *Pool) Allocate() ([]byte, error) {
	if err := p.checkState(); err != nil {
		return nil, err
	}
	if p.head == nil {
		if p.growth == FixedCapacity {
			p.stats.Failures++
			return nil, ErrOutOfBlocks
		}
		if err := p.grow(); err != nil {
			p.stats.Failures++
			return nil, err
		}
	}

	blk := p.head
	if p.debug {
		if err := p.claim(blk); err != nil {
			return nil, p.setCorrupted(err)
		}
	}
	p.head = *(*unsafe.Pointer)(blk)
	p.inUse++
	p.stats.Allocs++
	return unsafe.Slice((*byte)(blk), p.blockSize), nil
}

// AllocateSize is a size-checked Allocate. It returns a block resliced to n
// bytes, or ErrBlockSizeMismatch if n is negative or larger than the block size.
func (p *Pool) AllocateSize(n int) ([]byte, error) {
	if n < 0 || n > p.blockSize {
		return nil, fmt.Errorf("%w: requested %d bytes from a pool of %d-byte blocks", ErrBlockSizeMismatch, n, p.blockSize)
	}
	b, err := p.Allocate()
	if err != nil {
		return nil, err
	}
	return b[:n], nil
}

// AllocateZeroed is like Allocate but clears the block.
func (p *Pool) AllocateZeroed() ([]byte, error) {
	b, err := p.Allocate()
	if err != nil {
		return nil, err
	}
	clear(b)
	return b, nil
}

// Deallocate returns a block to the free list. Deallocating nil is a no-op.
//
// The block must have been returned by Allocate on this pool and not been
// deallocated since. In debug mode violations are detected and reported as
// ErrCorruptedPool; otherwise they corrupt the free list.
func (p *Pool) Deallocate(b []byte) error {
	if err := p.checkState(); err != nil {
		return err
	}
	if cap(b) == 0 {
		return nil
	}
	if cap(b) != p.blockSize {
		return fmt.Errorf("%w: got block of capacity %d, want %d", ErrBlockSizeMismatch, cap(b), p.blockSize)
	}

	blk := unsafe.Pointer(unsafe.SliceData(b))
	if p.debug {
		if err := p.release(blk); err != nil {
			return p.setCorrupted(err)
		}
	}
	p.link(blk, p.head)
	p.head = blk
	p.inUse--
	p.stats.Deallocs++
	return nil
}

// Owns reports whether b starts at a block boundary of a chunk owned by the pool.
func (p *Pool) Owns(b []byte) bool {
	_, _, ok := p.BlockIndex(b)
	return ok
}

// BlockIndex returns the chunk and the index within that chunk of the block b
// starts at. It walks the owned chunks and is meant for diagnostics.
func (p *Pool) BlockIndex(b []byte) (chunkIdx, blockIdx int, ok bool) {
	if cap(b) == 0 {
		return 0, 0, false
	}
	ci, bi, err := p.locate(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
	if err != nil {
		return 0, 0, false
	}
	return ci, bi, true
}

// Reset returns every block to the free list, invalidating all outstanding
// blocks. Chunks are kept. Reset also re-enables a corrupted pool.
func (p *Pool) Reset() error {
	if p.state == stateClosed {
		return ErrClosed
	}
	p.head = nil
	// Thread in reverse so the first block of the first chunk ends up at the head.
	for i := len(p.chunks) - 1; i >= 0; i-- {
		c := p.chunks[i]
		if c.inUse != nil {
			c.inUse.ClearAll()
		}
		p.thread(c)
	}
	p.inUse = 0
	p.state = stateActive
	return nil
}

// Stats returns a snapshot of the pool stats.
func (p *Pool) Stats() Stats {
	s := p.stats
	s.BlockSize = p.blockSize
	s.BlockStride = p.stride
	s.BlocksPerChunk = p.blocksPerChunk
	s.Chunks = len(p.chunks)
	s.TotalBlocks = len(p.chunks) * p.blocksPerChunk
	s.InUseBlocks = p.inUse
	return s
}

// Close returns every chunk to the chunk source in acquisition order.
// Outstanding blocks must not be used afterwards. Close is idempotent.
func (p *Pool) Close() error {
	if p.state == stateClosed {
		return nil
	}
	for _, c := range p.chunks {
		p.source.Put(c.mem)
	}
	p.chunks = nil
	p.head = nil
	p.state = stateClosed
	return nil
}

func (p *Pool) checkState() error {
	switch p.state {
	case stateCorrupted:
		return ErrCorruptedPool
	case stateClosed:
		return ErrClosed
	}
	return nil
}

// setCorrupted sets the pool state to corrupted and logs the provided error.
// It returns an error wrapping ErrCorruptedPool, or panics with it when
// configured to.
func (p *Pool) setCorrupted(err error) error {
	p.state = stateCorrupted
	p.logger.Error(
		"Unrecoverable pool corruption detected. All pool operations are disabled",
		"error", err,
	)
	err = fmt.Errorf("%w: %w", ErrCorruptedPool, err)
	if p.panicOnCorruption {
		panic(err)
	}
	return err
}

// grow adds a chunk to an exhausted pool. Failures are reported as ErrOutOfBlocks.
func (p *Pool) grow() error {
	if err := p.addChunk(); err != nil {
		return fmt.Errorf("%w: %w", ErrOutOfBlocks, err)
	}
	return nil
}

// addChunk acquires a new chunk and threads its blocks in front of the free list.
func (p *Pool) addChunk() error {
	if p.maxChunks > 0 && len(p.chunks) >= p.maxChunks {
		return fmt.Errorf("chunk limit %d reached", p.maxChunks)
	}
	size := p.stride * p.blocksPerChunk
	mem, err := p.source.Get(size)
	if err != nil {
		return err
	}
	if len(mem) != size {
		p.source.Put(mem)
		return fmt.Errorf("chunk source returned %d bytes, want %d", len(mem), size)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	if base%blockAlign != 0 {
		p.source.Put(mem)
		return fmt.Errorf("chunk source returned memory at %#x not aligned to %d bytes", base, blockAlign)
	}

	c := &poolChunk{mem: mem, base: base}
	if p.debug {
		c.inUse = bitset.New(uint(p.blocksPerChunk))
	}
	p.chunks = append(p.chunks, c)
	p.thread(c)
	p.stats.Grows++
	p.logger.Debug("acquired chunk", "chunk", len(p.chunks)-1, "bytes", size, "blocks", p.blocksPerChunk)
	return nil
}

// thread links the blocks of c in address order and prepends them to the free list.
func (p *Pool) thread(c *poolChunk) {
	next := p.head
	for i := p.blocksPerChunk - 1; i >= 0; i-- {
		blk := unsafe.Pointer(&c.mem[i*p.stride])
		p.link(blk, next)
		next = blk
	}
	p.head = next
}

// link stores next in the free block blk, with its guard word in debug mode.
func (p *Pool) link(blk, next unsafe.Pointer) {
	*(*unsafe.Pointer)(blk) = next
	if p.debug {
		*(*uint64)(unsafe.Add(blk, guardOffset)) = p.guard(uintptr(blk), uintptr(next))
	}
}
