package blockpool

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"
)

// DefaultAtomicMaxChunks is the chunk limit of an AtomicPool whose config
// leaves MaxChunks at 0.
const DefaultAtomicMaxChunks = 1024

// maxAtomicBlocks bounds block indexes so that index+1 fits a 32-bit reference.
const maxAtomicBlocks uint64 = math.MaxUint32 - 1

// AtomicPool is a lock-free fixed-size block allocator.
// It is safe for concurrent use by multiple goroutines.
//
// Free blocks are linked by 32-bit block indexes stored in their first four
// bytes. Allocate and Deallocate are compare-and-swap loops on the list head;
// only growth takes a lock. Deallocate looks up the owning chunk, which is
// linear in the number of chunks.
//
// Close must not run concurrently with other operations.
type AtomicPool struct {
	logger            *slog.Logger
	source            ChunkSource
	blockSize         int
	stride            int
	blocksPerChunk    int
	growth            GrowthPolicy
	debug             bool
	panicOnCorruption bool

	// head packs the free list head as tag<<32 | ref, where ref is the block
	// index plus one and 0 marks an empty list. Every successful swap bumps the
	// tag, so a head that was popped and pushed back in the meantime fails the
	// swap instead of linking in a stale successor.
	head atomic.Uint64

	bases  []atomic.Pointer[byte] // Chunk base addresses, sized to the chunk limit.
	inUse  [][]atomic.Uint64      // In-use bitmaps per chunk. Nil unless debugging.
	chunks atomic.Int32           // Number of chunks published in bases.

	state    atomic.Int32
	inUseN   atomic.Int64
	allocs   atomic.Uint64
	deallocs atomic.Uint64
	grows    atomic.Uint64
	failures atomic.Uint64

	mu   sync.Mutex // Guards growth and Close.
	mems [][]byte   // Owned chunks in acquisition order.
}

// NewAtomic creates an AtomicPool and acquires its first chunk.
func NewAtomic(config Config) (*AtomicPool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if uint64(config.BlocksPerChunk) > maxAtomicBlocks {
		return nil, fmt.Errorf(
			"%w: blocks per chunk %d exceeds %d", ErrInvalidConfig, config.BlocksPerChunk, maxAtomicBlocks,
		)
	}
	maxChunks := config.MaxChunks
	if maxChunks == 0 {
		maxChunks = DefaultAtomicMaxChunks
	}
	maxChunks = int(min(uint64(maxChunks), maxAtomicBlocks/uint64(config.BlocksPerChunk), math.MaxInt32))

	p := &AtomicPool{
		logger:            config.logger(),
		source:            config.source(),
		blockSize:         config.BlockSize,
		stride:            blockStride(config.BlockSize, false),
		blocksPerChunk:    config.BlocksPerChunk,
		growth:            config.Growth,
		debug:             config.Debug,
		panicOnCorruption: config.PanicOnCorruption,
		bases:             make([]atomic.Pointer[byte], maxChunks),
	}
	if p.debug {
		p.inUse = make([][]atomic.Uint64, maxChunks)
	}
	if err := p.addChunk(); err != nil {
		return nil, fmt.Errorf("cannot acquire first chunk: %w", err)
	}
	return p, nil
}

func packHead(ref, tag uint32) uint64 {
	return uint64(tag)<<32 | uint64(ref)
}

func headTag(head uint64) uint32 {
	return uint32(head >> 32)
}

func (p *AtomicPool) BlockSize() int {
	return p.blockSize
}

// Allocate removes a block from the free list and returns it.
// See Pool.Allocate.
func (p *AtomicPool) Allocate() ([]byte, error) {
	if err := p.checkState(); err != nil {
		return nil, err
	}
	for {
		old := p.head.Load()
		ref := uint32(old)
		if ref == 0 {
			if p.growth == FixedCapacity {
				p.failures.Add(1)
				return nil, ErrOutOfBlocks
			}
			if err := p.grow(); err != nil {
				p.failures.Add(1)
				return nil, err
			}
			continue
		}

		// The link may be stale if another goroutine pops the block first, in
		// which case the tag has moved on and the swap fails.
		blk := p.block(ref - 1)
		next := atomic.LoadUint32((*uint32)(blk))
		if !p.head.CompareAndSwap(old, packHead(next, headTag(old)+1)) {
			continue
		}
		if p.debug {
			if err := p.claim(ref - 1); err != nil {
				return nil, p.setCorrupted(err)
			}
		}
		p.inUseN.Add(1)
		p.allocs.Add(1)
		return unsafe.Slice((*byte)(blk), p.blockSize), nil
	}
}

// AllocateZeroed is like Allocate but clears the block.
func (p *AtomicPool) AllocateZeroed() ([]byte, error) {
	b, err := p.Allocate()
	if err != nil {
		return nil, err
	}
	clear(b)
	return b, nil
}

// Deallocate returns a block to the free list. Deallocating nil is a no-op.
//
// Addresses outside the pool or off a block boundary are always reported as
// ErrCorruptedPool. Double frees are only detected in debug mode.
func (p *AtomicPool) Deallocate(b []byte) error {
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
	idx, err := p.index(uintptr(blk))
	if err != nil {
		return p.setCorrupted(fmt.Errorf("deallocate: %w", err))
	}
	if p.debug {
		if err := p.release(idx); err != nil {
			return p.setCorrupted(err)
		}
	}
	p.push((*uint32)(blk), idx+1)
	p.inUseN.Add(-1)
	p.deallocs.Add(1)
	return nil
}

// push makes ref the new head, storing the current head in link.
func (p *AtomicPool) push(link *uint32, ref uint32) {
	for {
		old := p.head.Load()
		atomic.StoreUint32(link, uint32(old))
		if p.head.CompareAndSwap(old, packHead(ref, headTag(old)+1)) {
			return
		}
	}
}

func (p *AtomicPool) Owns(b []byte) bool {
	if cap(b) == 0 {
		return false
	}
	_, err := p.index(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
	return err == nil
}

// Stats returns a snapshot of the pool stats. Counters are read independently
// and may be mutually inconsistent under concurrent use.
func (p *AtomicPool) Stats() Stats {
	n := int(p.chunks.Load())
	return Stats{
		BlockSize:      p.blockSize,
		BlockStride:    p.stride,
		BlocksPerChunk: p.blocksPerChunk,
		Chunks:         n,
		TotalBlocks:    n * p.blocksPerChunk,
		InUseBlocks:    int(p.inUseN.Load()),
		Allocs:         p.allocs.Load(),
		Deallocs:       p.deallocs.Load(),
		Grows:          p.grows.Load(),
		Failures:       p.failures.Load(),
	}
}

// Close returns every chunk to the chunk source in acquisition order.
// Outstanding blocks must not be used afterwards. Close is idempotent.
func (p *AtomicPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if poolState(p.state.Load()) == stateClosed {
		return nil
	}
	p.state.Store(int32(stateClosed))
	p.head.Store(0)
	p.chunks.Store(0)
	for i, mem := range p.mems {
		p.bases[i].Store(nil)
		p.source.Put(mem)
	}
	p.mems = nil
	return nil
}

func (p *AtomicPool) checkState() error {
	switch poolState(p.state.Load()) {
	case stateCorrupted:
		return ErrCorruptedPool
	case stateClosed:
		return ErrClosed
	}
	return nil
}

func (p *AtomicPool) setCorrupted(err error) error {
	if p.state.CompareAndSwap(int32(stateActive), int32(stateCorrupted)) {
		p.logger.Error(
			"Unrecoverable pool corruption detected. All pool operations are disabled",
			"error", err,
		)
	}
	err = fmt.Errorf("%w: %w", ErrCorruptedPool, err)
	if p.panicOnCorruption {
		panic(err)
	}
	return err
}

// block returns the address of the block with index idx.
func (p *AtomicPool) block(idx uint32) unsafe.Pointer {
	ci, bi := int(idx)/p.blocksPerChunk, int(idx)%p.blocksPerChunk
	return unsafe.Add(unsafe.Pointer(p.bases[ci].Load()), bi*p.stride)
}

// index returns the index of the block at addr.
func (p *AtomicPool) index(addr uintptr) (uint32, error) {
	size := uintptr(p.stride * p.blocksPerChunk)
	n := int(p.chunks.Load())
	for ci := range n {
		base := uintptr(unsafe.Pointer(p.bases[ci].Load()))
		if addr < base || addr >= base+size {
			continue
		}
		off := addr - base
		if off%uintptr(p.stride) != 0 {
			return 0, fmt.Errorf("address %#x in chunk %d is not on a block boundary", addr, ci)
		}
		return uint32(ci*p.blocksPerChunk) + uint32(off/uintptr(p.stride)), nil
	}
	return 0, fmt.Errorf("address %#x does not belong to the pool", addr)
}

func (p *AtomicPool) bit(idx uint32) (*atomic.Uint64, uint64) {
	ci, bi := int(idx)/p.blocksPerChunk, int(idx)%p.blocksPerChunk
	return &p.inUse[ci][bi/64], 1 << (bi % 64)
}

func (p *AtomicPool) claim(idx uint32) error {
	word, mask := p.bit(idx)
	if word.Or(mask)&mask != 0 {
		return fmt.Errorf("free block %d is marked in use", idx)
	}
	return nil
}

func (p *AtomicPool) release(idx uint32) error {
	word, mask := p.bit(idx)
	if word.And(^mask)&mask == 0 {
		return fmt.Errorf("deallocate: double free of block %d", idx)
	}
	return nil
}

// grow acquires a new chunk and splices its blocks onto the free list with a
// single swap. Goroutines that find the list refilled while waiting for the
// lock return without growing.
func (p *AtomicPool) grow() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkState(); err != nil {
		return err
	}
	if uint32(p.head.Load()) != 0 {
		return nil
	}
	if err := p.addChunk(); err != nil {
		return fmt.Errorf("%w: %w", ErrOutOfBlocks, err)
	}
	return nil
}

// addChunk acquires a new chunk, publishes it and splices its blocks onto the
// free list. The caller must hold mu or have exclusive access to the pool.
func (p *AtomicPool) addChunk() error {
	ci := len(p.mems)
	if ci >= len(p.bases) {
		return fmt.Errorf("chunk limit %d reached", len(p.bases))
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
	if base := uintptr(unsafe.Pointer(&mem[0])); base%blockAlign != 0 {
		p.source.Put(mem)
		return fmt.Errorf("chunk source returned memory at %#x not aligned to %d bytes", base, blockAlign)
	}

	first := uint32(ci * p.blocksPerChunk)
	for i := range p.blocksPerChunk - 1 {
		*(*uint32)(unsafe.Pointer(&mem[i*p.stride])) = first + uint32(i) + 2
	}
	if p.debug {
		p.inUse[ci] = make([]atomic.Uint64, (p.blocksPerChunk+63)/64)
	}
	p.mems = append(p.mems, mem)
	p.bases[ci].Store(&mem[0])
	p.chunks.Store(int32(ci + 1))

	p.push((*uint32)(unsafe.Pointer(&mem[(p.blocksPerChunk-1)*p.stride])), first+1)
	p.grows.Add(1)
	p.logger.Debug("acquired chunk", "chunk", ci, "bytes", size, "blocks", p.blocksPerChunk)
	return nil
}
