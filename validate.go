package blockpool

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/willf/bitset"
)

// guard returns the guard word of a free block at addr linking to next.
// A free block whose stored guard no longer matches was written after it was freed.
func (p *Pool) guard(addr, next uintptr) uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(addr))
	binary.LittleEndian.PutUint64(buf[8:], uint64(next))
	binary.LittleEndian.PutUint64(buf[16:], p.seed)
	return xxhash.Sum64(buf[:])
}

// locate returns the chunk and block index of addr.
// It fails if addr is outside every owned chunk or not on a block boundary.
func (p *Pool) locate(addr uintptr) (int, int, error) {
	for ci, c := range p.chunks {
		if !c.contains(addr) {
			continue
		}
		off := addr - c.base
		if off%uintptr(p.stride) != 0 {
			return ci, 0, fmt.Errorf("address %#x in chunk %d is not on a block boundary", addr, ci)
		}
		return ci, int(off / uintptr(p.stride)), nil
	}
	return -1, 0, fmt.Errorf("address %#x does not belong to the pool", addr)
}

// claim checks the free block blk about to be popped from the free list and
// marks it in use. The link is validated before it is ever followed.
func (p *Pool) claim(blk unsafe.Pointer) error {
	addr := uintptr(blk)
	ci, bi, err := p.locate(addr)
	if err != nil {
		return fmt.Errorf("free list head: %w", err)
	}
	c := p.chunks[ci]
	if c.inUse.Test(uint(bi)) {
		return fmt.Errorf("free block %d of chunk %d is marked in use", bi, ci)
	}
	next := *(*uintptr)(blk)
	if g := *(*uint64)(unsafe.Add(blk, guardOffset)); g != p.guard(addr, next) {
		return fmt.Errorf("free block %d of chunk %d was modified after it was deallocated", bi, ci)
	}
	if next != 0 {
		if _, _, err := p.locate(next); err != nil {
			return fmt.Errorf("link of free block %d of chunk %d: %w", bi, ci, err)
		}
	}
	c.inUse.Set(uint(bi))
	return nil
}

// release checks that blk is an in-use block of the pool and marks it free.
func (p *Pool) release(blk unsafe.Pointer) error {
	ci, bi, err := p.locate(uintptr(blk))
	if err != nil {
		return fmt.Errorf("deallocate: %w", err)
	}
	c := p.chunks[ci]
	if !c.inUse.Test(uint(bi)) {
		return fmt.Errorf("deallocate: double free of block %d of chunk %d", bi, ci)
	}
	c.inUse.Clear(uint(bi))
	return nil
}

// Verify walks the whole free list and checks that every free block lies on a
// block boundary of an owned chunk, that the list has no cycle, and that free
// and in-use blocks add up to the pool's capacity. In debug mode it also checks
// in-use marks and guard words.
//
// A failed check disables the pool like any other detected corruption.
func (p *Pool) Verify() error {
	if err := p.checkState(); err != nil {
		return err
	}
	if err := p.verify(); err != nil {
		return p.setCorrupted(err)
	}
	return nil
}

func (p *Pool) verify() error {
	total := len(p.chunks) * p.blocksPerChunk
	seen := make([]*bitset.BitSet, len(p.chunks))
	for i := range seen {
		seen[i] = bitset.New(uint(p.blocksPerChunk))
	}

	free := 0
	if p.head != nil {
		if _, _, err := p.locate(uintptr(p.head)); err != nil {
			return fmt.Errorf("free list head: %w", err)
		}
	}
	for blk := p.head; blk != nil; blk = *(*unsafe.Pointer)(blk) {
		addr := uintptr(blk)
		ci, bi, err := p.locate(addr)
		if err != nil {
			return err
		}
		if seen[ci].Test(uint(bi)) {
			return fmt.Errorf("free list cycles at block %d of chunk %d", bi, ci)
		}
		seen[ci].Set(uint(bi))
		if free++; free > total {
			return fmt.Errorf("free list holds more than the %d blocks owned", total)
		}

		next := *(*uintptr)(blk)
		if p.debug {
			if p.chunks[ci].inUse.Test(uint(bi)) {
				return fmt.Errorf("free block %d of chunk %d is marked in use", bi, ci)
			}
			if g := *(*uint64)(unsafe.Add(blk, guardOffset)); g != p.guard(addr, next) {
				return fmt.Errorf("free block %d of chunk %d was modified after it was deallocated", bi, ci)
			}
		}
		if next != 0 {
			if _, _, err := p.locate(next); err != nil {
				return fmt.Errorf("link of free block %d of chunk %d: %w", bi, ci, err)
			}
		}
	}

	if want := total - p.inUse; free != want {
		return fmt.Errorf("free list holds %d blocks, want %d", free, want)
	}
	if p.debug {
		marked := 0
		for _, c := range p.chunks {
			marked += int(c.inUse.Count())
		}
		if marked != p.inUse {
			return fmt.Errorf("%d blocks are marked in use, want %d", marked, p.inUse)
		}
	}
	return nil
}
