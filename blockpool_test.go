package blockpool

import (
	"bytes"
	"errors"
	"slices"
	"testing"
	"unsafe"

	"github.com/holmberd/go-blockpool/internal/testutils"
)

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func newTestPool(t *testing.T, config Config) *Pool {
	t.Helper()
	p, err := New(config)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPoolFixedCapacityScenario(t *testing.T) {
	p := newTestPool(t, Config{BlockSize: 16, BlocksPerChunk: 4, Growth: FixedCapacity})

	var blocks [4][]byte
	for i := range blocks {
		b, err := p.Allocate()
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		if len(b) != 16 || cap(b) != 16 {
			t.Fatalf("expected len/cap 16, got len=%d, cap=%d", len(b), cap(b))
		}
		blocks[i] = b
	}
	for i := 1; i < len(blocks); i++ {
		if d := addrOf(blocks[i]) - addrOf(blocks[i-1]); d != 16 {
			t.Errorf("expected block %d to be 16 bytes after block %d, got %d", i, i-1, d)
		}
	}
	for i, b := range blocks {
		ci, bi, ok := p.BlockIndex(b)
		if !ok || ci != 0 || bi != i {
			t.Errorf("expected block %d at chunk 0 index %d, got chunk %d index %d (ok=%t)", i, i, ci, bi, ok)
		}
	}

	if _, err := p.Allocate(); !errors.Is(err, ErrOutOfBlocks) {
		t.Fatalf("expected %v on fifth allocation, got %v", ErrOutOfBlocks, err)
	}

	if err := p.Deallocate(blocks[1]); err != nil {
		t.Fatalf("failed to deallocate: %v", err)
	}
	b, err := p.Allocate()
	if err != nil {
		t.Fatalf("failed to allocate after deallocate: %v", err)
	}
	if addrOf(b) != addrOf(blocks[1]) {
		t.Errorf("expected the deallocated block %#x to be reused, got %#x", addrOf(blocks[1]), addrOf(b))
	}
}

func TestPoolCapacity(t *testing.T) {
	const n = 8
	p := newTestPool(t, Config{BlockSize: 32, BlocksPerChunk: n, Growth: FixedCapacity})

	blocks := make([][]byte, 0, n)
	for i := range n {
		b, err := p.Allocate()
		if err != nil {
			t.Fatalf("allocation %d of %d failed: %v", i+1, n, err)
		}
		blocks = append(blocks, b)
	}

	// Exhaustion is reported every time until a block is returned.
	for range 3 {
		if b, err := p.Allocate(); !errors.Is(err, ErrOutOfBlocks) || b != nil {
			t.Fatalf("expected nil block and %v, got %v and %v", ErrOutOfBlocks, b, err)
		}
	}
	if s := p.Stats(); s.Failures != 3 || s.Chunks != 1 {
		t.Errorf("expected 3 failures and 1 chunk, got %d failures and %d chunks", s.Failures, s.Chunks)
	}

	if err := p.Deallocate(blocks[n-1]); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Allocate(); err != nil {
		t.Errorf("expected allocation to succeed after a deallocation, got %v", err)
	}
}

func TestPoolReuseIsLIFO(t *testing.T) {
	p := newTestPool(t, Config{BlockSize: 64, BlocksPerChunk: 16})

	a, _ := p.Allocate()
	b, _ := p.Allocate()
	if err := p.Deallocate(a); err != nil {
		t.Fatal(err)
	}
	if err := p.Deallocate(b); err != nil {
		t.Fatal(err)
	}

	got1, _ := p.Allocate()
	got2, _ := p.Allocate()
	if addrOf(got1) != addrOf(b) || addrOf(got2) != addrOf(a) {
		t.Errorf("expected blocks in reverse deallocation order %#x, %#x; got %#x, %#x",
			addrOf(b), addrOf(a), addrOf(got1), addrOf(got2))
	}
}

func TestPoolNoOverlap(t *testing.T) {
	const blockSize = 24
	p := newTestPool(t, Config{BlockSize: blockSize, BlocksPerChunk: 10})

	blocks := make([][]byte, 100)
	for i := range blocks {
		b, err := p.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		for j := range b {
			b[j] = byte(i)
		}
		blocks[i] = b
	}

	addrs := make([]uintptr, len(blocks))
	for i, b := range blocks {
		addrs[i] = addrOf(b)
	}
	slices.Sort(addrs)
	for i := 1; i < len(addrs); i++ {
		if addrs[i-1]+blockSize > addrs[i] {
			t.Fatalf("blocks at %#x and %#x overlap", addrs[i-1], addrs[i])
		}
	}
	for i, b := range blocks {
		if !bytes.Equal(b, bytes.Repeat([]byte{byte(i)}, blockSize)) {
			t.Fatalf("block %d was overwritten", i)
		}
	}
}

func TestPoolGrowth(t *testing.T) {
	t.Run("Allocating past a chunk adds a chunk", func(t *testing.T) {
		const n = 4
		p := newTestPool(t, Config{BlockSize: 16, BlocksPerChunk: n, Growth: GrowOnDemand})

		blocks := make([][]byte, n+1)
		for i := range blocks {
			b, err := p.Allocate()
			if err != nil {
				t.Fatalf("allocation %d failed: %v", i, err)
			}
			copy(b, []byte{byte(i), byte(i), byte(i)})
			blocks[i] = b
		}

		for i, b := range blocks[:n] {
			if ci, _, _ := p.BlockIndex(b); ci != 0 {
				t.Errorf("expected block %d in chunk 0, got chunk %d", i, ci)
			}
		}
		if ci, _, _ := p.BlockIndex(blocks[n]); ci != 1 {
			t.Errorf("expected block %d in chunk 1, got chunk %d", n, ci)
		}
		// Growth must not move or clobber issued blocks.
		for i, b := range blocks {
			if b[0] != byte(i) || b[2] != byte(i) {
				t.Errorf("block %d changed after growth", i)
			}
		}

		s := p.Stats()
		if s.Chunks != 2 || s.Grows != 2 || s.TotalBlocks != 2*n || s.InUseBlocks != n+1 {
			t.Errorf("unexpected stats after growth: %+v", s)
		}
	})

	t.Run("Growth stops at MaxChunks", func(t *testing.T) {
		p := newTestPool(t, Config{BlockSize: 16, BlocksPerChunk: 2, MaxChunks: 2})
		for i := range 4 {
			if _, err := p.Allocate(); err != nil {
				t.Fatalf("allocation %d failed: %v", i, err)
			}
		}
		if _, err := p.Allocate(); !errors.Is(err, ErrOutOfBlocks) {
			t.Errorf("expected %v, got %v", ErrOutOfBlocks, err)
		}
		if s := p.Stats(); s.Chunks != 2 || s.Failures != 1 {
			t.Errorf("expected 2 chunks and 1 failure, got %+v", s)
		}
	})

	t.Run("Chunk source failure is reported as out of blocks", func(t *testing.T) {
		source := &testutils.MockChunkSource{MaxChunks: 1}
		p := newTestPool(t, Config{BlockSize: 16, BlocksPerChunk: 2, Source: source})
		for range 2 {
			if _, err := p.Allocate(); err != nil {
				t.Fatal(err)
			}
		}
		_, err := p.Allocate()
		if !errors.Is(err, ErrOutOfBlocks) || !errors.Is(err, testutils.ErrSourceExhausted) {
			t.Errorf("expected error wrapping %v and %v, got %v", ErrOutOfBlocks, testutils.ErrSourceExhausted, err)
		}
		if source.FailedCalls() != 1 {
			t.Errorf("expected 1 failed Get, got %d", source.FailedCalls())
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("Invalid config", func(t *testing.T) {
		if _, err := New(Config{BlockSize: 0, BlocksPerChunk: 4}); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected %v, got %v", ErrInvalidConfig, err)
		}
	})

	t.Run("First chunk is acquired eagerly", func(t *testing.T) {
		source := &testutils.MockChunkSource{}
		p := newTestPool(t, Config{BlockSize: 16, BlocksPerChunk: 4, Source: source})
		if source.GetCalls() != 1 {
			t.Errorf("expected 1 Get call, got %d", source.GetCalls())
		}
		if s := p.Stats(); s.Chunks != 1 || s.FreeBlocks() != 4 {
			t.Errorf("expected 1 chunk with 4 free blocks, got %+v", s)
		}
	})

	testCases := []struct {
		name   string
		source *testutils.MockChunkSource
	}{
		{"Misaligned chunk", &testutils.MockChunkSource{Misaligned: true}},
		{"Short chunk", &testutils.MockChunkSource{Short: true}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(Config{BlockSize: 16, BlocksPerChunk: 4, Source: tc.source})
			if err == nil {
				t.Fatal("expected construction to fail, but got nil")
			}
			if errors.Is(err, ErrOutOfBlocks) {
				t.Errorf("expected a construction failure not to be reported as %v, got %v", ErrOutOfBlocks, err)
			}
			if tc.source.ChunksInUse() != 0 {
				t.Errorf("expected the rejected chunk to be returned, %d in use", tc.source.ChunksInUse())
			}
		})
	}

	t.Run("Source failure", func(t *testing.T) {
		source := &testutils.MockChunkSource{MaxChunks: 1}
		if _, err := source.Get(8); err != nil {
			t.Fatal(err)
		}
		_, err := New(Config{BlockSize: 16, BlocksPerChunk: 4, Source: source})
		if !errors.Is(err, testutils.ErrSourceExhausted) {
			t.Errorf("expected error wrapping %v, got %v", testutils.ErrSourceExhausted, err)
		}
		if errors.Is(err, ErrOutOfBlocks) {
			t.Errorf("expected a construction failure not to be reported as %v, got %v", ErrOutOfBlocks, err)
		}
	})
}

func TestPoolAllocateSize(t *testing.T) {
	p := newTestPool(t, Config{BlockSize: 32, BlocksPerChunk: 4})

	for _, n := range []int{0, 1, 32} {
		b, err := p.AllocateSize(n)
		if err != nil {
			t.Fatalf("AllocateSize(%d) failed: %v", n, err)
		}
		if len(b) != n || cap(b) != 32 {
			t.Errorf("AllocateSize(%d): expected len %d cap 32, got len=%d cap=%d", n, n, len(b), cap(b))
		}
		if err := p.Deallocate(b); err != nil {
			t.Errorf("failed to deallocate AllocateSize(%d) block: %v", n, err)
		}
	}

	for _, n := range []int{-1, 33} {
		if _, err := p.AllocateSize(n); !errors.Is(err, ErrBlockSizeMismatch) {
			t.Errorf("AllocateSize(%d): expected %v, got %v", n, ErrBlockSizeMismatch, err)
		}
	}
	if s := p.Stats(); s.InUseBlocks != 0 || s.Allocs != 3 {
		t.Errorf("expected 3 allocations and none in use, got %+v", s)
	}
}

func TestPoolAllocateZeroed(t *testing.T) {
	p := newTestPool(t, Config{BlockSize: 48, BlocksPerChunk: 1, Growth: FixedCapacity})

	b, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	for i := range b {
		b[i] = 0xFF
	}
	if err := p.Deallocate(b); err != nil {
		t.Fatal(err)
	}
	z, err := p.AllocateZeroed()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(z, make([]byte, 48)) {
		t.Errorf("expected a zeroed block, got %x", z)
	}
}

func TestPoolDeallocate(t *testing.T) {
	t.Run("Nil is a no-op", func(t *testing.T) {
		p := newTestPool(t, DefaultConfig())
		if err := p.Deallocate(nil); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
		if s := p.Stats(); s.Deallocs != 0 {
			t.Errorf("expected no deallocation to be counted, got %d", s.Deallocs)
		}
	})

	t.Run("Wrong capacity is a size mismatch", func(t *testing.T) {
		p := newTestPool(t, Config{BlockSize: 16, BlocksPerChunk: 4, Debug: true})
		b, err := p.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		for _, bad := range [][]byte{make([]byte, 3), b[1:]} {
			if err := p.Deallocate(bad); !errors.Is(err, ErrBlockSizeMismatch) {
				t.Errorf("expected %v, got %v", ErrBlockSizeMismatch, err)
			}
		}
		// A size mismatch is recoverable.
		if err := p.Deallocate(b); err != nil {
			t.Errorf("expected the pool to remain usable, got %v", err)
		}
	})

	t.Run("Resliced block is accepted", func(t *testing.T) {
		p := newTestPool(t, Config{BlockSize: 16, BlocksPerChunk: 4, Debug: true})
		b, err := p.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Deallocate(b[:2]); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})
}

func TestPoolOwns(t *testing.T) {
	p := newTestPool(t, Config{BlockSize: 16, BlocksPerChunk: 4})
	b, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if !p.Owns(b) {
		t.Error("expected pool to own its block")
	}
	if p.Owns(make([]byte, 16)) {
		t.Error("expected pool not to own a heap slice")
	}
	if p.Owns(nil) {
		t.Error("expected pool not to own nil")
	}
}

func TestPoolReset(t *testing.T) {
	p := newTestPool(t, Config{BlockSize: 16, BlocksPerChunk: 2, Debug: true})
	first, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := p.Allocate(); err != nil {
			t.Fatal(err)
		}
	}

	if err := p.Reset(); err != nil {
		t.Fatal(err)
	}
	s := p.Stats()
	if s.InUseBlocks != 0 || s.Chunks != 2 || s.FreeBlocks() != 4 {
		t.Errorf("unexpected stats after reset: %+v", s)
	}
	if err := p.Verify(); err != nil {
		t.Errorf("expected a consistent pool after reset, got %v", err)
	}
	b, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if addrOf(b) != addrOf(first) {
		t.Error("expected the first block of the first chunk at the head after reset")
	}
}

func TestPoolClose(t *testing.T) {
	source := &testutils.MockChunkSource{}
	p, err := New(Config{BlockSize: 16, BlocksPerChunk: 1, Source: source})
	if err != nil {
		t.Fatal(err)
	}
	var last []byte
	for range 3 {
		if last, err = p.Allocate(); err != nil {
			t.Fatal(err)
		}
	}
	if source.ChunksInUse() != 3 {
		t.Fatalf("expected 3 chunks in use, got %d", source.ChunksInUse())
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if source.ChunksInUse() != 0 || source.PutCalls() != 3 {
		t.Errorf("expected all 3 chunks to be returned, got %d puts and %d in use", source.PutCalls(), source.ChunksInUse())
	}
	if err := p.Close(); err != nil {
		t.Errorf("expected Close to be idempotent, got %v", err)
	}
	if source.PutCalls() != 3 {
		t.Errorf("expected no additional puts, got %d", source.PutCalls())
	}

	if _, err := p.Allocate(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected %v from Allocate, got %v", ErrClosed, err)
	}
	if err := p.Deallocate(last); !errors.Is(err, ErrClosed) {
		t.Errorf("expected %v from Deallocate, got %v", ErrClosed, err)
	}
	if err := p.Reset(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected %v from Reset, got %v", ErrClosed, err)
	}
	if s := p.Stats(); s.Chunks != 0 || s.TotalBlocks != 0 {
		t.Errorf("expected no chunks after close, got %+v", s)
	}
}

func TestBlockStride(t *testing.T) {
	testCases := []struct {
		blockSize int
		debug     bool
		expected  int
	}{
		{1, false, 8},
		{8, false, 8},
		{9, false, 16},
		{16, false, 16},
		{1, true, 16},
		{20, true, 24},
		{24, true, 24},
	}
	for _, tc := range testCases {
		if got := blockStride(tc.blockSize, tc.debug); got != tc.expected {
			t.Errorf("blockStride(%d, %t): expected %d, got %d", tc.blockSize, tc.debug, tc.expected, got)
		}
	}
}

func TestGrowthPolicy(t *testing.T) {
	for _, g := range []GrowthPolicy{GrowOnDemand, FixedCapacity} {
		parsed, err := ParseGrowthPolicy(g.String())
		if err != nil || parsed != g {
			t.Errorf("expected %v to round trip, got %v, %v", g, parsed, err)
		}
	}
	if _, err := ParseGrowthPolicy("shrink"); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}
