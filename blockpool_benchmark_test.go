package blockpool

import (
	"testing"
)

// GOMAXPROCS=4 go clean -testcache && go test -bench=. -benchtime=5s -benchmem .

// BenchmarkPoolAllocateDeallocate measures a single-threaded allocate and
// deallocate round trip on a warm free list.
func BenchmarkPoolAllocateDeallocate(b *testing.B) {
	for _, debug := range []bool{false, true} {
		name := "Fast"
		if debug {
			name = "Debug"
		}
		b.Run(name, func(b *testing.B) {
			p, err := New(Config{BlockSize: 64, BlocksPerChunk: 1024, Debug: debug})
			if err != nil {
				b.Fatal(err)
			}
			defer p.Close()

			b.ResetTimer()
			b.ReportAllocs()
			for range b.N {
				blk, err := p.Allocate()
				if err != nil {
					b.Fatal(err)
				}
				if err := p.Deallocate(blk); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkPoolBurst allocates a batch of blocks before freeing them, so the
// free list is walked across many blocks and grown on the first iteration.
func BenchmarkPoolBurst(b *testing.B) {
	const burst = 4096
	p, err := New(Config{BlockSize: 32, BlocksPerChunk: 512})
	if err != nil {
		b.Fatal(err)
	}
	defer p.Close()
	held := make([][]byte, burst)

	b.ResetTimer()
	b.ReportAllocs()
	for range b.N {
		for i := range held {
			if held[i], err = p.Allocate(); err != nil {
				b.Fatal(err)
			}
		}
		for _, blk := range held {
			if err := p.Deallocate(blk); err != nil {
				b.Fatal(err)
			}
		}
	}
	b.ReportMetric(float64(p.Stats().Chunks), "chunks")
}

// BenchmarkConcurrent compares the thread-safe pools under contention.
func BenchmarkConcurrent(b *testing.B) {
	config := Config{BlockSize: 64, BlocksPerChunk: 4096}
	pools := []struct {
		name string
		new  func() (Allocator, error)
	}{
		{"Locked", func() (Allocator, error) { return NewLocked(config) }},
		{"Atomic", func() (Allocator, error) { return NewAtomic(config) }},
	}
	for _, pool := range pools {
		b.Run(pool.name, func(b *testing.B) {
			a, err := pool.new()
			if err != nil {
				b.Fatal(err)
			}
			defer a.Close()

			b.ResetTimer()
			b.ReportAllocs()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					blk, err := a.Allocate()
					if err != nil {
						panic(err)
					}
					blk[0] = 1
					if err := a.Deallocate(blk); err != nil {
						panic(err)
					}
				}
			})
			s := a.Stats()
			b.ReportMetric(float64(s.Chunks), "chunks")
		})
	}
}
