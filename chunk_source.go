package blockpool

import "github.com/holmberd/go-blockpool/internal/chunk"

// ChunkSource supplies the raw memory that pools carve into blocks.
// A pool calls Get once per chunk and Put for every chunk when it is closed.
type ChunkSource interface {
	Get(size int) ([]byte, error) // Get returns a chunk of exactly size bytes.
	Put(c []byte)                 // Put returns a chunk obtained from Get.
}

type (
	// ChunkPool is a thread-safe ChunkSource that maps chunks outside the Go heap
	// and recycles returned chunks.
	ChunkPool       = chunk.Pool
	ChunkPoolConfig = chunk.Config
)

var (
	defaultChunkPool = NewChunkPool(DefaultChunkPoolConfig())

	_ ChunkSource = (*ChunkPool)(nil)
	_ ChunkSource = chunk.Heap{}
)

// NewChunkPool creates a new, empty chunk pool.
func NewChunkPool(config ChunkPoolConfig) *ChunkPool {
	return chunk.NewPool(config)
}

func DefaultChunkPoolConfig() ChunkPoolConfig {
	return chunk.DefaultConfig()
}

// HeapChunkSource returns a ChunkSource that allocates chunks on the Go heap.
func HeapChunkSource() ChunkSource {
	return chunk.Heap{}
}
