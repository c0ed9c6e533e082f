//go:build !unix

package chunk

// Platforms without mmap fall back to the Go heap.
func mapChunk(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapChunk(c []byte) error {
	return nil
}
