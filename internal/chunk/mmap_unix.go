//go:build unix

package chunk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapChunk maps anonymous memory that is not part of the Go heap.
// Mapped chunks are neither scanned nor counted by the garbage collector.
func mapChunk(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate %d bytes via mmap: %w", size, err)
	}
	return data, nil
}

func unmapChunk(c []byte) error {
	return unix.Munmap(c)
}
