package blockpool

import "errors"

var (
	// ErrOutOfBlocks is returned when the free list is empty and the pool
	// cannot grow, either by policy or because a new chunk could not be acquired.
	ErrOutOfBlocks = errors.New("out of blocks")

	// ErrBlockSizeMismatch is returned for requests or blocks that do not fit the
	// pool's fixed block size.
	ErrBlockSizeMismatch = errors.New("block size mismatch")

	// ErrCorruptedPool indicates a detected invariant violation such as a double
	// free or a foreign address. The pool is disabled once it is returned.
	ErrCorruptedPool = errors.New("pool is corrupted")

	ErrInvalidConfig = errors.New("invalid config")
	ErrClosed        = errors.New("pool is closed")
)
