package blockpool

import "sync"

// LockedPool is a Pool whose operations are serialized by a mutex.
// It is safe for concurrent use by multiple goroutines.
type LockedPool struct {
	mu   sync.Mutex
	pool *Pool
}

// NewLocked creates a LockedPool and acquires its first chunk.
func NewLocked(config Config) (*LockedPool, error) {
	p, err := New(config)
	if err != nil {
		return nil, err
	}
	return &LockedPool{pool: p}, nil
}

func (p *LockedPool) BlockSize() int {
	return p.pool.BlockSize()
}

// Allocate removes a block from the free list and returns it.
// See Pool.Allocate.
func (p *LockedPool) Allocate() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.Allocate()
}

func (p *LockedPool) AllocateSize(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.AllocateSize(n)
}

func (p *LockedPool) AllocateZeroed() ([]byte, error) {
	b, err := p.Allocate()
	if err != nil {
		return nil, err
	}
	// The block is exclusively ours, clear it outside of the lock.
	clear(b)
	return b, nil
}

// Deallocate returns a block to the free list.
// See Pool.Deallocate.
func (p *LockedPool) Deallocate(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.Deallocate(b)
}

func (p *LockedPool) Owns(b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.Owns(b)
}

func (p *LockedPool) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.Reset()
}

func (p *LockedPool) Verify() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.Verify()
}

func (p *LockedPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.Stats()
}

func (p *LockedPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.Close()
}
