package testutils

import (
	"errors"
	"sync/atomic"
)

var ErrSourceExhausted = errors.New("mock chunk source exhausted")

// MockChunkSource is a heap-backed chunk source that counts calls and can be
// told to fail or to hand out misaligned memory.
type MockChunkSource struct {
	// MaxChunks makes Get fail once this many chunks are outstanding.
	// A value <= 0 never fails.
	MaxChunks int64

	// Misaligned makes Get return chunks starting one byte past an aligned address.
	Misaligned bool

	// Short makes Get return one byte less than requested.
	Short bool

	getCalls    atomic.Int64
	putCalls    atomic.Int64
	failedCalls atomic.Int64
}

func (s *MockChunkSource) Get(size int) ([]byte, error) {
	if s.MaxChunks > 0 && s.ChunksInUse() >= s.MaxChunks {
		s.failedCalls.Add(1)
		return nil, ErrSourceExhausted
	}
	s.getCalls.Add(1)
	switch {
	case s.Misaligned:
		return make([]byte, size+1)[1:], nil
	case s.Short:
		return make([]byte, size-1), nil
	}
	return make([]byte, size), nil
}

func (s *MockChunkSource) Put(c []byte) {
	s.putCalls.Add(1)
}

func (s *MockChunkSource) GetCalls() int64 {
	return s.getCalls.Load()
}

func (s *MockChunkSource) PutCalls() int64 {
	return s.putCalls.Load()
}

func (s *MockChunkSource) FailedCalls() int64 {
	return s.failedCalls.Load()
}

func (s *MockChunkSource) ChunksInUse() int64 {
	return s.GetCalls() - s.PutCalls()
}

func (s *MockChunkSource) Reset() {
	s.getCalls.Store(0)
	s.putCalls.Store(0)
	s.failedCalls.Store(0)
}
