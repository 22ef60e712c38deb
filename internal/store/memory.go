package store

import (
	"context"
	"sync"
)

// MemoryBlobStore keeps blobs in process memory. It is meant for tests and
// local development.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	// returned by every Put when set
	failPut error
}

// NewMemoryBlobStore creates an empty in-memory store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Close is a no-op.
func (s *MemoryBlobStore) Close() {}

// Ping always succeeds.
func (s *MemoryBlobStore) Ping(ctx context.Context) error {
	return nil
}

// Get returns a copy of the blob at key.
func (s *MemoryBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return append([]byte(nil), data...), nil
}

// Put stores a copy of data at key.
func (s *MemoryBlobStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPut != nil {
		return s.failPut
	}
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

// Keys returns the stored keys in no particular order.
func (s *MemoryBlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	return keys
}

// SetFailPut makes every subsequent Put return err (nil clears it).
func (s *MemoryBlobStore) SetFailPut(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = err
}
