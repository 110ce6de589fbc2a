package blob

import (
	"context"
	"sync"
)

type MemoryStore struct {
	lock    sync.Mutex
	blobs   map[string][]byte
	failing error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// FailWith makes every following Put return err, nil restores normal operation.
func (s *MemoryStore) FailWith(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failing = err
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failing != nil {
		return s.failing
	}
	b := make([]byte, len(data))
	copy(b, data)
	s.blobs[key] = b
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.blobs)
}
