// Package memory is an in-process object.Store used by tests and as the
// "memory" ObjectStore backend variant.
package memory

import (
	"context"
	"sync"

	"github.com/kisekifs/kiseki/internal/errs"
	"github.com/kisekifs/kiseki/pkg/object"
)

// Store is a goroutine-safe map-backed object.Store. Reads copy out of
// the stored slice so callers cannot mutate it through an aliased buffer.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ object.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

func (s *Store) Put(_ context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = cp
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, &errs.ObjectStoreError{Op: "get", Key: key, NotFound: true}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *Store) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, &errs.ValidationError{Msg: "memory object store: offset out of range"}
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *Store) IsNotFound(err error) bool {
	var oerr *errs.ObjectStoreError
	if e, ok := err.(*errs.ObjectStoreError); ok {
		oerr = e
	} else {
		return false
	}
	return oerr.NotFound
}

// Len reports the number of stored objects, for test assertions about
// at-most-once upload.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Has reports whether key is currently stored, for at-most-once PUT tests.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}
