package kv

import (
	"context"
	"sync"

	"github.com/ryandielhenn/glomer/pkg/seqkv"
)

// Service is a linearizable integer register store with the seq-kv error
// taxonomy: missing keys report seqkv.ErrKeyDoesNotExist, failed
// compare-and-sets report seqkv.ErrPreconditionFailed and Create on an
// existing key reports seqkv.ErrKeyAlreadyExists.
type Service interface {
	Read(ctx context.Context, key string) (int64, error)
	Write(ctx context.Context, key string, value int64) error
	CompareAndSet(ctx context.Context, key string, from, to int64) error
	Create(ctx context.Context, key string, value int64) error
	Close() error
}

// Store is an in-memory Service.
type Store struct {
	mu   sync.RWMutex
	data map[string]int64
	ops  uint64
}

func NewStore() *Store {
	return &Store{data: make(map[string]int64)}
}

func (s *Store) Read(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return 0, seqkv.Errorf(seqkv.KeyDoesNotExist, "key %q does not exist", key)
	}
	return v, nil
}

func (s *Store) Write(_ context.Context, key string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.ops++
	return nil
}

func (s *Store) CompareAndSet(_ context.Context, key string, from, to int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[key]
	if !ok {
		return seqkv.Errorf(seqkv.KeyDoesNotExist, "key %q does not exist", key)
	}
	if cur != from {
		return seqkv.Errorf(seqkv.PreconditionFailed, "expected %d, but had %d", from, cur)
	}
	s.data[key] = to
	s.ops++
	return nil
}

func (s *Store) Create(_ context.Context, key string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return seqkv.Errorf(seqkv.KeyAlreadyExists, "key %q already exists", key)
	}
	s.data[key] = value
	s.ops++
	return nil
}

// Mutations counts successful writes and compare-and-sets.
func (s *Store) Mutations() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ops
}

func (s *Store) Close() error { return nil }
