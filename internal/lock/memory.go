package lock

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps locks in process memory. It only excludes callers within
// one process; use it for single-instance deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]Lock
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]Lock)}
}

func (s *MemoryStore) TryAcquire(_ context.Context, l Lock, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.locks[l.Name]; ok && !cur.Expired(now) {
		return false, nil
	}
	s.locks[l.Name] = l
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		return Lock{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.locks, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteOwned(_ context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.locks[key]; ok && l.Owner == owner {
		delete(s.locks, key)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, key string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.locks[key]; ok && l.Expired(now) {
		delete(s.locks, key)
	}
	return nil
}

func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key := range s.locks {
		if strings.HasPrefix(key, prefix) {
			delete(s.locks, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Lock
	for key, l := range s.locks {
		if strings.HasPrefix(key, prefix) {
			out = append(out, l)
		}
	}
	return out, nil
}
