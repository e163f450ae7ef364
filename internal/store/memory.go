package store

import (
	"context"
	"strconv"
	"sync"
)

// MemoryStore is a process-local store used by the "memory" backend and by
// tests that do not need persistence.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string][]byte
	version map[string]int
	writes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string][]byte{}, version: map[string]int{}}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return Entry{Key: key, Value: out, Revision: strconv.Itoa(s.version[key])}, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, expected string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := NoRevision
	if _, ok := s.values[key]; ok {
		current = strconv.Itoa(s.version[key])
	}
	if current != expected {
		return "", &ConflictError{Key: key, ExpectedRevision: expected, CurrentRevision: current}
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	s.version[key]++
	s.writes++
	return strconv.Itoa(s.version[key]), nil
}

// Writes reports how many successful puts the store has seen.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Keys lists every key written so far.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}
