// Package seqcache hands out locally-unique sequence numbers for a
// scope (team) without a network call. The cache is advisory: the
// persisted short ID on the matter row is the record of truth, and the
// cache exists only so a client can assign a provisional short ID
// while offline.
package seqcache

import "sync"

// Entry is one cached scope: the next value to hand out and how many
// IDs may be handed out before the client should reseed.
type Entry struct {
	Next      int64
	BlockSize int64
}

// Store is a typed, versioned key-value store for scope entries. The
// version lives on the store itself so version checks are atomic with
// reads. Scopes returns scopes in insertion order, which drives
// capacity eviction.
type Store interface {
	Version() (int64, error)
	SetVersion(version int64) error
	Get(scope string) (Entry, bool, error)
	Put(scope string, entry Entry) error
	Delete(scope string) error
	Scopes() ([]string, error)
	Clear() error
}

// MemoryStore is an in-process Store, used in tests and as the
// fallback when no durable path is configured.
type MemoryStore struct {
	mu      sync.Mutex
	version int64
	entries map[string]Entry
	order   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Version() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, nil
}

func (s *MemoryStore) SetVersion(version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	return nil
}

func (s *MemoryStore) Get(scope string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[scope]
	return entry, ok, nil
}

func (s *MemoryStore) Put(scope string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[scope]; !exists {
		s.order = append(s.order, scope)
	}
	s.entries[scope] = entry
	return nil
}

func (s *MemoryStore) Delete(scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, scope)
	for i, existing := range s.order {
		if existing == scope {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Scopes() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scopes := make([]string, len(s.order))
	copy(scopes, s.order)
	return scopes, nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
	s.order = nil
	return nil
}
