package store

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Entry
}

// NewMemory builds a process-local store. It honors the same interface as the
// redis backend but does not survive restarts; it exists for tests and for
// hosts that accept a cold cache per run.
func NewMemory() Store {
	return &memoryStore{namespaces: make(map[string]map[string]Entry)}
}

func (s *memoryStore) Get(_ context.Context, ns Namespace, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.namespaces[ns.String()]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := bucket[key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Put(_ context.Context, ns Namespace, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	bucket, ok := s.namespaces[ns.String()]
	if !ok {
		bucket = make(map[string]Entry)
		s.namespaces[ns.String()] = bucket
	}
	bucket[key] = cloneEntry(entry)
	return nil
}

func (s *memoryStore) Namespaces(_ context.Context) ([]Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Namespace, 0, len(s.namespaces))
	for name := range s.namespaces {
		ns, ok := ParseNamespace(name)
		if !ok {
			continue
		}
		out = append(out, ns)
	}
	return out, nil
}

func (s *memoryStore) DropNamespace(_ context.Context, ns Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, ns.String())
	return nil
}

func (s *memoryStore) Len(_ context.Context, ns Namespace) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.namespaces[ns.String()])), nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
