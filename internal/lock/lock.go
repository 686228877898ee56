// Package lock tracks administrative maintenance locks per diagram. A
// locked diagram refuses new joins until the lock is released or its TTL
// expires.
package lock

import (
	"context"
	"sync"
	"time"
)

// Store is consulted by the coordinator on every join.
type Store interface {
	Acquire(ctx context.Context, diagramID, reason string, ttl time.Duration) error
	Release(ctx context.Context, diagramID string) error
	// Locked returns the lock reason, or "" when the diagram is unlocked.
	Locked(ctx context.Context, diagramID string) (string, error)
}

type memoryEntry struct {
	reason    string
	expiresAt time.Time
}

// MemoryStore is the single-node fallback when no Redis is configured.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Acquire(_ context.Context, diagramID, reason string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[diagramID] = memoryEntry{reason: reason, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, diagramID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, diagramID)
	return nil
}

func (s *MemoryStore) Locked(_ context.Context, diagramID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.locks[diagramID]
	if !ok {
		return "", nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.locks, diagramID)
		return "", nil
	}
	return entry.reason, nil
}
