package staging

import (
	"context"
	"sync"
	"time"

	"back_crm/internal/models"
)

// MemoryStore is an in-process Store with the same TTL semantics as the
// Redis implementation. Used for tests and single-binary deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	session   models.PairingSession
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory staging store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, session models.PairingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[session.PairingID] = memoryEntry{
		session:   session,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, pairingID string) (*models.PairingSession, error) {
	s.mu.RLock()
	entry, ok := s.entries[pairingID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(entry.expiresAt) {
		// Expired entries are reaped lazily.
		s.mu.Lock()
		delete(s.entries, pairingID)
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	session := entry.session
	return &session, nil
}

func (s *MemoryStore) Delete(_ context.Context, pairingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, pairingID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
