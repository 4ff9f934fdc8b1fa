package store

import (
	"context"
	"slices"
	"sync"

	"github.com/tinyland-inc/linkgate/pkg/utils"
)

// MemoryStore keeps credentials in process memory. Nothing survives a restart;
// it backs tests and the "memory" store backend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Credentials
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Credentials)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (Credentials, bool, error) {
	if err := utils.ValidateSessionID(id); err != nil {
		return nil, false, persistErr("load", id, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(creds), true, nil
}

func (s *MemoryStore) Save(_ context.Context, id string, creds Credentials) error {
	if err := utils.ValidateSessionID(id); err != nil {
		return persistErr("save", id, err)
	}
	if len(creds) == 0 {
		return persistErr("save", id, ErrEmptyCredentials)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = slices.Clone(creds)
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
