package store

import "sync"

// MemoryStore is a map-backed Store for tests and hosts that manage their
// own persistence.
type MemoryStore struct {
	mu            sync.RWMutex
	relationships map[string]RelationshipRecord
	sessions      map[string]SessionRecord
}

// NewMemory builds an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		relationships: make(map[string]RelationshipRecord),
		sessions:      make(map[string]SessionRecord),
	}
}

func (s *MemoryStore) PutRelationship(rec RelationshipRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relationships[rec.ChatID] = rec
	return nil
}

func (s *MemoryStore) PutSession(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ChatID+"/"+rec.File] = rec
	return nil
}

func (s *MemoryStore) DeleteSessions(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.sessions {
		if rec.ChatID == chatID {
			delete(s.sessions, key)
		}
	}
	return nil
}

func (s *MemoryStore) Relationships() ([]RelationshipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RelationshipRecord, 0, len(s.relationships))
	for _, rec := range s.relationships {
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) Sessions() ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
