package persistence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	state     []byte
	updatedAt time.Time
}

// MemoryStore is the in-process default checkpoint store. Contents are lost
// on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// SaveCheckpoint implements CheckpointStore.
func (s *MemoryStore) SaveCheckpoint(ctx context.Context, conversationID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	buf := make([]byte, len(state))
	copy(buf, state)
	s.entries[conversationID] = memoryEntry{state: buf, updatedAt: time.Now().UTC()}
	return nil
}

// LoadCheckpoint implements CheckpointStore.
func (s *MemoryStore) LoadCheckpoint(ctx context.Context, conversationID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	entry, ok := s.entries[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(entry.state))
	copy(buf, entry.state)
	return buf, nil
}

// ListConversations implements CheckpointStore.
func (s *MemoryStore) ListConversations(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]Summary, 0, len(s.entries))
	for id, entry := range s.entries {
		out = append(out, Summary{
			ConversationID: id,
			UpdatedAt:      entry.updatedAt,
			Size:           len(entry.state),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConversationID < out[j].ConversationID
	})
	return out, nil
}

// Delete implements CheckpointStore. Deleting a missing checkpoint is not
// an error.
func (s *MemoryStore) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.entries, conversationID)
	return nil
}

// Close implements CheckpointStore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}
