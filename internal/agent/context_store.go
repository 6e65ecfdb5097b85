package agent

import (
	"fmt"
	"slices"
	"sync"

	"github.com/m2tx/voice_agent/internal/model"
)

// ContextStore is the ordered, append-only conversation log of one session.
type ContextStore struct {
	mu      sync.RWMutex
	entries []model.ConversationEntry
}

func NewContextStore() *ContextStore {
	return &ContextStore{}
}

// Append assigns the next sequence number to entry and stores it.
// Function entries must name the action that produced them.
func (s *ContextStore) Append(entry model.ConversationEntry) (model.ConversationEntry, error) {
	if !entry.Role.Valid() {
		return model.ConversationEntry{}, fmt.Errorf("%w: role %q", ErrMalformedEntry, entry.Role)
	}
	if entry.Role == model.RoleFunction && entry.Name == "" {
		return model.ConversationEntry{}, fmt.Errorf("%w: function entry without name", ErrMalformedEntry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Sequence = len(s.entries)
	s.entries = append(s.entries, entry)

	return entry, nil
}

// Snapshot returns a copy of the log that later appends cannot affect.
func (s *ContextStore) Snapshot() []model.ConversationEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.entries)
}

func (s *ContextStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}
