package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/m2tx/voice_agent/internal/model"
)

// MemoryRepository keeps profiles and actions in process memory. It backs
// the server when no MongoDB URI is configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	profiles map[string]model.Profile
	actions  []model.ActionRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{profiles: make(map[string]model.Profile)}
}

func (r *MemoryRepository) Save(_ context.Context, profile *model.Profile) error {
	if profile == nil || profile.ID == "" {
		return errors.New("repository: profile id cannot be empty")
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles[profile.ID] = *profile
	return nil
}

func (r *MemoryRepository) Latest(_ context.Context) (*model.Profile, error) {
	return r.newest(func(model.Profile) bool { return true }), nil
}

func (r *MemoryRepository) FindByCaller(_ context.Context, caller string) (*model.Profile, error) {
	return r.newest(func(p model.Profile) bool { return p.Caller == caller }), nil
}

func (r *MemoryRepository) newest(match func(model.Profile) bool) *model.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *model.Profile
	for _, p := range r.profiles {
		if !match(p) {
			continue
		}
		if found == nil || p.UpdatedAt.After(found.UpdatedAt) {
			p := p
			found = &p
		}
	}
	return found
}

func (r *MemoryRepository) RecordAction(_ context.Context, record model.ActionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actions = append(r.actions, record)
	return nil
}

func (r *MemoryRepository) ListBySession(_ context.Context, sessionID string) ([]model.ActionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := []model.ActionRecord{}
	for _, a := range r.actions {
		if a.SessionID == sessionID {
			records = append(records, a)
		}
	}
	return records, nil
}
