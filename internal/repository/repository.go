package repository

import (
	"context"

	"github.com/m2tx/voice_agent/internal/model"
)

// ProfileRepository stores the per-call configuration records sessions are
// seeded from.
type ProfileRepository interface {
	// Save inserts or replaces the profile with the same ID.
	Save(ctx context.Context, profile *model.Profile) error

	// Latest returns the most recently updated profile.
	// Returns nil, nil if there is none.
	Latest(ctx context.Context) (*model.Profile, error)

	// FindByCaller returns the most recently updated profile of caller.
	// Returns nil, nil if the caller has none.
	FindByCaller(ctx context.Context, caller string) (*model.Profile, error)
}

// ActionRepository keeps the log of completed actions.
type ActionRepository interface {
	RecordAction(ctx context.Context, record model.ActionRecord) error

	// ListBySession returns the actions of a session in the order they ran.
	ListBySession(ctx context.Context, sessionID string) ([]model.ActionRecord, error)
}
