package model

import "time"

// Role identifies who authored a conversation entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction:
		return true
	}
	return false
}

// ConversationEntry is a single line of the conversation context.
// Name carries the action that produced a function entry, or an explicit speaker tag.
type ConversationEntry struct {
	Role     Role   `json:"role" bson:"role"`
	Name     string `json:"name,omitempty" bson:"name,omitempty"`
	Content  string `json:"content" bson:"content"`
	Sequence int    `json:"sequence" bson:"sequence"`
}

// ActionRecord is one completed action invocation, kept for analytics.
type ActionRecord struct {
	SessionID string         `json:"session_id" bson:"session_id"`
	Caller    string         `json:"caller,omitempty" bson:"caller,omitempty"`
	Turn      int            `json:"turn" bson:"turn"`
	Name      string         `json:"name" bson:"name"`
	Args      map[string]any `json:"args,omitempty" bson:"args,omitempty"`
	Result    string         `json:"result" bson:"result"`
	At        time.Time      `json:"at" bson:"at"`
}

// Profile is the per-call configuration record a session is seeded from.
type Profile struct {
	ID                    string    `json:"id" bson:"_id"`
	Caller                string    `json:"caller,omitempty" bson:"caller,omitempty"`
	Model                 string    `json:"model,omitempty" bson:"model,omitempty"`
	SystemPrompt          string    `json:"sys_prompt,omitempty" bson:"sys_prompt,omitempty"`
	Profile               string    `json:"profile,omitempty" bson:"profile,omitempty"`
	Orders                string    `json:"orders,omitempty" bson:"orders,omitempty"`
	Inventory             string    `json:"inventory,omitempty" bson:"inventory,omitempty"`
	Example               string    `json:"example,omitempty" bson:"example,omitempty"`
	Language              string    `json:"language,omitempty" bson:"language,omitempty"`
	Voice                 string    `json:"voice,omitempty" bson:"voice,omitempty"`
	TranscriptionProvider string    `json:"transcription_provider,omitempty" bson:"transcription_provider,omitempty"`
	ChangeSTT             bool      `json:"change_stt,omitempty" bson:"change_stt,omitempty"`
	UpdatedAt             time.Time `json:"updated_at" bson:"updated_at"`
}

// Instructions returns the non-empty system lines of the profile in the order
// they are pushed into a new session.
func (p *Profile) Instructions() []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, s := range []string{p.SystemPrompt, p.Profile, p.Orders, p.Inventory, p.Example} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
