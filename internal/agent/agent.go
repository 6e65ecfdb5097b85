package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// DefaultFamilyCooldown is the window applied to an action family that has
// no explicit cooldown configured.
const DefaultFamilyCooldown = 2 * time.Second

// Invocation is what an action handler receives.
type Invocation struct {
	SessionID string
	Caller    string
	Turn      int
	Name      string
	Args      map[string]any
}

// FunctionCallFn implements an action. A non-string result is JSON encoded
// before it is added to the conversation.
type FunctionCallFn func(ctx context.Context, inv *Invocation) (any, error)

// FunctionDeclaration describes an action the model may request.
type FunctionDeclaration struct {
	Name             string
	Description      string
	ParametersSchema *jsonschema.Schema

	// Say is spoken, not final, before the handler runs.
	Say string
	// Family groups actions that share one cooldown. Empty means ungated.
	Family string
	// Terminal actions speak their result as the final unit of the turn
	// instead of asking the model for a follow-up.
	Terminal bool

	FunctionCall FunctionCallFn
}

// ActionDescriptor is the model-facing view of a declaration.
type ActionDescriptor struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// Registry holds the actions available to every session. It is filled at
// startup and only read afterwards.
type Registry struct {
	mu           sync.RWMutex
	functionsMap map[string]*FunctionDeclaration
	order        []string
	cooldowns    map[string]time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		functionsMap: make(map[string]*FunctionDeclaration),
		cooldowns:    make(map[string]time.Duration),
	}
}

func (r *Registry) AddFunctionCall(functionDeclaration *FunctionDeclaration) error {
	if functionDeclaration == nil {
		return fmt.Errorf("function declaration cannot be nil")
	}

	if functionDeclaration.Name == "" {
		return fmt.Errorf("function name cannot be empty")
	}

	if functionDeclaration.FunctionCall == nil {
		return fmt.Errorf("function call implementation cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.functionsMap[functionDeclaration.Name]; exists {
		return fmt.Errorf("function %s already registered", functionDeclaration.Name)
	}

	r.functionsMap[functionDeclaration.Name] = functionDeclaration
	r.order = append(r.order, functionDeclaration.Name)

	return nil
}

func (r *Registry) Resolve(name string) (*FunctionDeclaration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fd, ok := r.functionsMap[name]
	return fd, ok
}

// Names returns the registered action names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Descriptors returns the model-facing descriptors in registration order.
func (r *Registry) Descriptors() []ActionDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]ActionDescriptor, 0, len(r.order))
	for _, name := range r.order {
		fd := r.functionsMap[name]
		descriptors = append(descriptors, ActionDescriptor{
			Name:        fd.Name,
			Description: fd.Description,
			Parameters:  fd.ParametersSchema,
		})
	}
	return descriptors
}

func (r *Registry) SetFamilyCooldown(family string, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cooldowns[family] = window
}

// Cooldown returns the window of family, DefaultFamilyCooldown when unset.
func (r *Registry) Cooldown(family string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if w, ok := r.cooldowns[family]; ok {
		return w
	}
	return DefaultFamilyCooldown
}
