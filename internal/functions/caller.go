package functions

import (
	"context"
	"fmt"

	"github.com/m2tx/voice_agent/internal/agent"
	"github.com/m2tx/voice_agent/internal/repository"
)

type LookupCallerArgs struct{}

// CreateLookupCallerFunctionDeclaration reads the stored record of the
// session's caller. The caller comes from the session, never from the model.
func CreateLookupCallerFunctionDeclaration(profiles repository.ProfileRepository) *agent.FunctionDeclaration {
	return &agent.FunctionDeclaration{
		Name:             "lookupCaller",
		Description:      "Look up what is on record for the person calling, such as their profile, previous orders and preferred language.",
		ParametersSchema: schemaFor[LookupCallerArgs](),
		Say:              "Let me pull up your details.",
		FunctionCall: func(ctx context.Context, inv *agent.Invocation) (any, error) {
			if inv.Caller == "" {
				return "The caller's phone number is unknown.", nil
			}

			p, err := profiles.FindByCaller(ctx, inv.Caller)
			if err != nil {
				return nil, fmt.Errorf("lookupCaller: %w", err)
			}
			if p == nil {
				return fmt.Sprintf("No record found for %s.", inv.Caller), nil
			}

			return map[string]any{
				"caller":   p.Caller,
				"profile":  p.Profile,
				"orders":   p.Orders,
				"language": p.Language,
			}, nil
		},
	}
}
