package functions

import (
	"context"
	"fmt"
	"strings"

	"github.com/m2tx/voice_agent/internal/agent"
)

const ChangeLanguageName = "changeLanguage"

type ChangeLanguageArgs struct {
	Language string `json:"language" jsonschema:"The language code preferred by the user, formatted like en-US or fr-FR. If the user names a language without a region, use the region of the current language when they match."`
}

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"nl": "Dutch",
	"ja": "Japanese",
	"zh": "Chinese",
	"ko": "Korean",
	"hi": "Hindi",
}

// LanguageName returns the English name of a BCP 47 code such as "es-MX".
func LanguageName(code string) (string, bool) {
	base, _, _ := strings.Cut(strings.ToLower(code), "-")
	name, ok := languageNames[base]
	return name, ok
}

// CreateChangeLanguageFunctionDeclaration switches the speech language of
// the call. It is terminal: the confirmation is the last thing said in the
// turn and the relay applies the switch from the action event.
func CreateChangeLanguageFunctionDeclaration() *agent.FunctionDeclaration {
	return &agent.FunctionDeclaration{
		Name:             ChangeLanguageName,
		Description:      "Change the current conversation language to user preference, treat en-US, en-GB, es-ES, es-MX etc. as different languages.",
		ParametersSchema: schemaFor[ChangeLanguageArgs](),
		Terminal:         true,
		FunctionCall: func(_ context.Context, inv *agent.Invocation) (any, error) {
			args, err := decodeArgs[ChangeLanguageArgs](inv.Args)
			if err != nil {
				return nil, err
			}
			name, ok := LanguageName(args.Language)
			if !ok {
				return nil, fmt.Errorf("unsupported language %q", args.Language)
			}
			return fmt.Sprintf("Okay, I will continue in %s.", name), nil
		},
	}
}
