// Package functions holds the actions callers can trigger during a call.
package functions

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// schemaFor infers the parameter schema of an action from its argument type.
func schemaFor[T any]() *jsonschema.Schema {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("functions: schema for %T: %v", *new(T), err))
	}
	return s
}

// decodeArgs maps the model's argument object onto T.
func decodeArgs[T any](args map[string]any) (T, error) {
	var out T
	b, err := json.Marshal(args)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("invalid arguments: %w", err)
	}
	return out, nil
}
