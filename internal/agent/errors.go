package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEntry is returned when a conversation entry cannot be appended.
	ErrMalformedEntry = errors.New("agent: malformed conversation entry")

	// ErrMalformedToolArguments is reported for a tool call whose argument
	// buffer could not be parsed.
	ErrMalformedToolArguments = errors.New("agent: malformed tool arguments")

	// ErrUnknownAction is reported when the model requests an action the
	// registry does not know.
	ErrUnknownAction = errors.New("agent: unknown action")

	// ErrHandlerFailure wraps every error returned (or panic raised) by an
	// action handler.
	ErrHandlerFailure = errors.New("agent: action handler failed")

	// ErrProviderStream wraps errors produced by the language model stream.
	ErrProviderStream = errors.New("agent: provider stream failed")

	// ErrIncompleteStream is returned when a stream ends without a finish reason.
	ErrIncompleteStream = errors.New("agent: stream ended without finish reason")

	// ErrSessionClosed is returned by session operations after Close.
	ErrSessionClosed = errors.New("agent: session closed")
)

// ToolCallError reports a single tool call that could not be finalized.
type ToolCallError struct {
	Index int
	Name  string
	Err   error
}

func (e *ToolCallError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("agent: tool call #%d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("agent: tool call #%d %q: %v", e.Index, e.Name, e.Err)
}

func (e *ToolCallError) Unwrap() error {
	return e.Err
}

// HandlerError reports a failed action handler.
type HandlerError struct {
	Action string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("agent: action %q failed: %v", e.Action, e.Err)
}

func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandlerFailure, e.Err}
}
