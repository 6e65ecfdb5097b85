package agent

import (
	"context"
	"iter"

	"github.com/m2tx/voice_agent/internal/model"
)

// FinishReason tells how a model stream ended.
type FinishReason int

const (
	FinishNone FinishReason = iota
	FinishStopped
	FinishToolCalls
)

func (f FinishReason) String() string {
	switch f {
	case FinishStopped:
		return "stop"
	case FinishToolCalls:
		return "tool_calls"
	default:
		return "none"
	}
}

// StreamEvent is one step of a model stream. A single event may carry text,
// a tool fragment, a finish reason, or any combination of them.
type StreamEvent struct {
	Content string
	Tool    *ToolFragment
	Finish  FinishReason
}

// Provider streams one model turn over the given context. Implementations
// must stop yielding once ctx is cancelled.
type Provider interface {
	StreamTurn(ctx context.Context, entries []model.ConversationEntry, actions []ActionDescriptor) iter.Seq2[StreamEvent, error]
}
