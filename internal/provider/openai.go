package provider

import (
	"context"
	"fmt"
	"iter"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"go.uber.org/zap"

	"github.com/m2tx/voice_agent/internal/agent"
	"github.com/m2tx/voice_agent/internal/model"
)

var _ agent.Provider = (*OpenAI)(nil)

const (
	oaiFinishReasonStop          = "stop"
	oaiFinishReasonToolCalls     = "tool_calls"
	oaiFinishReasonLength        = "length"
	oaiFinishReasonFunctionCall  = "function_call"
	oaiFinishReasonContentFilter = "content_filter"
)

// OpenAI streams turns from the Chat Completions API.
type OpenAI struct {
	client *openai.Client
	cfg    Config
	logger *zap.Logger
}

func NewOpenAI(client *openai.Client, cfg Config, logger *zap.Logger) *OpenAI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{client: client, cfg: cfg, logger: logger.With(zap.String("provider", NameOpenAI))}
}

func (p *OpenAI) StreamTurn(ctx context.Context, entries []model.ConversationEntry, actions []agent.ActionDescriptor) iter.Seq2[agent.StreamEvent, error] {
	return func(yield func(agent.StreamEvent, error) bool) {
		params, err := p.params(entries, actions)
		if err != nil {
			yield(agent.StreamEvent{}, err)
			return
		}

		ctx, cancel := withTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			sel := chunk.Choices[0]

			text := sel.Delta.Content
			if text == "" {
				text = sel.Delta.Refusal
			}
			if text != "" {
				if !yield(agent.StreamEvent{Content: text}, nil) {
					return
				}
			}

			for _, tc := range sel.Delta.ToolCalls {
				frag := &agent.ToolFragment{
					Index:     int(tc.Index),
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
				if !yield(agent.StreamEvent{Tool: frag}, nil) {
					return
				}
			}

			if finish := oaiConvFinish(sel.FinishReason); finish != agent.FinishNone {
				p.logger.Debug("stream finished", zap.String("reason", sel.FinishReason))
				yield(agent.StreamEvent{Finish: finish}, nil)
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(agent.StreamEvent{}, fmt.Errorf("provider: openai stream: %w", err))
		}
	}
}

func (p *OpenAI) params(entries []model.ConversationEntry, actions []agent.ActionDescriptor) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Messages: oaiConvEntries(entries),
		Model:    p.cfg.Model,
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = param.NewOpt(p.cfg.Temperature)
	}

	for _, a := range actions {
		schema, err := schemaMap(a.Parameters)
		if err != nil {
			return openai.ChatCompletionNewParams{}, fmt.Errorf("provider: schema of %q: %w", a.Name, err)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        a.Name,
				Description: param.NewOpt(a.Description),
				Parameters:  openai.FunctionParameters(schema),
			},
		})
	}
	return params, nil
}

// oaiConvEntries maps the conversation onto chat messages. Action results
// keep the function role so the model sees which action produced them.
func oaiConvEntries(entries []model.ConversationEntry) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(e.Content))
		case model.RoleUser:
			out = append(out, openai.UserMessage(e.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(e.Content))
		case model.RoleFunction:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfFunction: &openai.ChatCompletionFunctionMessageParam{
					Name:    e.Name,
					Content: param.NewOpt(e.Content),
				},
			})
		}
	}
	return out
}

func oaiConvFinish(reason string) agent.FinishReason {
	switch reason {
	case oaiFinishReasonStop, oaiFinishReasonLength, oaiFinishReasonContentFilter:
		return agent.FinishStopped
	case oaiFinishReasonToolCalls, oaiFinishReasonFunctionCall:
		return agent.FinishToolCalls
	}
	return agent.FinishNone
}
