package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/m2tx/voice_agent/internal/agent"
	"github.com/m2tx/voice_agent/internal/model"
)

var _ agent.Provider = (*Gemini)(nil)

const (
	geminiRoleUser  = "user"
	geminiRoleModel = "model"
)

// Gemini streams turns from the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    Config
	logger *zap.Logger
}

func NewGemini(client *genai.Client, cfg Config, logger *zap.Logger) *Gemini {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gemini{client: client, cfg: cfg, logger: logger.With(zap.String("provider", NameGemini))}
}

func (g *Gemini) StreamTurn(ctx context.Context, entries []model.ConversationEntry, actions []agent.ActionDescriptor) iter.Seq2[agent.StreamEvent, error] {
	return func(yield func(agent.StreamEvent, error) bool) {
		config, contents, err := g.convContext(entries, actions)
		if err != nil {
			yield(agent.StreamEvent{}, err)
			return
		}

		ctx, cancel := withTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()

		var (
			nextIndex int
			sawCall   bool
		)
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.cfg.Model, contents, config) {
			if err != nil {
				yield(agent.StreamEvent{}, fmt.Errorf("provider: gemini stream: %w", err))
				return
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			candidate := resp.Candidates[0]

			if candidate.Content != nil {
				for _, part := range candidate.Content.Parts {
					ev, ok, err := geminiConvPart(part, &nextIndex)
					if err != nil {
						yield(agent.StreamEvent{}, err)
						return
					}
					if !ok {
						continue
					}
					if ev.Tool != nil {
						sawCall = true
					}
					if !yield(ev, nil) {
						return
					}
				}
			}

			switch candidate.FinishReason {
			case "", genai.FinishReasonUnspecified:
				continue
			case genai.FinishReasonStop, genai.FinishReasonMaxTokens:
				finish := agent.FinishStopped
				if sawCall {
					finish = agent.FinishToolCalls
				}
				g.logger.Debug("stream finished", zap.String("reason", string(candidate.FinishReason)))
				yield(agent.StreamEvent{Finish: finish}, nil)
				return
			default:
				yield(agent.StreamEvent{}, fmt.Errorf("provider: gemini unexpected finish reason: %s", candidate.FinishReason))
				return
			}
		}
	}
}

// geminiConvPart turns one response part into a stream event. Gemini sends
// each function call whole, so every call gets its own fragment index.
func geminiConvPart(part *genai.Part, nextIndex *int) (agent.StreamEvent, bool, error) {
	switch {
	case part == nil, part.Thought:
		return agent.StreamEvent{}, false, nil
	case part.FunctionCall != nil:
		args, err := json.Marshal(part.FunctionCall.Args)
		if err != nil {
			return agent.StreamEvent{}, false, fmt.Errorf("provider: encode args of %q: %w", part.FunctionCall.Name, err)
		}
		if part.FunctionCall.Args == nil {
			args = nil
		}
		frag := &agent.ToolFragment{
			Index:     *nextIndex,
			ID:        part.FunctionCall.ID,
			Name:      part.FunctionCall.Name,
			Arguments: string(args),
		}
		*nextIndex++
		return agent.StreamEvent{Tool: frag}, true, nil
	case part.Text != "":
		return agent.StreamEvent{Content: part.Text}, true, nil
	}
	return agent.StreamEvent{}, false, nil
}

func (g *Gemini) convContext(entries []model.ConversationEntry, actions []agent.ActionDescriptor) (*genai.GenerateContentConfig, []*genai.Content, error) {
	config := &genai.GenerateContentConfig{}
	if g.cfg.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(g.cfg.Temperature))
	}
	if tools := g.getTools(actions); tools != nil {
		config.Tools = tools
	}

	instructions, contents := geminiConvEntries(entries)
	if len(instructions) > 0 {
		config.SystemInstruction = &genai.Content{Parts: instructions}
	}
	if len(contents) == 0 {
		return nil, nil, fmt.Errorf("provider: gemini: no contents")
	}
	return config, contents, nil
}

func (g *Gemini) getTools(actions []agent.ActionDescriptor) []*genai.Tool {
	if len(actions) == 0 {
		return nil
	}

	functions := []*genai.FunctionDeclaration{}
	for _, a := range actions {
		fd := &genai.FunctionDeclaration{
			Name:        a.Name,
			Description: a.Description,
		}
		if a.Parameters != nil {
			fd.ParametersJsonSchema = a.Parameters
		}
		functions = append(functions, fd)
	}

	return []*genai.Tool{
		{
			FunctionDeclarations: functions,
		},
	}
}

// geminiConvEntries splits the conversation into system instruction parts
// and alternating contents. Action results go back as user text because
// the conversation keeps no call ids to answer with a function response.
func geminiConvEntries(entries []model.ConversationEntry) ([]*genai.Part, []*genai.Content) {
	var (
		instructions []*genai.Part
		contents     []*genai.Content
		last         *genai.Content
	)
	for _, e := range entries {
		var role, text string
		switch e.Role {
		case model.RoleSystem:
			instructions = append(instructions, genai.NewPartFromText(e.Content))
			continue
		case model.RoleUser:
			role, text = geminiRoleUser, e.Content
		case model.RoleAssistant:
			role, text = geminiRoleModel, e.Content
		case model.RoleFunction:
			role, text = geminiRoleUser, fmt.Sprintf("Result of %s: %s", e.Name, e.Content)
		default:
			continue
		}

		part := genai.NewPartFromText(text)
		if last != nil && last.Role == role {
			last.Parts = append(last.Parts, part)
			continue
		}
		last = &genai.Content{Role: role, Parts: []*genai.Part{part}}
		contents = append(contents, last)
	}
	return instructions, contents
}
